package notify

import (
	"context"
	"log/slog"

	"github.com/d9705996/logexpert/internal/model"
)

// LogSink writes every notification as a structured log record. It never fails.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink that logs to log.
func NewLogSink(log *slog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, inc *model.Incident, transition string, recipients []Recipient) error {
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.UserID)
	}
	s.log.InfoContext(ctx, "incident notification",
		"incident_id", inc.ID,
		"transition", transition,
		"severity", inc.Severity,
		"source", inc.Source,
		"recipients", ids,
	)
	return nil
}
