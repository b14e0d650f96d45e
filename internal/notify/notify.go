// Package notify delivers incident transition notifications to people.
//
// A Notifier is called exactly once per successful lifecycle transition.
// Fanout combines several sinks (Slack, email, log) into one Notifier and
// reports each sink failure as an *errs.NotificationError.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
)

// Transition names passed to Notify.
const (
	TransitionCreated      = "created"
	TransitionAcknowledged = "acknowledged"
	TransitionResolved     = "resolved"
)

// Channels a user can opt into. Sinks with other names always receive every
// recipient.
const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
)

// ValidChannel reports whether users can select channel.
func ValidChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelSlack
}

// Recipient is a person who should hear about a transition.
type Recipient struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	// Channels the user opted into. Empty means every channel.
	Channels []string `json:"channels,omitempty"`
}

// Wants reports whether r should be reached through channel.
func (r Recipient) Wants(channel string) bool {
	if len(r.Channels) == 0 || !ValidChannel(channel) {
		return true
	}
	return slices.Contains(r.Channels, channel)
}

// ForChannel returns the recipients that want channel.
func ForChannel(recipients []Recipient, channel string) []Recipient {
	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if r.Wants(channel) {
			out = append(out, r)
		}
	}
	return out
}

// Notifier delivers one notification for one incident transition.
type Notifier interface {
	Notify(ctx context.Context, inc *model.Incident, transition string, recipients []Recipient) error
}

// Enqueuer hands a notification to a durable queue instead of delivering it.
// logID names the notification log row the queue settles once delivery
// succeeds or runs out of attempts.
type Enqueuer interface {
	Enqueue(ctx context.Context, logID string, inc *model.Incident, transition string, recipients []Recipient) error
}

// Sink is a named Notifier. The name appears in errors and logs.
type Sink interface {
	Notifier
	Name() string
}

// Fanout calls every sink in order with the recipients that want that sink's
// channel. A failing sink does not stop the others.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Notifier over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Sinks returns the names of the configured sinks.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, inc *model.Incident, transition string, recipients []Recipient) error {
	var errList []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, inc, transition, ForChannel(recipients, s.Name())); err != nil {
			errList = append(errList, &errs.NotificationError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errList...)
}

// Subject is the one-line summary used by sinks that need a title.
func Subject(inc *model.Incident, transition string) string {
	return fmt.Sprintf("[%s] Incident %s: %s", inc.Severity, transition, inc.Title)
}

// Emails returns the non-empty addresses of recipients.
func Emails(recipients []Recipient) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.Email != "" {
			out = append(out, r.Email)
		}
	}
	return out
}
