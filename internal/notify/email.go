package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/wneessen/go-mail"
)

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailSink sends a plain-text mail to every recipient with an address.
type EmailSink struct {
	from   string
	sender mailSender
}

// NewEmailSink builds an SMTP client from cfg. The connection is opened per
// notification.
func NewEmailSink(cfg config.SMTPConfig) (*EmailSink, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &EmailSink{from: cfg.From, sender: client}, nil
}

func (s *EmailSink) Name() string { return ChannelEmail }

func (s *EmailSink) Notify(ctx context.Context, inc *model.Incident, transition string, recipients []Recipient) error {
	to := Emails(recipients)
	if len(to) == 0 {
		return nil
	}
	msg, err := s.message(inc, transition, to)
	if err != nil {
		return err
	}
	if err := s.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *EmailSink) message(inc *model.Incident, transition string, to []string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	msg.Subject(Subject(inc, transition))
	msg.SetBodyString(mail.TypeTextPlain, emailBody(inc, transition))
	return msg, nil
}

func emailBody(inc *model.Incident, transition string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s\n\n", transition)
	fmt.Fprintf(&b, "Title:    %s\n", inc.Title)
	fmt.Fprintf(&b, "Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "Status:   %s\n", inc.Status)
	fmt.Fprintf(&b, "Source:   %s\n", inc.Source)
	if inc.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", inc.Description)
	}
	fmt.Fprintf(&b, "\nIncident ID: %s\n", inc.ID)
	return b.String()
}
