package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/d9705996/logexpert/internal/model"
	"github.com/slack-go/slack"
)

const slackUsername = "LogExpert"

// SlackSink posts transitions to a Slack incoming webhook.
type SlackSink struct {
	url    string
	client *http.Client
}

// NewSlackSink returns a sink posting to webhookURL. A nil client uses
// http.DefaultClient.
func NewSlackSink(webhookURL string, client *http.Client) *SlackSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSink{url: webhookURL, client: client}
}

func (s *SlackSink) Name() string { return ChannelSlack }

func (s *SlackSink) Notify(ctx context.Context, inc *model.Incident, transition string, recipients []Recipient) error {
	msg := slackMessage(inc, transition, recipients)
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func slackColor(transition string) string {
	switch transition {
	case TransitionCreated:
		return "danger"
	case TransitionAcknowledged:
		return "warning"
	case TransitionResolved:
		return "good"
	}
	return ""
}

func slackIcon(transition string) string {
	switch transition {
	case TransitionCreated:
		return ":rotating_light:"
	case TransitionResolved:
		return ":white_check_mark:"
	}
	return ":eyes:"
}

func slackMessage(inc *model.Incident, transition string, recipients []Recipient) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Severity", Value: strings.ToUpper(string(inc.Severity)), Short: true},
		{Title: "Status", Value: string(inc.Status), Short: true},
		{Title: "Source", Value: inc.Source, Short: true},
	}
	if len(recipients) > 0 {
		names := make([]string, 0, len(recipients))
		for _, r := range recipients {
			if r.Name != "" {
				names = append(names, r.Name)
			} else {
				names = append(names, r.UserID)
			}
		}
		fields = append(fields, slack.AttachmentField{Title: "On call", Value: strings.Join(names, ", "), Short: true})
	}
	if inc.ResolvedAt != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Duration",
			Value: inc.ResolvedAt.Sub(inc.CreatedAt).Round(time.Second).String(),
			Short: true,
		})
	}

	return &slack.WebhookMessage{
		Username:  slackUsername,
		IconEmoji: slackIcon(transition),
		Text:      fmt.Sprintf("%s *Incident %s*", slackIcon(transition), transition),
		Attachments: []slack.Attachment{{
			Color:  slackColor(transition),
			Title:  inc.Title,
			Text:   inc.Description,
			Fields: fields,
			Footer: "incident " + inc.ID,
		}},
	}
}
