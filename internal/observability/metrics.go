package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// InstrumentationName scopes the tracer and meter used across the service.
const InstrumentationName = "github.com/d9705996/logexpert"

// Metrics holds the application counters exported at /metrics.
type Metrics struct {
	Transitions   metric.Int64Counter
	Notifications metric.Int64Counter
	WebhookEvents metric.Int64Counter
}

// NewMetrics registers the application counters on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(InstrumentationName)
	transitions, err := meter.Int64Counter("logexpert.incident.transitions",
		metric.WithDescription("Incident lifecycle transitions by action and outcome"))
	if err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	notifications, err := meter.Int64Counter("logexpert.notifications",
		metric.WithDescription("Incident notifications by transition and outcome"))
	if err != nil {
		return nil, fmt.Errorf("notifications counter: %w", err)
	}
	webhooks, err := meter.Int64Counter("logexpert.billing.webhook_events",
		metric.WithDescription("Billing webhook events by type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("webhook events counter: %w", err)
	}
	return &Metrics{Transitions: transitions, Notifications: notifications, WebhookEvents: webhooks}, nil
}

// NoopMetrics returns counters that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}
