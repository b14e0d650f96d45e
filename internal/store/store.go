// Package store persists incidents, timelines, subscriptions and webhook
// events. SQLStore is backed by GORM (SQLite or PostgreSQL); MemoryStore is
// an in-process implementation with the same conditional-update semantics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/d9705996/logexpert/internal/model"
)

// StatusUpdate describes a conditional incident status change. The update
// only applies while the stored status still equals Expected.
type StatusUpdate struct {
	ID         string
	Expected   model.IncidentStatus
	New        model.IncidentStatus
	ResolvedAt *time.Time
	// AssignIfUnset sets the assignee only when the incident has none.
	AssignIfUnset *string
	UpdatedAt     time.Time
}

// IncidentFilter narrows ListIncidents. Zero values match everything.
type IncidentFilter struct {
	Status   model.IncidentStatus
	Severity model.Severity
	Source   string
}

// Page is an offset/limit window.
type Page struct {
	Offset int
	Limit  int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	return p
}

// StatusSeverityCount is one group of the incident stats aggregation.
type StatusSeverityCount struct {
	Status   model.IncidentStatus
	Severity model.Severity
	Count    int64
}

// IncidentStore is the persistence contract of the incident lifecycle.
//
// UpdateIncidentStatus is the only way to change an incident's status. It
// applies the conditional update and, when exactly one row changed, appends
// entry in the same transaction. It returns the number of affected rows.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *model.Incident, created *model.TimelineEntry) error
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter, p Page) ([]model.Incident, int64, error)
	CountIncidents(ctx context.Context, from, to *time.Time) ([]StatusSeverityCount, error)
	UpdateIncidentStatus(ctx context.Context, u StatusUpdate, entry *model.TimelineEntry) (int64, error)
	AppendTimelineEntry(ctx context.Context, entry *model.TimelineEntry) error
	ListTimeline(ctx context.Context, incidentID string) ([]model.TimelineEntry, error)
	RecordNotification(ctx context.Context, n *model.NotificationLog) error
	// MarkNotification settles a queued row once the worker finishes with it.
	MarkNotification(ctx context.Context, id, status, errMsg string) error
}

// SubscriptionStore is the persistence contract of billing reconciliation.
//
// With onlyIfNewer set, writes are skipped when the stored LastEventAt is
// later than the incoming event time; the returned applied/affected values
// report whether anything changed.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *model.Subscription, onlyIfNewer bool) (bool, error)
	SetSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status model.SubscriptionStatus, eventAt time.Time, onlyIfNewer bool) (int64, error)
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*model.Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	UserIDForCustomer(ctx context.Context, customerID string) (*string, error)

	// RecordWebhookEvent stores ev unless an event with the same provider id
	// exists. It reports whether that earlier event was processed successfully.
	RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (processed bool, err error)
	MarkWebhookEvent(ctx context.Context, providerEventID string, processedAt *time.Time, errMsg string) error
}

var errDuplicateKey = errors.New("duplicate key")

var (
	_ IncidentStore     = (*SQLStore)(nil)
	_ SubscriptionStore = (*SQLStore)(nil)
	_ IncidentStore     = (*MemoryStore)(nil)
	_ SubscriptionStore = (*MemoryStore)(nil)
)
