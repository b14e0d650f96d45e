package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore implements IncidentStore and SubscriptionStore on top of GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore returns a store backed by db. Migrations must already be applied.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ---- Incidents ------------------------------------------------------------

// CreateIncident inserts inc and its created entry in one transaction.
func (s *SQLStore) CreateIncident(ctx context.Context, inc *model.Incident, created *model.TimelineEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inc).Error; err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		created.IncidentID = inc.ID
		if err := tx.Create(created).Error; err != nil {
			return fmt.Errorf("insert created entry: %w", err)
		}
		return nil
	})
	return errs.Persistence("create incident", err)
}

// GetIncident returns errs.ErrNotFound when id does not exist.
func (s *SQLStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	var inc model.Incident
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Persistence("get incident", err)
	}
	return &inc, nil
}

// ListIncidents returns one page of incidents, newest first, and the total
// number of rows matching f.
func (s *SQLStore) ListIncidents(ctx context.Context, f IncidentFilter, p Page) ([]model.Incident, int64, error) {
	p = p.Normalize()
	filtered := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&model.Incident{})
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.Severity != "" {
			q = q.Where("severity = ?", f.Severity)
		}
		if f.Source != "" {
			q = q.Where("source = ?", f.Source)
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, errs.Persistence("count incidents", err)
	}
	out := []model.Incident{}
	if err := filtered().Order("created_at DESC").Order("id").Offset(p.Offset).Limit(p.Limit).Find(&out).Error; err != nil {
		return nil, 0, errs.Persistence("list incidents", err)
	}
	return out, total, nil
}

// CountIncidents groups incidents created in [from, to] by status and severity.
func (s *SQLStore) CountIncidents(ctx context.Context, from, to *time.Time) ([]StatusSeverityCount, error) {
	q := s.db.WithContext(ctx).Model(&model.Incident{})
	if from != nil {
		q = q.Where("created_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("created_at <= ?", *to)
	}
	var rows []StatusSeverityCount
	if err := q.Select("status, severity, COUNT(*) AS count").Group("status, severity").Scan(&rows).Error; err != nil {
		return nil, errs.Persistence("count incidents", err)
	}
	return rows, nil
}

// UpdateIncidentStatus runs the conditional status update and appends entry
// when it applied.
func (s *SQLStore) UpdateIncidentStatus(ctx context.Context, u StatusUpdate, entry *model.TimelineEntry) (int64, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":      u.New,
			"updated_at":  u.UpdatedAt,
			"resolved_at": u.ResolvedAt,
		}
		if u.AssignIfUnset != nil {
			updates["assignee_id"] = gorm.Expr("COALESCE(assignee_id, ?)", *u.AssignIfUnset)
		}
		res := tx.Model(&model.Incident{}).
			Where("id = ? AND status = ?", u.ID, u.Expected).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("conditional status update: %w", res.Error)
		}
		affected = res.RowsAffected
		if affected != 1 || entry == nil {
			return nil
		}
		entry.IncidentID = u.ID
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert timeline entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Persistence("update incident status", err)
	}
	return affected, nil
}

// AppendTimelineEntry inserts entry. Entries are never updated afterwards.
func (s *SQLStore) AppendTimelineEntry(ctx context.Context, entry *model.TimelineEntry) error {
	return errs.Persistence("append timeline entry", s.db.WithContext(ctx).Create(entry).Error)
}

// ListTimeline returns entries ordered by timestamp, then insertion sequence.
func (s *SQLStore) ListTimeline(ctx context.Context, incidentID string) ([]model.TimelineEntry, error) {
	out := []model.TimelineEntry{}
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("timestamp ASC").
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, errs.Persistence("list timeline", err)
	}
	return out, nil
}

// RecordNotification stores the outcome of a notification fan-out.
func (s *SQLStore) RecordNotification(ctx context.Context, n *model.NotificationLog) error {
	return errs.Persistence("record notification", s.db.WithContext(ctx).Create(n).Error)
}

// MarkNotification settles a queued notification log row. It returns
// errs.ErrNotFound when id does not exist.
func (s *SQLStore) MarkNotification(ctx context.Context, id, status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&model.NotificationLog{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "error": errMsg, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errs.Persistence("mark notification", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ---- Subscriptions --------------------------------------------------------

// UpsertSubscription writes the full row keyed by (customer id, provider
// subscription id). On conflict every reconciled column is overwritten except
// last_event_at, which keeps the later of the stored and incoming times.
func (s *SQLStore) UpsertSubscription(ctx context.Context, sub *model.Subscription, onlyIfNewer bool) (bool, error) {
	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "provider_subscription_id"}},
		DoUpdates: append(clause.AssignmentColumns([]string{
			"user_id", "status", "plan",
			"current_period_start", "current_period_end", "updated_at",
		}), clause.Assignment{
			// last_event_at never moves backwards, so enabling the guard later
			// compares against the newest event seen.
			Column: clause.Column{Name: "last_event_at"},
			Value: gorm.Expr("CASE WHEN subscriptions.last_event_at IS NULL OR subscriptions.last_event_at < excluded.last_event_at " +
				"THEN excluded.last_event_at ELSE subscriptions.last_event_at END"),
		}),
	}
	if onlyIfNewer {
		conflict.Where = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "subscriptions.last_event_at IS NULL OR subscriptions.last_event_at <= excluded.last_event_at"},
		}}
	}

	res := s.db.WithContext(ctx).Clauses(conflict).Create(sub)
	if res.Error != nil {
		return false, errs.Persistence("upsert subscription", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetSubscriptionStatus updates the status of an existing row. It returns 0
// when no row matches. last_event_at only moves forward.
func (s *SQLStore) SetSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status model.SubscriptionStatus, eventAt time.Time, onlyIfNewer bool) (int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("provider_subscription_id = ?", providerSubscriptionID)
	if onlyIfNewer {
		q = q.Where("last_event_at IS NULL OR last_event_at <= ?", eventAt)
	}
	eventAt = eventAt.UTC()
	res := q.Updates(map[string]any{
		"status":        status,
		"last_event_at": gorm.Expr("CASE WHEN last_event_at IS NULL OR last_event_at < ? THEN ? ELSE last_event_at END", eventAt, eventAt),
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return 0, errs.Persistence("set subscription status", res.Error)
	}
	return res.RowsAffected, nil
}

// GetSubscription returns errs.ErrNotFound when no row matches.
func (s *SQLStore) GetSubscription(ctx context.Context, providerSubscriptionID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Persistence("get subscription", err)
	}
	return &sub, nil
}

// ListSubscriptionsByUser returns every subscription linked to userID.
func (s *SQLStore) ListSubscriptionsByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	var out []model.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&out).Error; err != nil {
		return nil, errs.Persistence("list subscriptions", err)
	}
	return out, nil
}

// UserIDForCustomer resolves the local user owning a provider customer id.
// It returns nil without error when the customer is unknown.
func (s *SQLStore) UserIDForCustomer(ctx context.Context, customerID string) (*string, error) {
	var u model.User
	err := s.db.WithContext(ctx).Select("id").Where("billing_customer_id = ?", customerID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Persistence("lookup customer", err)
	}
	return &u.ID, nil
}

// RecordWebhookEvent inserts ev unless its provider id is already stored.
func (s *SQLStore) RecordWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	var existing model.WebhookEvent
	err := s.db.WithContext(ctx).Where("provider_event_id = ?", ev.ProviderEventID).First(&existing).Error
	switch {
	case err == nil:
		return existing.ProcessedAt != nil, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, errs.Persistence("get webhook event", err)
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider_event_id"}}, DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return false, errs.Persistence("insert webhook event", res.Error)
	}
	return false, nil
}

// MarkWebhookEvent records the handler outcome for a stored event.
func (s *SQLStore) MarkWebhookEvent(ctx context.Context, providerEventID string, processedAt *time.Time, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("provider_event_id = ?", providerEventID).
		Updates(map[string]any{
			"processed_at": processedAt,
			"error":        errMsg,
			"updated_at":   time.Now().UTC(),
		}).Error
	return errs.Persistence("mark webhook event", err)
}
