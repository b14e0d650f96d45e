package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/google/uuid"
)

// MemoryStore is an in-process IncidentStore and SubscriptionStore. A single
// mutex serialises writers, which gives the conditional update the same
// compare-and-set behaviour as the SQL implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	incidents     map[string]*model.Incident
	timeline      map[string][]model.TimelineEntry
	notifications []model.NotificationLog
	subs          map[string]*model.Subscription // keyed by provider subscription id
	customers     map[string]string              // customer id -> user id
	events        map[string]*model.WebhookEvent
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]*model.Incident),
		timeline:  make(map[string][]model.TimelineEntry),
		subs:      make(map[string]*model.Subscription),
		customers: make(map[string]string),
		events:    make(map[string]*model.WebhookEvent),
	}
}

func cloneIncident(in *model.Incident) *model.Incident {
	out := *in
	out.Metadata = maps.Clone(in.Metadata)
	if in.AssigneeID != nil {
		v := *in.AssigneeID
		out.AssigneeID = &v
	}
	if in.ResolvedAt != nil {
		v := *in.ResolvedAt
		out.ResolvedAt = &v
	}
	return &out
}

// appendEntryLocked assigns identity and sequence to e and stores it.
func (s *MemoryStore) appendEntryLocked(e *model.TimelineEntry) {
	s.seq++
	e.Seq = s.seq
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	s.timeline[e.IncidentID] = append(s.timeline[e.IncidentID], c)
}

func (s *MemoryStore) CreateIncident(_ context.Context, inc *model.Incident, created *model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	if _, ok := s.incidents[inc.ID]; ok {
		return errs.Persistence("create incident", errDuplicateKey)
	}
	s.incidents[inc.ID] = cloneIncident(inc)
	created.IncidentID = inc.ID
	s.appendEntryLocked(created)
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneIncident(inc), nil
}

func (s *MemoryStore) ListIncidents(_ context.Context, f IncidentFilter, p Page) ([]model.Incident, int64, error) {
	p = p.Normalize()
	s.mu.RLock()
	var matched []model.Incident
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Source != "" && inc.Source != f.Source {
			continue
		}
		matched = append(matched, *cloneIncident(inc))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := int64(len(matched))
	if p.Offset >= len(matched) {
		return []model.Incident{}, total, nil
	}
	end := min(p.Offset+p.Limit, len(matched))
	return matched[p.Offset:end], total, nil
}

func (s *MemoryStore) CountIncidents(_ context.Context, from, to *time.Time) ([]StatusSeverityCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type key struct {
		st  model.IncidentStatus
		sev model.Severity
	}
	counts := make(map[key]int64)
	for _, inc := range s.incidents {
		if from != nil && inc.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && inc.CreatedAt.After(*to) {
			continue
		}
		counts[key{inc.Status, inc.Severity}]++
	}
	out := make([]StatusSeverityCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, StatusSeverityCount{Status: k.st, Severity: k.sev, Count: n})
	}
	return out, nil
}

func (s *MemoryStore) UpdateIncidentStatus(_ context.Context, u StatusUpdate, entry *model.TimelineEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[u.ID]
	if !ok || inc.Status != u.Expected {
		return 0, nil
	}
	inc.Status = u.New
	inc.UpdatedAt = u.UpdatedAt
	inc.ResolvedAt = nil
	if u.ResolvedAt != nil {
		v := *u.ResolvedAt
		inc.ResolvedAt = &v
	}
	if u.AssignIfUnset != nil && inc.AssigneeID == nil {
		v := *u.AssignIfUnset
		inc.AssigneeID = &v
	}
	if entry != nil {
		entry.IncidentID = u.ID
		s.appendEntryLocked(entry)
	}
	return 1, nil
}

func (s *MemoryStore) AppendTimelineEntry(_ context.Context, entry *model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEntryLocked(entry)
	return nil
}

func (s *MemoryStore) ListTimeline(_ context.Context, incidentID string) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	out := slices.Clone(s.timeline[incidentID])
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	if out == nil {
		out = []model.TimelineEntry{}
	}
	return out, nil
}

func (s *MemoryStore) RecordNotification(_ context.Context, n *model.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *MemoryStore) MarkNotification(_ context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Status = status
			s.notifications[i].Error = errMsg
			s.notifications[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errs.ErrNotFound
}

// Notifications returns every recorded notification outcome in insertion order.
func (s *MemoryStore) Notifications() []model.NotificationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.notifications)
}

// LinkCustomer associates a provider customer id with a local user.
func (s *MemoryStore) LinkCustomer(customerID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customerID] = userID
}

func newerOrEqual(stored *time.Time, incoming time.Time) bool {
	return stored == nil || !stored.After(incoming)
}

func latest(stored, incoming *time.Time) *time.Time {
	if incoming == nil || (stored != nil && stored.After(*incoming)) {
		return stored
	}
	t := incoming.UTC()
	return &t
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, sub *model.Subscription, onlyIfNewer bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.subs[sub.ProviderSubscriptionID]
	if ok && existing.CustomerID == sub.CustomerID {
		if onlyIfNewer && sub.LastEventAt != nil && !newerOrEqual(existing.LastEventAt, *sub.LastEventAt) {
			return false, nil
		}
		id, created := existing.ID, existing.CreatedAt
		c := *sub
		c.ID, c.CreatedAt, c.UpdatedAt = id, created, now
		c.LastEventAt = latest(existing.LastEventAt, sub.LastEventAt)
		s.subs[sub.ProviderSubscriptionID] = &c
		return true, nil
	}
	c := *sub
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.subs[sub.ProviderSubscriptionID] = &c
	return true, nil
}

func (s *MemoryStore) SetSubscriptionStatus(_ context.Context, providerSubscriptionID string, status model.SubscriptionStatus, eventAt time.Time, onlyIfNewer bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return 0, nil
	}
	if onlyIfNewer && !newerOrEqual(sub.LastEventAt, eventAt) {
		return 0, nil
	}
	sub.Status = status
	sub.LastEventAt = latest(sub.LastEventAt, &eventAt)
	sub.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, providerSubscriptionID string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *sub
	return &c, nil
}

func (s *MemoryStore) ListSubscriptionsByUser(_ context.Context, userID string) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Subscription{}
	for _, sub := range s.subs {
		if sub.UserID != nil && *sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UserIDForCustomer(_ context.Context, customerID string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.customers[customerID]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (s *MemoryStore) RecordWebhookEvent(_ context.Context, ev *model.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[ev.ProviderEventID]; ok {
		return existing.ProcessedAt != nil, nil
	}
	c := *ev
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	s.events[ev.ProviderEventID] = &c
	return false, nil
}

func (s *MemoryStore) MarkWebhookEvent(_ context.Context, providerEventID string, processedAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[providerEventID]
	if !ok {
		return errs.ErrNotFound
	}
	ev.ProcessedAt = processedAt
	ev.Error = errMsg
	return nil
}
