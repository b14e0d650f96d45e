// Package incident implements the incident lifecycle: creation, the
// triggered -> acknowledged -> resolved state machine, comments and the
// append-only timeline.
//
// Every status change is a single conditional update in the store, applied in
// the same transaction as its timeline entry. Side effects (realtime events
// and exactly one notification) run only after that write has committed, and
// their failures never undo or fail the transition.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/notify"
	"github.com/d9705996/logexpert/internal/observability"
	"github.com/d9705996/logexpert/internal/realtime"
	"github.com/d9705996/logexpert/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStoreTimeout  = 5 * time.Second
	defaultNotifyTimeout = 10 * time.Second

	// resolveAttempts bounds re-reads when a resolve races an acknowledge.
	resolveAttempts = 3
)

// RecipientResolver decides who hears about a transition.
type RecipientResolver interface {
	Recipients(ctx context.Context, inc *model.Incident) ([]notify.Recipient, error)
}

// Publisher receives realtime events after each committed change.
type Publisher interface {
	Publish(ev realtime.Event) int
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Title       string
	Severity    model.Severity
	Source      string
	Description string
	Metadata    model.Metadata
	AssigneeID  *string
	// ActorID is recorded as the author of the created entry when set.
	ActorID string
}

// Service is the incident lifecycle manager.
type Service struct {
	store     store.IncidentStore
	notifier  notify.Notifier
	resolver  RecipientResolver
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics

	storeTimeout  time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithResolver sets the recipient resolver. Without one, only the assignee
// (when set) is notified.
func WithResolver(r RecipientResolver) Option { return func(s *Service) { s.resolver = r } }

// WithPublisher sets the realtime publisher.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithMetrics sets the counters used for transitions and notifications.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithTimeouts bounds every store call and every notifier call.
func WithTimeouts(storeTimeout, notifyTimeout time.Duration) Option {
	return func(s *Service) {
		if storeTimeout > 0 {
			s.storeTimeout = storeTimeout
		}
		if notifyTimeout > 0 {
			s.notifyTimeout = notifyTimeout
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

// New returns a Service writing to st and notifying through n.
func New(st store.IncidentStore, n notify.Notifier, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:         st,
		notifier:      n,
		log:           log,
		tracer:        otel.Tracer(observability.InstrumentationName),
		metrics:       observability.NoopMetrics(),
		storeTimeout:  defaultStoreTimeout,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) startSpan(ctx context.Context, op, incidentID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "incident."+op)
	if incidentID != "" {
		span.SetAttributes(attribute.String("incident.id", incidentID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) countTransition(ctx context.Context, action, outcome string) {
	s.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// outcomeOf classifies err for the transitions counter.
func outcomeOf(err error) string {
	var (
		cc *errs.ConcurrencyConflictError
		it *errs.InvalidTransitionError
		ve *errs.ValidationError
	)
	switch {
	case err == nil:
		return "applied"
	case errors.As(err, &cc):
		return "conflict"
	case errors.As(err, &it):
		return "rejected"
	case errors.As(err, &ve):
		return "invalid"
	}
	return "error"
}

// Create opens a new triggered incident and records its created entry.
func (s *Service) Create(ctx context.Context, in CreateInput) (inc *model.Incident, err error) {
	ctx, span := s.startSpan(ctx, "Create", "")
	defer func() { endSpan(span, err) }()
	defer func() { s.countTransition(ctx, "create", outcomeOf(err)) }()

	title := strings.TrimSpace(in.Title)
	source := strings.TrimSpace(in.Source)
	switch {
	case title == "":
		return nil, errs.Invalid("title", "is required")
	case in.Severity == "":
		return nil, errs.Invalid("severity", "is required")
	case !in.Severity.Valid():
		return nil, errs.Invalid("severity", "must be one of p1, p2, p3, p4")
	case source == "":
		return nil, errs.Invalid("source", "is required")
	}

	now := s.clock()
	meta := in.Metadata
	if meta == nil {
		meta = model.Metadata{}
	}
	inc = &model.Incident{
		ID:          uuid.New().String(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      model.StatusTriggered,
		Severity:    in.Severity,
		Source:      source,
		AssigneeID:  nonEmpty(in.AssigneeID),
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := &model.TimelineEntry{
		Type:      model.TimelineCreated,
		Message:   "Incident created",
		AuthorID:  nonEmpty(&in.ActorID),
		Timestamp: now,
		Metadata:  model.Metadata{"severity": string(inc.Severity), "source": inc.Source},
	}
	span.SetAttributes(attribute.String("incident.id", inc.ID))

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.CreateIncident(sctx, inc, entry); err != nil {
		return nil, errs.Persistence("create incident", err)
	}

	s.log.InfoContext(ctx, "incident created",
		"incident_id", inc.ID, "severity", inc.Severity, "source", inc.Source)
	s.afterCommit(ctx, inc, notify.TransitionCreated, entry)
	return inc, nil
}

// Acknowledge moves a triggered incident to acknowledged and assigns it to
// actorID when it has no assignee. Acknowledging an acknowledged incident is
// a successful no-op: no entry is written and nobody is notified.
func (s *Service) Acknowledge(ctx context.Context, incidentID, actorID string) (inc *model.Incident, err error) {
	ctx, span := s.startSpan(ctx, "Acknowledge", incidentID)
	defer func() { endSpan(span, err) }()

	outcome := ""
	defer func() {
		if outcome == "" {
			outcome = outcomeOf(err)
		}
		s.countTransition(ctx, "acknowledge", outcome)
	}()

	if strings.TrimSpace(actorID) == "" {
		return nil, errs.Invalid("acting_user_id", "is required")
	}

	current, err := s.load(ctx, incidentID, "acknowledge")
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case model.StatusAcknowledged:
		outcome = "noop"
		return current, nil
	case model.StatusResolved:
		return nil, &errs.InvalidTransitionError{IncidentID: incidentID, From: string(current.Status), Action: "acknowledge"}
	}

	now := s.clock()
	entry := &model.TimelineEntry{
		Type:      model.TimelineAcknowledged,
		Message:   "Incident acknowledged",
		AuthorID:  &actorID,
		Timestamp: now,
	}
	applied, err := s.apply(ctx, store.StatusUpdate{
		ID:            incidentID,
		Expected:      model.StatusTriggered,
		New:           model.StatusAcknowledged,
		AssignIfUnset: &actorID,
		UpdatedAt:     now,
	}, entry)
	if err != nil {
		return nil, err
	}
	if !applied {
		latest, err := s.load(ctx, incidentID, "acknowledge")
		if err != nil {
			return nil, err
		}
		if latest.Status == model.StatusAcknowledged {
			// Another acknowledge won; the outcome is the same.
			outcome = "noop"
			return latest, nil
		}
		return nil, &errs.ConcurrencyConflictError{Transition: &errs.InvalidTransitionError{
			IncidentID: incidentID, From: string(latest.Status), Action: "acknowledge",
		}}
	}

	current.Status = model.StatusAcknowledged
	current.UpdatedAt = now
	if current.AssigneeID == nil {
		current.AssigneeID = &actorID
	}
	s.log.InfoContext(ctx, "incident acknowledged", "incident_id", incidentID, "actor", actorID)
	s.afterCommit(ctx, current, notify.TransitionAcknowledged, entry)
	return current, nil
}

// Resolve closes a triggered or acknowledged incident. Resolving an
// already-resolved incident is an InvalidTransitionError.
func (s *Service) Resolve(ctx context.Context, incidentID, actorID, note string) (inc *model.Incident, err error) {
	ctx, span := s.startSpan(ctx, "Resolve", incidentID)
	defer func() { endSpan(span, err) }()
	defer func() { s.countTransition(ctx, "resolve", outcomeOf(err)) }()

	if strings.TrimSpace(actorID) == "" {
		return nil, errs.Invalid("acting_user_id", "is required")
	}

	message := strings.TrimSpace(note)
	if message == "" {
		message = "Incident resolved"
	}

	current, err := s.load(ctx, incidentID, "resolve")
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusResolved {
		return nil, &errs.InvalidTransitionError{IncidentID: incidentID, From: string(current.Status), Action: "resolve"}
	}

	for attempt := 1; ; attempt++ {
		now := s.clock()
		entry := &model.TimelineEntry{
			Type:      model.TimelineResolved,
			Message:   message,
			AuthorID:  &actorID,
			Timestamp: now,
			Metadata:  model.Metadata{"previous_status": string(current.Status)},
		}
		applied, err := s.apply(ctx, store.StatusUpdate{
			ID:         incidentID,
			Expected:   current.Status,
			New:        model.StatusResolved,
			ResolvedAt: &now,
			UpdatedAt:  now,
		}, entry)
		if err != nil {
			return nil, err
		}
		if applied {
			current.Status = model.StatusResolved
			current.ResolvedAt = &now
			current.UpdatedAt = now
			s.log.InfoContext(ctx, "incident resolved", "incident_id", incidentID, "actor", actorID)
			s.afterCommit(ctx, current, notify.TransitionResolved, entry)
			return current, nil
		}

		// Lost the conditional update. Re-read to learn who won.
		latest, err := s.load(ctx, incidentID, "resolve")
		if err != nil {
			return nil, err
		}
		if latest.Status == model.StatusResolved || attempt >= resolveAttempts {
			return nil, &errs.ConcurrencyConflictError{Transition: &errs.InvalidTransitionError{
				IncidentID: incidentID, From: string(latest.Status), Action: "resolve",
			}}
		}
		// An acknowledge committed in between; resolve is still legal.
		current = latest
	}
}

// AddComment appends a comment in any status, including resolved.
func (s *Service) AddComment(ctx context.Context, incidentID, actorID, message string) (entry *model.TimelineEntry, err error) {
	ctx, span := s.startSpan(ctx, "AddComment", incidentID)
	defer func() { endSpan(span, err) }()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errs.Invalid("message", "must not be empty")
	}
	inc, err := s.load(ctx, incidentID, "comment on")
	if err != nil {
		return nil, err
	}

	entry = &model.TimelineEntry{
		IncidentID: incidentID,
		Type:       model.TimelineComment,
		Message:    message,
		AuthorID:   nonEmpty(&actorID),
		Timestamp:  s.clock(),
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.AppendTimelineEntry(sctx, entry); err != nil {
		return nil, errs.Persistence("add comment", err)
	}
	s.publish(inc, "comment", entry)
	return entry, nil
}

// Get returns one incident or errs.ErrNotFound.
func (s *Service) Get(ctx context.Context, incidentID string) (*model.Incident, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	inc, err := s.store.GetIncident(sctx, incidentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		return nil, errs.Persistence("get incident", err)
	}
	return inc, nil
}

// Timeline returns the incident's entries, oldest first.
func (s *Service) Timeline(ctx context.Context, incidentID string) ([]model.TimelineEntry, error) {
	if _, err := s.Get(ctx, incidentID); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	entries, err := s.store.ListTimeline(sctx, incidentID)
	if err != nil {
		return nil, errs.Persistence("list timeline", err)
	}
	return entries, nil
}

// List returns a page of incidents matching f and the total match count.
func (s *Service) List(ctx context.Context, f store.IncidentFilter, p store.Page) ([]model.Incident, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, errs.Invalid("status", "must be one of triggered, acknowledged, resolved")
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, 0, errs.Invalid("severity", "must be one of p1, p2, p3, p4")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, total, err := s.store.ListIncidents(sctx, f, p.Normalize())
	if err != nil {
		return nil, 0, errs.Persistence("list incidents", err)
	}
	return out, total, nil
}

// Stats counts incidents by status and by severity.
type Stats struct {
	Total      int64                          `json:"total"`
	ByStatus   map[model.IncidentStatus]int64 `json:"by_status"`
	BySeverity map[model.Severity]int64       `json:"by_severity"`
}

// Stats aggregates incidents created in [from, to]. Nil bounds are open.
func (s *Service) Stats(ctx context.Context, from, to *time.Time) (*Stats, error) {
	if from != nil && to != nil && to.Before(*from) {
		return nil, errs.Invalid("to", "must not be before from")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rows, err := s.store.CountIncidents(sctx, from, to)
	if err != nil {
		return nil, errs.Persistence("incident stats", err)
	}
	st := &Stats{
		ByStatus:   map[model.IncidentStatus]int64{model.StatusTriggered: 0, model.StatusAcknowledged: 0, model.StatusResolved: 0},
		BySeverity: make(map[model.Severity]int64, len(model.Severities)),
	}
	for _, sev := range model.Severities {
		st.BySeverity[sev] = 0
	}
	for _, r := range rows {
		st.Total += r.Count
		st.ByStatus[r.Status] += r.Count
		st.BySeverity[r.Severity] += r.Count
	}
	return st, nil
}

// load reads the incident for a transition. A missing incident is reported
// as an InvalidTransitionError with an empty From.
func (s *Service) load(ctx context.Context, incidentID, action string) (*model.Incident, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	inc, err := s.store.GetIncident(sctx, incidentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, &errs.InvalidTransitionError{IncidentID: incidentID, Action: action}
		}
		return nil, errs.Persistence("load incident", err)
	}
	return inc, nil
}

func (s *Service) apply(ctx context.Context, u store.StatusUpdate, entry *model.TimelineEntry) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	n, err := s.store.UpdateIncidentStatus(sctx, u, entry)
	if err != nil {
		return false, errs.Persistence(fmt.Sprintf("transition %s -> %s", u.Expected, u.New), err)
	}
	return n == 1, nil
}

// afterCommit runs the side effects of a committed transition. It detaches
// from the caller's cancellation so a dropped request cannot suppress the
// notification.
func (s *Service) afterCommit(ctx context.Context, inc *model.Incident, transition string, entry *model.TimelineEntry) {
	ctx = context.WithoutCancel(ctx)
	s.publish(inc, transition, entry)
	s.notifyOnce(ctx, inc, transition)
}

func (s *Service) publish(inc *model.Incident, eventType string, entry *model.TimelineEntry) {
	if s.publisher == nil {
		return
	}
	data := map[string]any{"incident": inc, "entry": entry}
	s.publisher.Publish(realtime.Event{Topic: realtime.TopicIncidents, Type: eventType, Data: data})
	s.publisher.Publish(realtime.Event{Topic: realtime.IncidentTopic(inc.ID), Type: eventType, Data: data})
}

func (s *Service) recipients(ctx context.Context, inc *model.Incident) []notify.Recipient {
	if s.resolver == nil {
		if inc.AssigneeID != nil {
			return []notify.Recipient{{UserID: *inc.AssigneeID}}
		}
		return nil
	}
	rctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rcpts, err := s.resolver.Recipients(rctx, inc)
	if err != nil {
		// Still notify the channel sinks; they do not need recipients.
		s.log.WarnContext(ctx, "resolve notification recipients", "incident_id", inc.ID, "err", err)
		if inc.AssigneeID != nil {
			return []notify.Recipient{{UserID: *inc.AssigneeID}}
		}
		return nil
	}
	return rcpts
}

func (s *Service) notifyOnce(ctx context.Context, inc *model.Incident, transition string) {
	ctx, span := s.tracer.Start(ctx, "incident.notify", trace.WithAttributes(
		attribute.String("incident.id", inc.ID),
		attribute.String("transition", transition),
	))
	defer span.End()

	rcpts := s.recipients(ctx, inc)
	record := &model.NotificationLog{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		Transition: transition,
		Recipients: recipientIDs(rcpts),
		CreatedAt:  s.clock(),
	}

	if q, ok := s.notifier.(notify.Enqueuer); ok {
		s.enqueue(ctx, span, q, record, inc, rcpts)
		return
	}

	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	err := s.notifier.Notify(nctx, inc, transition, rcpts)
	cancel()

	record.Status = model.NotificationSent
	if err != nil {
		record.Status = model.NotificationFailed
		record.Error = err.Error()
		s.notifyFailed(ctx, span, inc, transition, err)
	}
	s.countNotification(ctx, transition, record.Status)
	s.record(ctx, record)
}

// enqueue writes the queued row before the job exists so the worker always
// has a row to settle.
func (s *Service) enqueue(ctx context.Context, span trace.Span, q notify.Enqueuer, record *model.NotificationLog, inc *model.Incident, rcpts []notify.Recipient) {
	record.Status = model.NotificationQueued
	s.record(ctx, record)

	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	err := q.Enqueue(nctx, record.ID, inc, record.Transition, rcpts)
	cancel()
	if err == nil {
		return
	}

	s.notifyFailed(ctx, span, inc, record.Transition, err)
	s.countNotification(ctx, record.Transition, model.NotificationFailed)
	sctx, cancelStore := s.storeCtx(ctx)
	defer cancelStore()
	if err := s.store.MarkNotification(sctx, record.ID, model.NotificationFailed, err.Error()); err != nil {
		s.log.WarnContext(ctx, "mark notification failed", "incident_id", inc.ID, "err", err)
	}
}

func (s *Service) notifyFailed(ctx context.Context, span trace.Span, inc *model.Incident, transition string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.log.ErrorContext(ctx, "incident notification failed",
		"incident_id", inc.ID, "transition", transition, "err", err)
}

func (s *Service) countNotification(ctx context.Context, transition, outcome string) {
	s.metrics.Notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("outcome", outcome),
	))
}

func (s *Service) record(ctx context.Context, record *model.NotificationLog) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.RecordNotification(sctx, record); err != nil {
		s.log.WarnContext(ctx, "record notification outcome", "incident_id", record.IncidentID, "err", err)
	}
}

func recipientIDs(rcpts []notify.Recipient) model.StringSlice {
	ids := make(model.StringSlice, 0, len(rcpts))
	for _, r := range rcpts {
		ids = append(ids, r.UserID)
	}
	return ids
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
