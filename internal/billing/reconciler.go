// Package billing reconciles payment provider webhooks into local
// subscription rows.
//
// Verify checks the provider signature and decodes the payload into a closed
// set of event variants; Dispatch applies one event with a type switch. By
// default writes are last-write-wins. With the stale-event guard enabled an
// event older than the stored row's last event is skipped.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/observability"
	"github.com/d9705996/logexpert/internal/store"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome describes what Dispatch did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "skipped_stale"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Result is the per-event report of DispatchBatch and HandleWebhook.
type Result struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

const defaultStoreTimeout = 5 * time.Second

// Reconciler applies provider events to the subscription store.
type Reconciler struct {
	store   store.SubscriptionStore
	catalog *Catalog
	secret  string
	guard   bool
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics sets the webhook event counter.
func WithMetrics(m *observability.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// NewReconciler returns a Reconciler using cfg's signing secret and ordering
// guard.
func NewReconciler(st store.SubscriptionStore, catalog *Catalog, cfg config.BillingConfig, log *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   st,
		catalog: catalog,
		secret:  cfg.WebhookSecret,
		guard:   cfg.StaleEventGuard,
		log:     log,
		tracer:  otel.Tracer(observability.InstrumentationName),
		metrics: observability.NoopMetrics(),
		timeout: defaultStoreTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Verify checks signatureHeader against payload and decodes the event. A
// failed check returns *errs.SignatureInvalidError and has no side effects.
func (r *Reconciler) Verify(payload []byte, signatureHeader string) (Event, error) {
	if r.secret == "" {
		return nil, &errs.SignatureInvalidError{Err: errors.New("webhook secret not configured")}
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, r.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &errs.SignatureInvalidError{Err: err}
	}
	return Decode(ev)
}

// HandleWebhook verifies payload, records it in the webhook log and
// dispatches it. An event id that was already processed successfully is
// reported as a duplicate and not applied again.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	ev, err := r.Verify(payload, signatureHeader)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}, err
	}
	info := ev.Info()
	res := Result{EventID: info.ID, Type: info.Type}

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	processed, err := r.store.RecordWebhookEvent(sctx, &model.WebhookEvent{
		ProviderEventID: info.ID,
		Type:            info.Type,
		Payload:         string(payload),
		ProviderCreated: info.Created,
	})
	cancel()
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, errs.Persistence("record webhook event", err)
		return res, res.Err
	}
	if processed {
		res.Outcome = OutcomeDuplicate
		r.count(ctx, info.Type, res.Outcome)
		r.log.InfoContext(ctx, "billing webhook replay skipped", "event_id", info.ID, "type", info.Type)
		return res, nil
	}

	res.Outcome, res.Err = r.Dispatch(ctx, ev)

	var processedAt *time.Time
	errMsg := ""
	if res.Err == nil {
		t := r.now().UTC()
		processedAt = &t
	} else {
		errMsg = res.Err.Error()
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.MarkWebhookEvent(mctx, info.ID, processedAt, errMsg); err != nil {
		r.log.WarnContext(ctx, "mark billing webhook event", "event_id", info.ID, "err", err)
	}
	return res, res.Err
}

// DispatchBatch applies events in order. A failing event does not stop the
// rest; each gets its own Result.
func (r *Reconciler) DispatchBatch(ctx context.Context, events []Event) []Result {
	out := make([]Result, 0, len(events))
	for _, ev := range events {
		info := ev.Info()
		outcome, err := r.Dispatch(ctx, ev)
		out = append(out, Result{EventID: info.ID, Type: info.Type, Outcome: outcome, Err: err})
	}
	return out
}

// Dispatch applies one event. Panics in a handler are recovered and
// reported as *errs.PersistenceError.
func (r *Reconciler) Dispatch(ctx context.Context, ev Event) (outcome Outcome, err error) {
	info := ev.Info()
	ctx, span := r.tracer.Start(ctx, "billing.Dispatch", trace.WithAttributes(
		attribute.String("billing.event_id", info.ID),
		attribute.String("billing.event_type", info.Type),
	))
	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomeFailed
			err = errs.Persistence("dispatch "+info.Type, fmt.Errorf("handler panic: %v", p))
		}
		if err != nil {
			outcome = OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.log.ErrorContext(ctx, "billing webhook event failed", "event_id", info.ID, "type", info.Type, "err", err)
		}
		span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
		span.End()
		r.count(ctx, info.Type, outcome)
	}()

	switch e := ev.(type) {
	case SubscriptionChanged:
		return r.subscriptionChanged(ctx, e)
	case SubscriptionDeleted:
		return r.setStatus(ctx, e.SubscriptionID, model.SubscriptionCancelled, info)
	case PaymentSucceeded:
		return r.setStatus(ctx, e.SubscriptionID, model.SubscriptionActive, info)
	case PaymentFailed:
		return r.setStatus(ctx, e.SubscriptionID, model.SubscriptionPastDue, info)
	case Unhandled:
		r.log.InfoContext(ctx, "unhandled billing event type", "event_id", info.ID, "type", info.Type)
		return OutcomeIgnored, nil
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, e SubscriptionChanged) (Outcome, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	userID, err := r.store.UserIDForCustomer(sctx, e.CustomerID)
	if err != nil {
		return OutcomeFailed, errs.Persistence("lookup subscription owner", err)
	}
	created := e.Created
	sub := &model.Subscription{
		UserID:                 userID,
		CustomerID:             e.CustomerID,
		ProviderSubscriptionID: e.SubscriptionID,
		Status:                 e.Status,
		Plan:                   r.catalog.PlanIDForPrice(e.PriceID),
		CurrentPeriodStart:     e.CurrentPeriodStart,
		CurrentPeriodEnd:       e.CurrentPeriodEnd,
		LastEventAt:            &created,
	}
	applied, err := r.store.UpsertSubscription(sctx, sub, r.guard)
	if err != nil {
		return OutcomeFailed, errs.Persistence("upsert subscription", err)
	}
	if !applied {
		r.log.InfoContext(ctx, "stale subscription event skipped", "event_id", e.ID, "subscription_id", e.SubscriptionID)
		return OutcomeStale, nil
	}
	r.log.InfoContext(ctx, "subscription reconciled",
		"event_id", e.ID, "subscription_id", e.SubscriptionID, "status", sub.Status, "plan", sub.Plan)
	return OutcomeApplied, nil
}

func (r *Reconciler) setStatus(ctx context.Context, subscriptionID string, status model.SubscriptionStatus, info EventInfo) (Outcome, error) {
	if subscriptionID == "" {
		r.log.InfoContext(ctx, "billing event without subscription ignored", "event_id", info.ID, "type", info.Type)
		return OutcomeIgnored, nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.store.SetSubscriptionStatus(sctx, subscriptionID, status, info.Created, r.guard)
	if err != nil {
		return OutcomeFailed, errs.Persistence("set subscription status", err)
	}
	if n > 0 {
		r.log.InfoContext(ctx, "subscription status updated",
			"event_id", info.ID, "subscription_id", subscriptionID, "status", status)
		return OutcomeApplied, nil
	}
	if !r.guard {
		return OutcomeNoop, nil
	}
	// With the guard on, zero rows means either no row or a newer row.
	if _, err := r.store.GetSubscription(sctx, subscriptionID); err == nil {
		return OutcomeStale, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return OutcomeFailed, errs.Persistence("get subscription", err)
	}
	return OutcomeNoop, nil
}

func (r *Reconciler) count(ctx context.Context, eventType string, outcome Outcome) {
	r.metrics.WebhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", string(outcome)),
	))
}

// Subscriptions returns the subscriptions owned by userID with their plan.
func (r *Reconciler) Subscriptions(ctx context.Context, userID string) ([]SubscriptionView, error) {
	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	subs, err := r.store.ListSubscriptionsByUser(sctx, userID)
	if err != nil {
		return nil, errs.Persistence("list subscriptions", err)
	}
	out := make([]SubscriptionView, 0, len(subs))
	for _, s := range subs {
		p, ok := r.catalog.Plan(s.Plan)
		if !ok {
			p, _ = r.catalog.Plan(PlanFree)
		}
		out = append(out, SubscriptionView{Subscription: s, PlanDetails: p})
	}
	return out, nil
}

// SubscriptionView pairs a stored subscription with its plan limits.
type SubscriptionView struct {
	model.Subscription
	PlanDetails Plan `json:"plan_details"`
}
