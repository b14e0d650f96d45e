package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/d9705996/logexpert/internal/billing"
	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/db"
	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
)

const secret = "whsec_test_secret"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(guard bool) config.BillingConfig {
	return config.BillingConfig{
		WebhookSecret:   secret,
		PriceStarter:    "price_starter_monthly",
		PricePro:        "price_pro_monthly",
		PriceEnterprise: "price_enterprise_monthly",
		StaleEventGuard: guard,
	}
}

func newReconciler(t *testing.T, st store.SubscriptionStore, guard bool) *billing.Reconciler {
	t.Helper()
	cfg := testConfig(guard)
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return billing.NewReconciler(st, billing.NewCatalog(cfg), cfg, log,
		billing.WithClock(func() time.Time { return base }))
}

func eventJSON(t *testing.T, id, typ string, created time.Time, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func subscriptionObject(id, customer, status, price string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"current_period_start": base.Unix(),
		"current_period_end":   base.AddDate(0, 1, 0).Unix(),
		"items": map[string]any{
			"data": []any{map[string]any{"price": map[string]any{"id": price}}},
		},
	}
}

func TestVerify_RejectsBadSignature(t *testing.T) {
	st := store.NewMemoryStore()
	r := newReconciler(t, st, false)
	payload := eventJSON(t, "evt_1", billing.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"))

	_, err := r.Verify(payload, "t=123,v1=deadbeef")
	var se *errs.SignatureInvalidError
	require.ErrorAs(t, err, &se)

	// Tampered body with a header signed for the untouched payload.
	header := sign(payload)
	tampered := bytes.Replace(payload, []byte("price_pro_monthly"), []byte("price_enterprise_monthly"), 1)
	_, err = r.Verify(tampered, header)
	require.ErrorAs(t, err, &se)

	res, err := r.HandleWebhook(context.Background(), tampered, header)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, billing.OutcomeFailed, res.Outcome)
	_, err = st.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, errs.ErrNotFound, "no side effects on a bad signature")
}

func TestVerify_NoSecretConfigured(t *testing.T) {
	cfg := testConfig(false)
	cfg.WebhookSecret = ""
	r := billing.NewReconciler(store.NewMemoryStore(), billing.NewCatalog(cfg), cfg, slog.Default())

	payload := eventJSON(t, "evt_1", "ping", base, map[string]any{})
	_, err := r.Verify(payload, sign(payload))
	var se *errs.SignatureInvalidError
	assert.ErrorAs(t, err, &se)
}

func TestVerify_DecodesVariants(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	cases := []struct {
		typ  string
		obj  map[string]any
		want any
	}{
		{billing.TypeSubscriptionCreated, subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"), billing.SubscriptionChanged{}},
		{"subscription.updated", subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"), billing.SubscriptionChanged{}},
		{billing.TypeSubscriptionDeleted, subscriptionObject("sub_1", "cus_1", "canceled", ""), billing.SubscriptionDeleted{}},
		{billing.TypeInvoicePaymentSucceeded, map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_1"}, billing.PaymentSucceeded{}},
		{billing.TypeInvoicePaymentFailed, map[string]any{"id": "in_2", "customer": "cus_1", "subscription": "sub_1"}, billing.PaymentFailed{}},
		{"charge.refunded", map[string]any{"id": "ch_1"}, billing.Unhandled{}},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			payload := eventJSON(t, "evt_"+tc.typ, tc.typ, base, tc.obj)
			ev, err := r.Verify(payload, sign(payload))
			require.NoError(t, err)
			assert.IsType(t, tc.want, ev)
			assert.Equal(t, tc.typ, ev.Info().Type)
			assert.True(t, ev.Info().Created.Equal(base))
		})
	}
}

func TestVerify_InvoiceSubscriptionFromParent(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	payload := eventJSON(t, "evt_1", billing.TypeInvoicePaymentFailed, base, map[string]any{
		"id": "in_1", "customer": "cus_1",
		"parent": map[string]any{"subscription_details": map[string]any{"subscription": "sub_9"}},
	})
	ev, err := r.Verify(payload, sign(payload))
	require.NoError(t, err)
	pf, ok := ev.(billing.PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "sub_9", pf.SubscriptionID)
}

func TestVerify_SubscriptionPeriodFromItems(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	obj := map[string]any{
		"id": "sub_1", "customer": "cus_1", "status": "trialing",
		"items": map[string]any{"data": []any{map[string]any{
			"price":                map[string]any{"id": "price_starter_monthly"},
			"current_period_start": base.Unix(),
			"current_period_end":   base.Add(24 * time.Hour).Unix(),
		}}},
	}
	payload := eventJSON(t, "evt_1", billing.TypeSubscriptionUpdated, base, obj)
	ev, err := r.Verify(payload, sign(payload))
	require.NoError(t, err)
	sc := ev.(billing.SubscriptionChanged)
	require.NotNil(t, sc.CurrentPeriodEnd)
	assert.True(t, sc.CurrentPeriodEnd.Equal(base.Add(24*time.Hour)))
	assert.Equal(t, model.SubscriptionTrialing, sc.Status)
}

func TestVerify_MissingSubscriptionID(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	payload := eventJSON(t, "evt_1", billing.TypeSubscriptionCreated, base, map[string]any{"customer": "cus_1"})
	_, err := r.Verify(payload, sign(payload))
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data.object.id", ve.Field)
}

func TestHandleWebhook_SubscriptionLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	st.LinkCustomer("cus_1", "user-1")
	r := newReconciler(t, st, false)
	ctx := context.Background()

	deliver := func(id, typ string, at time.Time, obj map[string]any) billing.Result {
		t.Helper()
		payload := eventJSON(t, id, typ, at, obj)
		res, err := r.HandleWebhook(ctx, payload, sign(payload))
		require.NoError(t, err)
		return res
	}

	res := deliver("evt_1", billing.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"))
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)

	sub, err := st.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.Plan)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.UserID)
	assert.Equal(t, "user-1", *sub.UserID)
	require.NotNil(t, sub.CurrentPeriodEnd)

	deliver("evt_2", billing.TypeInvoicePaymentFailed, base.Add(time.Minute), map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_1"})
	sub, _ = st.GetSubscription(ctx, "sub_1")
	assert.Equal(t, model.SubscriptionPastDue, sub.Status)

	deliver("evt_3", billing.TypeInvoicePaymentSucceeded, base.Add(2*time.Minute), map[string]any{"id": "in_2", "customer": "cus_1", "subscription": "sub_1"})
	sub, _ = st.GetSubscription(ctx, "sub_1")
	assert.Equal(t, model.SubscriptionActive, sub.Status)

	deliver("evt_4", billing.TypeSubscriptionUpdated, base.Add(3*time.Minute), subscriptionObject("sub_1", "cus_1", "active", "price_unknown"))
	sub, _ = st.GetSubscription(ctx, "sub_1")
	assert.Equal(t, billing.PlanFree, sub.Plan, "unknown price maps to free")

	res = deliver("evt_5", billing.TypeSubscriptionDeleted, base.Add(4*time.Minute), subscriptionObject("sub_1", "cus_1", "canceled", ""))
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	sub, _ = st.GetSubscription(ctx, "sub_1")
	assert.Equal(t, model.SubscriptionCancelled, sub.Status)

	views, err := r.Subscriptions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Free", views[0].PlanDetails.Name)
}

func TestHandleWebhook_ExactReplaySkipped(t *testing.T) {
	st := store.NewMemoryStore()
	r := newReconciler(t, st, false)
	ctx := context.Background()

	payload := eventJSON(t, "evt_1", billing.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"))
	res, err := r.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)

	res, err = r.HandleWebhook(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)
}

func newSQLStore(t *testing.T) (*store.SQLStore, *gorm.DB) {
	t.Helper()
	gormDB, _, err := db.New(context.Background(), &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "billing.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewSQLStore(gormDB), gormDB
}

func deliverTo(t *testing.T, r *billing.Reconciler, id, typ string, at time.Time, obj map[string]any) billing.Result {
	t.Helper()
	payload := eventJSON(t, id, typ, at, obj)
	res, err := r.HandleWebhook(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	return res
}

func TestSQLStore_TrialPaymentActivates(t *testing.T) {
	for _, guard := range []bool{false, true} {
		t.Run(fmt.Sprintf("guard=%t", guard), func(t *testing.T) {
			st, _ := newSQLStore(t)
			r := newReconciler(t, st, guard)
			ctx := context.Background()

			deliverTo(t, r, "evt_1", billing.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "cus_1", "trialing", "price_starter_monthly"))
			sub, err := st.GetSubscription(ctx, "sub_1")
			require.NoError(t, err)
			assert.Equal(t, model.SubscriptionTrialing, sub.Status)

			res := deliverTo(t, r, "evt_2", billing.TypeInvoicePaymentSucceeded, base.Add(time.Minute),
				map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_1"})
			assert.Equal(t, billing.OutcomeApplied, res.Outcome)

			sub, err = st.GetSubscription(ctx, "sub_1")
			require.NoError(t, err)
			assert.Equal(t, model.SubscriptionActive, sub.Status)
			assert.Equal(t, "starter", sub.Plan)
			require.NotNil(t, sub.LastEventAt)
			assert.True(t, sub.LastEventAt.Equal(base.Add(time.Minute)), "got %v", sub.LastEventAt)
		})
	}
}

func TestSQLStore_DeletedReplayLeavesOneCancelledRow(t *testing.T) {
	st, gormDB := newSQLStore(t)
	r := newReconciler(t, st, false)
	ctx := context.Background()

	deliverTo(t, r, "evt_1", billing.TypeSubscriptionCreated, base, subscriptionObject("sub_1", "cus_1", "active", "price_pro_monthly"))

	deleted := subscriptionObject("sub_1", "cus_1", "canceled", "")
	res := deliverTo(t, r, "evt_2", billing.TypeSubscriptionDeleted, base.Add(time.Minute), deleted)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	res = deliverTo(t, r, "evt_2", billing.TypeSubscriptionDeleted, base.Add(time.Minute), deleted)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)

	sub, err := st.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionCancelled, sub.Status)

	var rows int64
	require.NoError(t, gormDB.Model(&model.Subscription{}).Where("provider_subscription_id = ?", "sub_1").Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	var events int64
	require.NoError(t, gormDB.Model(&model.WebhookEvent{}).Where("provider_event_id = ?", "evt_2").Count(&events).Error)
	assert.EqualValues(t, 1, events)
}

func TestHandleWebhook_DeleteUnknownIsNoop(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	payload := eventJSON(t, "evt_1", billing.TypeSubscriptionDeleted, base, subscriptionObject("sub_x", "cus_1", "canceled", ""))
	res, err := r.HandleWebhook(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeNoop, res.Outcome)
}

func TestDispatch_LastWriteWinsByDefault(t *testing.T) {
	st := store.NewMemoryStore()
	r := newReconciler(t, st, false)
	ctx := context.Background()

	newer := billing.SubscriptionChanged{
		EventInfo:  billing.EventInfo{ID: "evt_new", Type: billing.TypeSubscriptionUpdated, Created: base.Add(time.Hour)},
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: model.SubscriptionActive, PriceID: "price_enterprise_monthly",
	}
	older := billing.SubscriptionChanged{
		EventInfo:  billing.EventInfo{ID: "evt_old", Type: billing.TypeSubscriptionUpdated, Created: base},
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: model.SubscriptionPastDue, PriceID: "price_starter_monthly",
	}
	results := r.DispatchBatch(ctx, []billing.Event{newer, older})
	require.Len(t, results, 2)
	assert.Equal(t, billing.OutcomeApplied, results[1].Outcome)

	sub, err := st.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.Plan, "arrival order wins without the guard")
}

func TestDispatch_StaleEventGuard(t *testing.T) {
	st := store.NewMemoryStore()
	r := newReconciler(t, st, true)
	ctx := context.Background()

	newer := billing.SubscriptionChanged{
		EventInfo:  billing.EventInfo{ID: "evt_new", Type: billing.TypeSubscriptionUpdated, Created: base.Add(time.Hour)},
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: model.SubscriptionActive, PriceID: "price_enterprise_monthly",
	}
	older := billing.SubscriptionChanged{
		EventInfo:  billing.EventInfo{ID: "evt_old", Type: billing.TypeSubscriptionUpdated, Created: base},
		CustomerID: "cus_1", SubscriptionID: "sub_1", Status: model.SubscriptionPastDue, PriceID: "price_starter_monthly",
	}
	stalePayment := billing.PaymentFailed{
		EventInfo:      billing.EventInfo{ID: "evt_pf", Type: billing.TypeInvoicePaymentFailed, Created: base.Add(time.Minute)},
		SubscriptionID: "sub_1",
	}

	results := r.DispatchBatch(ctx, []billing.Event{newer, older, stalePayment})
	assert.Equal(t, billing.OutcomeApplied, results[0].Outcome)
	assert.Equal(t, billing.OutcomeStale, results[1].Outcome)
	assert.Equal(t, billing.OutcomeStale, results[2].Outcome)

	sub, err := st.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "enterprise", sub.Plan)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
}

func TestDispatch_PaymentWithoutSubscriptionIgnored(t *testing.T) {
	r := newReconciler(t, store.NewMemoryStore(), false)
	outcome, err := r.Dispatch(context.Background(), billing.PaymentSucceeded{
		EventInfo: billing.EventInfo{ID: "evt_1", Type: billing.TypeInvoicePaymentSucceeded, Created: base},
		InvoiceID: "in_1",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, outcome)
}

// flakyStore fails or panics for chosen subscription ids.
type flakyStore struct {
	*store.MemoryStore
}

func (s flakyStore) SetSubscriptionStatus(ctx context.Context, id string, status model.SubscriptionStatus, at time.Time, guard bool) (int64, error) {
	switch id {
	case "sub_panic":
		panic("nil pointer in handler")
	case "sub_fail":
		return 0, errors.New("database is locked")
	}
	return s.MemoryStore.SetSubscriptionStatus(ctx, id, status, at, guard)
}

func TestDispatchBatch_FailureIsolation(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newReconciler(t, flakyStore{mem}, false)
	ctx := context.Background()

	_, err := mem.UpsertSubscription(ctx, &model.Subscription{
		CustomerID: "cus_1", ProviderSubscriptionID: "sub_ok", Status: model.SubscriptionPastDue, Plan: "pro",
	}, false)
	require.NoError(t, err)

	events := []billing.Event{
		billing.PaymentSucceeded{EventInfo: billing.EventInfo{ID: "e1", Type: billing.TypeInvoicePaymentSucceeded, Created: base}, SubscriptionID: "sub_panic"},
		billing.PaymentSucceeded{EventInfo: billing.EventInfo{ID: "e2", Type: billing.TypeInvoicePaymentSucceeded, Created: base}, SubscriptionID: "sub_fail"},
		billing.PaymentSucceeded{EventInfo: billing.EventInfo{ID: "e3", Type: billing.TypeInvoicePaymentSucceeded, Created: base}, SubscriptionID: "sub_ok"},
		billing.Unhandled{EventInfo: billing.EventInfo{ID: "e4", Type: "customer.created", Created: base}},
	}
	results := r.DispatchBatch(ctx, events)
	require.Len(t, results, 4)

	var pe *errs.PersistenceError
	require.ErrorAs(t, results[0].Err, &pe)
	assert.Contains(t, pe.Error(), "panic")
	assert.Equal(t, billing.OutcomeFailed, results[0].Outcome)

	require.ErrorAs(t, results[1].Err, &pe)
	assert.Equal(t, billing.OutcomeFailed, results[1].Outcome)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, billing.OutcomeApplied, results[2].Outcome)
	assert.Equal(t, billing.OutcomeIgnored, results[3].Outcome)

	sub, err := mem.GetSubscription(ctx, "sub_ok")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
}

func TestHandleWebhook_FailedEventIsRetried(t *testing.T) {
	mem := store.NewMemoryStore()
	r := newReconciler(t, flakyStore{mem}, false)
	ctx := context.Background()

	payload := eventJSON(t, "evt_fail", billing.TypeInvoicePaymentSucceeded, base,
		map[string]any{"id": "in_1", "customer": "cus_1", "subscription": "sub_fail"})
	for i := range 2 {
		res, err := r.HandleWebhook(ctx, payload, sign(payload))
		require.Error(t, err, fmt.Sprintf("attempt %d", i))
		assert.Equal(t, billing.OutcomeFailed, res.Outcome, "a failed event is not treated as a replay")
	}
}
