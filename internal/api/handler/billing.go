package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/billing"
	"github.com/d9705996/logexpert/internal/errs"
)

// maxWebhookBody caps webhook payloads; provider events are far smaller.
const maxWebhookBody = 1 << 20

// BillingHandler handles /api/v1/billing/* routes.
type BillingHandler struct {
	reconciler *billing.Reconciler
	catalog    *billing.Catalog
	log        *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(reconciler *billing.Reconciler, catalog *billing.Catalog, log *slog.Logger) *BillingHandler {
	return &BillingHandler{reconciler: reconciler, catalog: catalog, log: log}
}

// Plans handles GET /api/v1/billing/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	jsonapi.RenderList(w, http.StatusOK,
		jsonapi.Resources("plans", h.catalog.Plans(), func(p billing.Plan) string { return p.ID }), nil)
}

// Subscription handles GET /api/v1/billing/subscription.
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	views, err := h.reconciler.Subscriptions(r.Context(), actorID(r))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderList(w, http.StatusOK,
		jsonapi.Resources("subscriptions", views, func(v billing.SubscriptionView) string { return v.ProviderSubscriptionID }), nil)
}

// Webhook handles POST /api/v1/billing/webhook. Verification replaces
// authentication on this route.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		jsonapi.RenderError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request Entity Too Large", "webhook payload exceeds 1 MiB")
		return
	}
	res, err := h.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var validation *errs.ValidationError
		if errors.As(err, &validation) {
			// Retrying a malformed event cannot succeed.
			jsonapi.RenderError(w, http.StatusBadRequest, "invalid_event", "Bad Request", validation.Error())
			return
		}
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{Type: "webhook_results", ID: res.EventID, Attributes: res})
}
