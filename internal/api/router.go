// Package api wires all API routes onto the provided ServeMux.
package api

import (
	"net/http"

	"github.com/d9705996/logexpert/internal/api/handler"
	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/api/middleware"
	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/health"
)

// Handlers groups the resource handlers mounted by RegisterRoutes.
type Handlers struct {
	Health    *health.Handler
	Auth      *handler.AuthHandler
	Incidents *handler.IncidentHandler
	OnCall    *handler.OnCallHandler
	Billing   *handler.BillingHandler
	Realtime  *handler.RealtimeHandler
}

// RegisterRoutes registers all application routes on mux.
func RegisterRoutes(mux *http.ServeMux, h Handlers, tokens *auth.TokenIssuer) {
	protected := middleware.RequireAuth(tokens)
	can := func(c auth.Capability, fn http.HandlerFunc) http.Handler {
		return protected(middleware.RequirePermission(c)(fn))
	}

	// Public health endpoints (no auth required)
	mux.HandleFunc("GET /api/v1/health", h.Health.ServeHealth)
	mux.HandleFunc("GET /api/v1/ready", h.Health.ServeReady)

	// Auth endpoints (no auth required)
	mux.HandleFunc("POST /api/v1/auth/login", h.Auth.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", h.Auth.Refresh)
	mux.Handle("POST /api/v1/auth/logout", protected(http.HandlerFunc(h.Auth.Logout)))

	// Incidents
	mux.Handle("GET /api/v1/incidents", can(auth.CapIncidentRead, h.Incidents.List))
	mux.Handle("POST /api/v1/incidents", can(auth.CapIncidentCreate, h.Incidents.Create))
	mux.Handle("GET /api/v1/incidents/stats", can(auth.CapIncidentRead, h.Incidents.Stats))
	mux.Handle("GET /api/v1/incidents/{id}", can(auth.CapIncidentRead, h.Incidents.Get))
	mux.Handle("POST /api/v1/incidents/{id}/acknowledge", can(auth.CapIncidentUpdate, h.Incidents.Acknowledge))
	mux.Handle("POST /api/v1/incidents/{id}/resolve", can(auth.CapIncidentUpdate, h.Incidents.Resolve))
	mux.Handle("GET /api/v1/incidents/{id}/timeline", can(auth.CapIncidentRead, h.Incidents.Timeline))
	mux.Handle("POST /api/v1/incidents/{id}/comments", can(auth.CapIncidentComment, h.Incidents.Comment))

	// On-call
	mux.Handle("GET /api/v1/oncall/shifts", can(auth.CapOnCallRead, h.OnCall.List))
	mux.Handle("POST /api/v1/oncall/shifts", can(auth.CapOnCallUpdate, h.OnCall.Create))
	mux.Handle("GET /api/v1/users/me/notification-channels", protected(http.HandlerFunc(h.OnCall.Channels)))
	mux.Handle("PUT /api/v1/users/me/notification-channels", protected(http.HandlerFunc(h.OnCall.SetChannels)))

	// Billing. The webhook authenticates by payload signature.
	mux.HandleFunc("GET /api/v1/billing/plans", h.Billing.Plans)
	mux.Handle("GET /api/v1/billing/subscription", can(auth.CapBillingRead, h.Billing.Subscription))
	mux.HandleFunc("POST /api/v1/billing/webhook", h.Billing.Webhook)

	// Realtime
	mux.Handle("GET /api/v1/realtime/incidents", can(auth.CapIncidentRead, h.Realtime.Incidents))

	// Catch-all 404
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "no route for "+r.URL.Path)
	})
}
