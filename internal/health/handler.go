// Package health exposes the /api/v1/health and /api/v1/ready HTTP handlers.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/version"
)

const checkTimeout = 3 * time.Second

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named readiness dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler holds dependencies for the health and ready endpoints.
type Handler struct {
	checks    []Check
	startTime time.Time
}

// New creates a Handler. A check whose Pinger is nil reports unavailable, so
// /ready returns 503 until the dependency is wired.
func New(checks ...Check) *Handler {
	return &Handler{checks: checks, startTime: time.Now()}
}

type healthAttrs struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /api/v1/health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "health",
		ID:   "1",
		Attributes: healthAttrs{
			Status:        "ok",
			Version:       version.Version,
			Commit:        version.Commit,
			BuildDate:     version.Date,
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		},
	})
}

// ServeReady handles GET /api/v1/ready. It returns 200 when every check
// passes and 503 with one error per failing check otherwise.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	if len(h.checks) == 0 {
		jsonapi.RenderError(w, http.StatusServiceUnavailable,
			"dependency_unavailable", "Service Unavailable", "no readiness checks configured")
		return
	}

	results := make(map[string]string, len(h.checks))
	var failed []jsonapi.ErrorObject
	for _, c := range h.checks {
		if err := ping(r.Context(), c.Pinger); err != nil {
			results[c.Name] = "unavailable"
			failed = append(failed, jsonapi.ErrorObject{
				Status: http.StatusText(http.StatusServiceUnavailable),
				Code:   "dependency_unavailable",
				Title:  "Service Unavailable",
				Detail: c.Name + " is unreachable: " + err.Error(),
			})
			continue
		}
		results[c.Name] = "ok"
	}
	if len(failed) > 0 {
		jsonapi.RenderErrors(w, http.StatusServiceUnavailable, failed)
		return
	}

	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "ready",
		ID:         "1",
		Attributes: map[string]any{"status": "ok", "checks": results},
	})
}

func ping(ctx context.Context, p Pinger) error {
	if p == nil {
		return errNotInitialised
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return p.Ping(ctx)
}
