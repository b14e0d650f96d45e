package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/api/middleware"
	"github.com/d9705996/logexpert/internal/incident"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/store"
)

// IncidentHandler handles /api/v1/incidents/* routes.
type IncidentHandler struct {
	svc *incident.Service
	log *slog.Logger
}

// NewIncidentHandler creates an IncidentHandler.
func NewIncidentHandler(svc *incident.Service, log *slog.Logger) *IncidentHandler {
	return &IncidentHandler{svc: svc, log: log}
}

type createIncidentRequest struct {
	Title       string         `json:"title"`
	Severity    model.Severity `json:"severity"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    model.Metadata `json:"metadata"`
	AssigneeID  *string        `json:"assignee_id"`
}

type resolveRequest struct {
	Note string `json:"note"`
}

type commentRequest struct {
	Message string `json:"message"`
}

func incidentResource(inc *model.Incident) jsonapi.ResourceObject {
	return jsonapi.ResourceObject{Type: "incidents", ID: inc.ID, Attributes: inc}
}

func actorID(r *http.Request) string {
	if c := middleware.ClaimsFromContext(r.Context()); c != nil {
		return c.UserID()
	}
	return ""
}

// List handles GET /api/v1/incidents.
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	filter := store.IncidentFilter{
		Status:   model.IncidentStatus(q.Get("filter[status]")),
		Severity: model.Severity(q.Get("filter[severity]")),
		Source:   q.Get("filter[source]"),
	}
	items, total, err := h.svc.List(r.Context(), filter, page)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	page = page.Normalize()
	jsonapi.RenderList(w, http.StatusOK,
		jsonapi.Resources("incidents", items, func(i model.Incident) string { return i.ID }),
		&jsonapi.Pagination{Offset: page.Offset, Limit: page.Limit, Total: total})
}

// Create handles POST /api/v1/incidents.
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := jsonapi.DecodeAttributes(r, &req); err != nil {
		renderBadBody(w, err)
		return
	}
	inc, err := h.svc.Create(r.Context(), incident.CreateInput{
		Title:       req.Title,
		Severity:    req.Severity,
		Source:      req.Source,
		Description: req.Description,
		Metadata:    req.Metadata,
		AssigneeID:  req.AssigneeID,
		ActorID:     actorID(r),
	})
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, incidentResource(inc))
}

// Stats handles GET /api/v1/incidents/stats.
func (h *IncidentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to")
	if !ok {
		return
	}
	st, err := h.svc.Stats(r.Context(), from, to)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{Type: "incident_stats", ID: "current", Attributes: st})
}

// Get handles GET /api/v1/incidents/{id}.
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, incidentResource(inc))
}

// Acknowledge handles POST /api/v1/incidents/{id}/acknowledge.
func (h *IncidentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Acknowledge(r.Context(), r.PathValue("id"), actorID(r))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, incidentResource(inc))
}

// Resolve handles POST /api/v1/incidents/{id}/resolve. The body is optional.
func (h *IncidentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	err := jsonapi.DecodeAttributes(r, &req)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, jsonapi.ErrMissingAttributes) {
		renderBadBody(w, err)
		return
	}
	inc, err := h.svc.Resolve(r.Context(), r.PathValue("id"), actorID(r), req.Note)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, incidentResource(inc))
}

// Timeline handles GET /api/v1/incidents/{id}/timeline.
func (h *IncidentHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Timeline(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderList(w, http.StatusOK,
		jsonapi.Resources("timeline_entries", entries, func(e model.TimelineEntry) string { return e.ID }), nil)
}

// Comment handles POST /api/v1/incidents/{id}/comments.
func (h *IncidentHandler) Comment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := jsonapi.DecodeAttributes(r, &req); err != nil {
		renderBadBody(w, err)
		return
	}
	entry, err := h.svc.AddComment(r.Context(), r.PathValue("id"), actorID(r), req.Message)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.ResourceObject{Type: "timeline_entries", ID: entry.ID, Attributes: entry})
}

func parsePage(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	var p store.Page
	q := r.URL.Query()
	for param, dst := range map[string]*int{"page[offset]": &p.Offset, "page[limit]": &p.Limit} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			renderBadParam(w, param, param+" must be a non-negative integer")
			return p, false
		}
		*dst = n
	}
	return p, true
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, param string) (*time.Time, bool) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		renderBadParam(w, param, param+" must be an RFC 3339 timestamp")
		return nil, false
	}
	return &t, true
}
