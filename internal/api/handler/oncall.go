package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/d9705996/logexpert/internal/oncall"
)

const (
	defaultShiftLookback  = 24 * time.Hour
	defaultShiftLookahead = 7 * 24 * time.Hour
)

// OnCallHandler handles /api/v1/oncall/* routes.
type OnCallHandler struct {
	schedule *oncall.Schedule
	log      *slog.Logger
	now      func() time.Time
}

// NewOnCallHandler creates an OnCallHandler.
func NewOnCallHandler(schedule *oncall.Schedule, log *slog.Logger) *OnCallHandler {
	return &OnCallHandler{schedule: schedule, log: log, now: time.Now}
}

type shiftRequest struct {
	UserID   string    `json:"user_id"`
	Source   string    `json:"source"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// shiftAttrs keeps the user's credentials out of responses.
type shiftAttrs struct {
	UserID    string    `json:"user_id"`
	UserEmail string    `json:"user_email,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	Source    string    `json:"source"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

func shiftResource(s model.OnCallShift) jsonapi.ResourceObject {
	return jsonapi.ResourceObject{
		Type: "oncall_shifts",
		ID:   s.ID,
		Attributes: shiftAttrs{
			UserID:    s.UserID,
			UserEmail: s.User.Email,
			UserName:  s.User.Name,
			Source:    s.Source,
			StartsAt:  s.StartsAt,
			EndsAt:    s.EndsAt,
		},
	}
}

// List handles GET /api/v1/oncall/shifts. The window defaults to the last day
// through the next week.
func (h *OnCallHandler) List(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	from, ok := parseTimeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(w, r, "to")
	if !ok {
		return
	}
	if from == nil {
		t := now.Add(-defaultShiftLookback)
		from = &t
	}
	if to == nil {
		t := now.Add(defaultShiftLookahead)
		to = &t
	}
	shifts, err := h.schedule.ListShifts(r.Context(), *from, *to)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	data := make([]any, 0, len(shifts))
	for _, s := range shifts {
		data = append(data, shiftResource(s))
	}
	jsonapi.RenderList(w, http.StatusOK, data, nil)
}

// Create handles POST /api/v1/oncall/shifts.
func (h *OnCallHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req shiftRequest
	if err := jsonapi.DecodeAttributes(r, &req); err != nil {
		renderBadBody(w, err)
		return
	}
	s, err := h.schedule.CreateShift(r.Context(), oncall.ShiftInput{
		UserID:   req.UserID,
		Source:   req.Source,
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
	})
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, shiftResource(*s))
}

type channelsAttrs struct {
	Channels []string `json:"channels"`
}

func channelsResource(userID string, channels []string) jsonapi.ResourceObject {
	return jsonapi.ResourceObject{Type: "notification_preferences", ID: userID, Attributes: channelsAttrs{Channels: channels}}
}

// Channels handles GET /api/v1/users/me/notification-channels.
func (h *OnCallHandler) Channels(w http.ResponseWriter, r *http.Request) {
	userID := actorID(r)
	channels, err := h.schedule.NotificationChannels(r.Context(), userID)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, channelsResource(userID, channels))
}

// SetChannels handles PUT /api/v1/users/me/notification-channels. An empty
// list restores every channel.
func (h *OnCallHandler) SetChannels(w http.ResponseWriter, r *http.Request) {
	var req channelsAttrs
	if err := jsonapi.DecodeAttributes(r, &req); err != nil {
		renderBadBody(w, err)
		return
	}
	userID := actorID(r)
	channels, err := h.schedule.SetNotificationChannels(r.Context(), userID, req.Channels)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, channelsResource(userID, channels))
}
