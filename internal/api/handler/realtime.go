package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/logexpert/internal/realtime"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxClientMessage = 512
)

// RealtimeHandler forwards registry events to websocket clients.
type RealtimeHandler struct {
	registry *realtime.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewRealtimeHandler creates a RealtimeHandler. The upgrader keeps
// gorilla's same-origin check.
func NewRealtimeHandler(registry *realtime.Registry, log *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		registry: registry,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:      log,
	}
}

// Incidents handles GET /api/v1/realtime/incidents. With ?incident_id=X the
// client receives only that incident's events, otherwise every incident
// event.
func (h *RealtimeHandler) Incidents(w http.ResponseWriter, r *http.Request) {
	topic := realtime.TopicIncidents
	if id := r.URL.Query().Get("incident_id"); id != "" {
		topic = realtime.IncidentTopic(id)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.WarnContext(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	sub := h.registry.Subscribe(topic)
	h.log.DebugContext(r.Context(), "realtime client connected", "topic", topic)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
	h.log.DebugContext(r.Context(), "realtime client disconnected", "topic", topic)
}

// readPump drains client frames so pong and close frames are processed. It
// closes done when the connection fails.
func (h *RealtimeHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientMessage)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("unexpected websocket close", "err", err)
			}
			return
		}
	}
}

func (h *RealtimeHandler) writePump(conn *websocket.Conn, sub *realtime.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		if err := conn.Close(); err != nil {
			h.log.Debug("close websocket", "err", err)
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("write realtime event", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
