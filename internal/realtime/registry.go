// Package realtime fans incident changes out to live subscribers.
//
// Registry is an explicit object owned by main and handed to both the
// incident service (as a publisher) and the websocket handler. There is no
// package-level state.
package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// TopicIncidents receives every incident event.
const TopicIncidents = "incidents"

// IncidentTopic is the per-incident topic name.
func IncidentTopic(id string) string { return "incident:" + id }

// Event is one message delivered to subscribers.
type Event struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultBuffer = 64

// Registry tracks subscriptions by topic.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	log    *slog.Logger
}

// NewRegistry returns an empty registry. buffer is the per-subscription
// channel size; values <= 0 use a default.
func NewRegistry(buffer int, log *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscription is a handle returned by Subscribe. Close it to stop delivery.
type Subscription struct {
	reg    *Registry
	topics []string
	ch     chan Event
	once   sync.Once
}

// Subscribe registers interest in topics and returns the handle.
func (r *Registry) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{reg: r, topics: topics, ch: make(chan Event, r.buffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		set, ok := r.topics[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			r.topics[t] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		r := s.reg
		r.mu.Lock()
		for _, t := range s.topics {
			if set, ok := r.topics[t]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(r.topics, t)
				}
			}
		}
		close(s.ch)
		r.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber of ev.Topic without blocking.
// Subscribers whose buffer is full miss the event. It returns the number of
// subscribers that received it.
func (r *Registry) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for sub := range r.topics[ev.Topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			r.log.Warn("realtime subscriber buffer full, event dropped", "topic", ev.Topic, "type", ev.Type)
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (r *Registry) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}
