// Package events carries fire-and-forget notifications about orchestration
// lifecycle: status changes, think-steps, and session events. A failure to
// publish must never fail the run that produced the event.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one notification.
type Event struct {
	Type        string                 `json:"type"`
	AgentableID string                 `json:"agentable_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Event types emitted by the core.
const (
	TypeStatusChanged   = "status_changed"
	TypeThinkStep       = "think_step"
	TypeSessionArchived = "session_archived"
	TypeSessionReset    = "session_reset"
	TypeRunCompleted    = "run_completed"
)

// Publisher delivers events to external observers.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Hub fans events out to subscribers over buffered channels. A slow
// subscriber drops events rather than blocking the publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      zerolog.Logger
}

// NewHub creates an event hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Publish delivers the event to all subscribers without blocking.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debug().
				Int("subscriber", id).
				Str("type", event.Type).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subscribers[id] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
