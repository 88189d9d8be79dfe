// Package hub implements the dashboard notification hub: a set of connected
// observers (browser dashboard clients) that receive every broadcast event.
// Delivery is fire-and-forget per observer: a dead or slow observer never
// affects delivery to the others, and there is no replay buffer: observers
// only see events produced while they are connected.
package hub

import (
	"log/slog"
	"sync"
)

// EventType discriminates broadcast events on the wire.
type EventType string

const (
	EventQR     EventType = "qr"
	EventStatus EventType = "status"
	EventInfo   EventType = "info"
	EventAI     EventType = "ai"
	EventAlert  EventType = "alert"
	EventError  EventType = "error"
)

// Event is the tagged union pushed to every connected observer as JSON.
// Field names match what the dashboard client expects.
type Event struct {
	Type EventType `json:"type"`

	// Message is the human-readable payload for status/info/alert/error events.
	Message string `json:"message,omitempty"`

	// QR is the raw pairing challenge string (Type == EventQR).
	QR string `json:"qr,omitempty"`

	// Text is the raw model response (Type == EventAI).
	Text string `json:"text,omitempty"`

	// IsD5Open is the classification verdict (Type == EventAI).
	IsD5Open *bool `json:"isD5Open,omitempty"`

	// Fatal marks terminal connection failures that need operator action.
	Fatal bool `json:"fatal,omitempty"`
}

// NewQR builds a pairing challenge event.
func NewQR(challenge string) Event {
	return Event{Type: EventQR, QR: challenge}
}

// NewStatus builds a connection status event.
func NewStatus(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

// NewFatal builds a terminal status event requiring operator intervention.
func NewFatal(message string) Event {
	return Event{Type: EventStatus, Message: message, Fatal: true}
}

// NewInfo builds an informational event.
func NewInfo(message string) Event {
	return Event{Type: EventInfo, Message: message}
}

// NewAI builds a classification result event.
func NewAI(text string, open bool) Event {
	return Event{Type: EventAI, Text: text, IsD5Open: &open}
}

// NewAlert builds a valve-open alert event.
func NewAlert(message string) Event {
	return Event{Type: EventAlert, Message: message}
}

// NewError builds a per-message error event.
func NewError(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Observer receives broadcast events. Deliver must not block; implementations
// are expected to buffer internally and drop on overflow.
type Observer interface {
	Deliver(evt Event)
}

// Hub holds the observer set and fans out events to all of them.
type Hub struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	logger    *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[Observer]struct{}),
		logger:    logger.With("component", "hub"),
	}
}

// Register adds an observer to the set. It receives subsequent broadcasts
// only; no historical events are replayed.
func (h *Hub) Register(obs Observer) {
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()
	h.logger.Debug("observer registered", "observers", n)
}

// Unregister removes an observer. Safe to call for an unknown observer.
func (h *Hub) Unregister(obs Observer) {
	h.mu.Lock()
	delete(h.observers, obs)
	n := len(h.observers)
	h.mu.Unlock()
	h.logger.Debug("observer unregistered", "observers", n)
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast delivers evt to every observer connected right now. A panic in
// one observer's Deliver is swallowed so the remaining observers still get
// the event.
func (h *Hub) Broadcast(evt Event) {
	h.mu.Lock()
	observers := make([]Observer, 0, len(h.observers))
	for obs := range h.observers {
		observers = append(observers, obs)
	}
	h.mu.Unlock()

	for _, obs := range observers {
		h.deliver(obs, evt)
	}
}

func (h *Hub) deliver(obs Observer, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("observer delivery panic", "error", r)
		}
	}()
	obs.Deliver(evt)
}
