// Package sse fans rollup lifecycle events out to server-sent-event clients.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

const defaultBufferSize = 10

// Event is one server-sent event.
type Event struct {
	Type    string
	Payload []byte
}

// DroppedCounter is notified when a slow subscriber misses an event.
type DroppedCounter interface {
	RecordEventDropped()
}

// Hub is a minimal SSE broadcaster. Sends never block: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu         sync.Mutex
	clients    map[chan Event]struct{}
	bufferSize int
	dropped    DroppedCounter
	closed     bool
}

type Option func(*Hub)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithDroppedCounter reports dropped events to c.
func WithDroppedCounter(c DroppedCounter) Option {
	return func(h *Hub) { h.dropped = c }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[chan Event]struct{}),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a channel for events and a cleanup function. After Close
// the returned channel is already closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		})
	}
}

// Publish JSON-encodes v and broadcasts it as a named event.
func (h *Hub) Publish(eventType string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	h.BroadcastEvent(eventType, buf)
	return nil
}

// BroadcastEvent sends a named event to all subscribers.
func (h *Hub) BroadcastEvent(eventType string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			if h.dropped != nil {
				h.dropped.RecordEventDropped()
			}
		}
	}
}

// ClientCount returns the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}
