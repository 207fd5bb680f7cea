// Package hub fans session state changes out to live subscribers and lets a
// reconnecting subscriber replay what it missed. It is a live-tail mechanism,
// not a durable log: buffers are in-memory only and bounded per session.
package hub

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultCapacity bounds the per-session replay buffer.
	DefaultCapacity = 100
	// DefaultSubscriberBuffer bounds each subscriber's delivery channel. A
	// subscriber that falls this far behind starts losing events rather
	// than blocking Publish.
	DefaultSubscriberBuffer = 64
)

// Event is an immutable, ordered notification of a session state change.
// IDs start at 1 per session and are strictly increasing, never reused.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type sessionLog struct {
	nextID int64
	events []Event
	subs   map[string]chan Event
}

type Hub struct {
	mu        sync.Mutex
	capacity  int
	subBuffer int
	nowFn     func() time.Time
	sessions  map[string]*sessionLog
}

type Option func(*Hub)

func WithCapacity(capacity int) Option {
	return func(h *Hub) {
		if capacity > 0 {
			h.capacity = capacity
		}
	}
}

func WithSubscriberBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.subBuffer = size
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(h *Hub) {
		if nowFn != nil {
			h.nowFn = nowFn
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		capacity:  DefaultCapacity,
		subBuffer: DefaultSubscriberBuffer,
		nowFn:     func() time.Time { return time.Now().UTC() },
		sessions:  map[string]*sessionLog{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) session(sessionID string) *sessionLog {
	log, ok := h.sessions[sessionID]
	if !ok {
		log = &sessionLog{nextID: 1, subs: map[string]chan Event{}}
		h.sessions[sessionID] = log
	}
	return log
}

// Publish assigns the next event id for the session, appends the event to
// the session buffer (evicting the oldest entries past capacity), and
// notifies every current subscriber. Notification never blocks: a slow
// subscriber's channel drops the event instead of stalling the publisher.
func (h *Hub) Publish(sessionID, eventType string, data map[string]any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.session(sessionID)
	event := Event{
		ID:        log.nextID,
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: h.nowFn(),
	}
	log.nextID++

	log.events = append(log.events, event)
	if len(log.events) > h.capacity {
		trimmed := make([]Event, h.capacity)
		copy(trimmed, log.events[len(log.events)-h.capacity:])
		log.events = trimmed
	}

	for _, ch := range log.subs {
		select {
		case ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
	return event
}

// ListSince returns buffered events with id strictly greater than
// lastEventID, in ascending order. A zero cursor returns the full buffer.
// A cursor older than the retained window silently yields only what
// remains; the hub does no gap detection.
func (h *Hub) ListSince(sessionID string, lastEventID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	log, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	start := 0
	for start < len(log.events) && log.events[start].ID <= lastEventID {
		start++
	}
	if start >= len(log.events) {
		return nil
	}
	out := make([]Event, len(log.events)-start)
	copy(out, log.events[start:])
	return out
}

// Subscribe registers a listener for the session and returns its delivery
// channel plus a cancel func. Cancel is idempotent and safe to call while
// a publish is in flight; the channel is closed on cancel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.session(sessionID)
	id := ulid.Make().String()
	ch := make(chan Event, h.subBuffer)
	log.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(log.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount reports live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(log.subs)
}
