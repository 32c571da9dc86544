// Package live streams session route updates to browsers over WebSocket.
package live

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/session"
)

// Event types.
const (
	EventRouteShow  = "route.show"
	EventRouteStale = "route.stale"
	EventRouteClear = "route.clear"
	EventNotice     = "notice"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 16

// Event is one message on the stream. Stale marks a route.show whose route
// no longer matches the stops. Generation is set on route.stale events.
type Event struct {
	Type       string                 `json:"type"`
	SessionID  string                 `json:"sessionId"`
	Route      *optimizer.RouteResult `json:"route,omitempty"`
	Stale      bool                   `json:"stale,omitempty"`
	Generation uint64                 `json:"generation,omitempty"`
	Notice     *session.Notice        `json:"notice,omitempty"`
	At         time.Time              `json:"at"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	BufferSize int
	Logger     zerolog.Logger
}

// Hub fans session events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	bufferSize int
	logger     zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Hub{
		bufferSize: cfg.BufferSize,
		logger:     cfg.Logger,
		subs:       make(map[string]map[chan Event]struct{}),
	}
}

// Renderer returns the session.Renderer that publishes to sessionID's
// subscribers. It fits session.RendererFactory.
func (h *Hub) Renderer(sessionID string) session.Renderer {
	return &renderer{hub: h, sessionID: sessionID}
}

// Subscribe registers for a session's events. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(sessionID, ch) })
	}
}

func (h *Hub) remove(sessionID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sessionID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// Publish delivers ev to every subscriber of ev.SessionID.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn().
				Str("session_id", ev.SessionID).
				Str("event", ev.Type).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// CloseSession closes every subscription of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

type renderer struct {
	hub       *Hub
	sessionID string
}

func (r *renderer) Show(res *optimizer.RouteResult) {
	r.hub.Publish(Event{Type: EventRouteShow, SessionID: r.sessionID, Route: res})
}

func (r *renderer) Invalidate(generation uint64) {
	r.hub.Publish(Event{Type: EventRouteStale, SessionID: r.sessionID, Generation: generation})
}

func (r *renderer) Clear() {
	r.hub.Publish(Event{Type: EventRouteClear, SessionID: r.sessionID})
}

func (r *renderer) Notify(n session.Notice) {
	r.hub.Publish(Event{Type: EventNotice, SessionID: r.sessionID, Notice: &n})
}
