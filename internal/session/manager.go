package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdleTTL is how long a session survives without user events.
const DefaultIdleTTL = 2 * time.Hour

// RendererFactory builds the renderer for a new session.
type RendererFactory func(sessionID string) Renderer

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Planner        Planner
	Geocoder       Geocoder // optional
	Renderers      RendererFactory
	Trigger        Trigger
	RequestTimeout time.Duration
	IdleTTL        time.Duration
	Metrics        *Metrics
	// OnClose, when set, runs after a session is closed.
	OnClose        func(sessionID string)
	Logger         zerolog.Logger
}

// Manager owns the live sessions.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerRoute
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session. An empty trigger uses the manager default.
func (m *Manager) Create(trigger Trigger) *Session {
	if trigger == "" {
		trigger = m.cfg.Trigger
	}

	id := NewID()
	var renderer Renderer
	if m.cfg.Renderers != nil {
		renderer = m.cfg.Renderers(id)
	}

	s := New(Config{
		ID:             id,
		Planner:        m.cfg.Planner,
		Renderer:       renderer,
		Geocoder:       m.cfg.Geocoder,
		Trigger:        trigger,
		RequestTimeout: m.cfg.RequestTimeout,
		Metrics:        m.cfg.Metrics,
		Logger:         m.cfg.Logger,
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.cfg.Metrics.sessionOpened()
	m.logger.Info().Str("session_id", id).Str("trigger", string(trigger)).Msg("session created")
	return s
}

// Get looks up a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete closes and removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	m.closeSession(s)
	m.logger.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now minus IdleTTL and returns how
// many were removed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.closeSession(s)
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("expired idle sessions")
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close closes every session and waits for their tasks.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.closeSession(s)
	}
}

func (m *Manager) closeSession(s *Session) {
	s.Close()
	m.cfg.Metrics.sessionClosed()
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(s.ID())
	}
}
