package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/middleware"
	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/live"
	"github.com/stopwise/stopwise/internal/session"
)

// TokenIssuer issues session tokens. *auth.TokenService satisfies it.
type TokenIssuer interface {
	Issue(sessionID string) (string, time.Time, error)
}

// SessionHandler handles session lifecycle endpoints and the event stream.
type SessionHandler struct {
	sessions Sessions
	tokens   TokenIssuer
	hub      *live.Hub
	logger   zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler. hub may be nil, in which
// case the event stream is not served.
func NewSessionHandler(sessions Sessions, tokens TokenIssuer, hub *live.Hub, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		tokens:   tokens,
		hub:      hub,
		logger:   logger,
	}
}

// CreateSession handles POST /v1/sessions.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var input models.CreateSessionRequest
	if !decode(w, r, &input, true) {
		return
	}

	trigger, err := session.ParseTrigger(input.Trigger)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}

	s := h.sessions.Create(trigger)
	token, expiresAt, err := h.tokens.Issue(s.ID())
	if err != nil {
		_ = h.sessions.Delete(s.ID())
		writeError(w, r, h.logger, err)
		return
	}

	response.Created(w, r, fmt.Sprintf("/v1/sessions/%s", s.ID()), models.SessionResponse{
		Session:     s.View(),
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   models.Timestamp(expiresAt),
	})
}

// GetSession handles GET /v1/sessions/{sessionId}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, s.View())
}

// DeleteSession handles DELETE /v1/sessions/{sessionId}.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(chi.URLParam(r, middleware.SessionIDParam)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.NoContent(w, r)
}

// Events handles GET /v1/sessions/{sessionId}/events. It upgrades to a
// WebSocket that first carries the displayed route and then every change.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		response.ServiceUnavailable(w, r, "event stream is not enabled")
		return
	}

	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	view := s.View()
	initial := &live.Event{Type: live.EventRouteClear}
	if view.Route != nil {
		initial = &live.Event{Type: live.EventRouteShow, Route: view.Route, Stale: !view.RouteCurrent}
	}
	h.hub.ServeWS(w, r, s.ID(), initial)
}

// lookup resolves the session named in the URL, writing a 404 when absent.
func lookup(w http.ResponseWriter, r *http.Request, sessions Sessions, logger zerolog.Logger) (*session.Session, bool) {
	s, err := sessions.Get(chi.URLParam(r, middleware.SessionIDParam))
	if err != nil {
		writeError(w, r, logger, err)
		return nil, false
	}
	return s, true
}
