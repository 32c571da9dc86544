package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/session"
)

// RouteHandler handles route drawing and optimization requests.
type RouteHandler struct {
	sessions Sessions
	logger   zerolog.Logger
}

// NewRouteHandler creates a new RouteHandler.
func NewRouteHandler(sessions Sessions, logger zerolog.Logger) *RouteHandler {
	return &RouteHandler{sessions: sessions, logger: logger}
}

// Route handles POST /v1/sessions/{sessionId}/route - draw the current order.
func (h *RouteHandler) Route(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, (*session.Session).Route)
}

// Optimize handles POST /v1/sessions/{sessionId}/optimize - reorder the
// interior stops and draw the result.
func (h *RouteHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, (*session.Session).Optimize)
}

func (h *RouteHandler) run(w http.ResponseWriter, r *http.Request, fn func(*session.Session, context.Context) (session.Outcome, error)) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	outcome, err := fn(s, r.Context())
	switch {
	case errors.Is(err, session.ErrSuperseded):
		// A newer edit won; the client gets the state that replaced it.
		response.Accepted(w, r, "", models.RouteResponse{Applied: false, Session: s.View()})
		return
	case err != nil:
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.JSON(w, r, http.StatusOK, models.RouteResponse{
		Applied: outcome.Applied,
		Route:   outcome.Result,
		Session: s.View(),
	})
}
