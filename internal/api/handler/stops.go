package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/session"
	"github.com/stopwise/stopwise/internal/stops"
)

// StopHandler handles stop list edits. Every edit recomputes the route
// according to the session's trigger policy.
type StopHandler struct {
	sessions Sessions
	logger   zerolog.Logger
}

// NewStopHandler creates a new StopHandler.
func NewStopHandler(sessions Sessions, logger zerolog.Logger) *StopHandler {
	return &StopHandler{sessions: sessions, logger: logger}
}

// AddStop handles POST /v1/sessions/{sessionId}/stops.
func (h *StopHandler) AddStop(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.AddStopRequest
	if !decode(w, r, &input, false) {
		return
	}

	var (
		st  stops.Stop
		err error
		out models.AddStopResponse
	)
	if input.Address != "" {
		st, out.Place, err = s.AddStopByAddress(r.Context(), input.Address, input.Label)
	} else {
		st, err = s.AddStop(routing.Coordinate{Lat: *input.Lat, Lon: *input.Lon}, input.Label)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	out.Session = s.View()
	out.Stop = stopView(st, out.Session)
	response.Created(w, r, fmt.Sprintf("/v1/sessions/%s/stops/%s", s.ID(), st.ID), out)
}

// ClearStops handles DELETE /v1/sessions/{sessionId}/stops.
func (h *StopHandler) ClearStops(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	s.Clear()
	response.JSON(w, r, http.StatusOK, s.View())
}

// EditStop handles PATCH /v1/sessions/{sessionId}/stops/{stopId}.
func (h *StopHandler) EditStop(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.EditStopRequest
	if !decode(w, r, &input, false) {
		return
	}

	edit := session.Edit{Label: input.Label}
	if input.Lat != nil && input.Lon != nil {
		edit.Coordinate = &routing.Coordinate{Lat: *input.Lat, Lon: *input.Lon}
	}
	if err := s.EditStop(chi.URLParam(r, "stopId"), edit); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, s.View())
}

// RemoveStop handles DELETE /v1/sessions/{sessionId}/stops/{stopId}.
// Removing an unknown stop succeeds.
func (h *StopHandler) RemoveStop(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	s.RemoveStop(chi.URLParam(r, "stopId"))
	response.NoContent(w, r)
}

// MoveStop handles POST /v1/sessions/{sessionId}/stops/{stopId}/move.
func (h *StopHandler) MoveStop(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.MoveStopRequest
	if !decode(w, r, &input, false) {
		return
	}

	if !s.MoveStop(chi.URLParam(r, "stopId"), *input.Index) {
		writeError(w, r, h.logger, stops.ErrStopNotFound)
		return
	}
	response.JSON(w, r, http.StatusOK, s.View())
}

// ReorderStops handles POST /v1/sessions/{sessionId}/stops:reorder, the
// list drag.
func (h *StopHandler) ReorderStops(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.ReorderRequest
	if !decode(w, r, &input, false) {
		return
	}

	if _, moved := s.ReorderStop(*input.FromIndex, *input.ToIndex); !moved {
		response.BadRequest(w, r, "no stop at fromIndex", []models.FieldError{
			{Field: "fromIndex", Message: "fromIndex is outside the stop list", Code: "OUT_OF_RANGE"},
		})
		return
	}
	response.JSON(w, r, http.StatusOK, s.View())
}

// ReplaceOrder handles PUT /v1/sessions/{sessionId}/stops:order.
func (h *StopHandler) ReplaceOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.ReplaceOrderRequest
	if !decode(w, r, &input, false) {
		return
	}

	if err := s.ReplaceOrder(input.StopIDs); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, s.View())
}

// ClusterStops handles POST /v1/sessions/{sessionId}/stops:cluster. It
// groups the stops by proximity and changes nothing.
func (h *StopHandler) ClusterStops(w http.ResponseWriter, r *http.Request) {
	s, ok := lookup(w, r, h.sessions, h.logger)
	if !ok {
		return
	}

	var input models.ClusterRequest
	if !decode(w, r, &input, false) {
		return
	}

	response.JSON(w, r, http.StatusOK, s.Cluster(*input.K))
}

func stopView(st stops.Stop, view session.View) models.StopView {
	out := models.StopView{
		ID:    st.ID,
		Index: -1,
		Lat:   st.Coordinate.Lat,
		Lon:   st.Coordinate.Lon,
		Label: st.Label,
	}
	for i, v := range view.Stops {
		if v.ID == st.ID {
			out.Index = i
			break
		}
	}
	return out
}
