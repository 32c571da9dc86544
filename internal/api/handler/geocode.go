package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/session"
)

// GeocodeHandler resolves addresses without touching a session.
type GeocodeHandler struct {
	geocoder session.Geocoder
	logger   zerolog.Logger
}

// NewGeocodeHandler creates a new GeocodeHandler. geocoder may be nil.
func NewGeocodeHandler(geocoder session.Geocoder, logger zerolog.Logger) *GeocodeHandler {
	return &GeocodeHandler{geocoder: geocoder, logger: logger}
}

// Geocode handles POST /v1/geocode.
func (h *GeocodeHandler) Geocode(w http.ResponseWriter, r *http.Request) {
	if h.geocoder == nil {
		writeError(w, r, h.logger, session.ErrNoGeocoder)
		return
	}

	var input models.GeocodeRequest
	if !decode(w, r, &input, false) {
		return
	}

	place, err := h.geocoder.Resolve(r.Context(), input.Address)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=300")
	response.JSON(w, r, http.StatusOK, place)
}
