// Package handler provides HTTP handlers for the stopwise API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/middleware"
	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/session"
	"github.com/stopwise/stopwise/internal/stops"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Sessions looks up live sessions. *session.Manager satisfies it.
type Sessions interface {
	Create(trigger session.Trigger) *session.Session
	Get(id string) (*session.Session, error)
	Delete(id string) error
	Count() int
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue. An empty
// body is accepted when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			response.BadRequest(w, r, "invalid JSON body", nil)
			return false
		}
	}
	if errs := models.Validate(v); len(errs) > 0 {
		response.BadRequest(w, r, "request validation failed", errs)
		return false
	}
	return true
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		response.NotFound(w, r, "session not found")
	case errors.Is(err, stops.ErrStopNotFound):
		response.NotFound(w, r, "stop not found")
	case errors.Is(err, geocoding.ErrNotFound):
		response.NotFound(w, r, err.Error())
	case errors.Is(err, geocoding.ErrEmptyQuery):
		response.BadRequest(w, r, "address must not be empty", []models.FieldError{
			{Field: "address", Message: "address is required", Code: "REQUIRED"},
		})
	case errors.Is(err, stops.ErrInvalidCoordinate):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, session.ErrEmptyEdit):
		response.BadRequest(w, r, "at least one of label or lat/lon must be set", nil)
	case errors.Is(err, stops.ErrInvalidPermutation):
		response.Conflict(w, r, err.Error())
	case errors.Is(err, routing.ErrTooManyWaypoints):
		response.Conflict(w, r, err.Error())
	case errors.Is(err, routing.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		response.GatewayTimeout(w, r, "routing provider did not answer in time; the displayed route is unchanged")
	case errors.Is(err, routing.ErrProviderUnavailable), errors.Is(err, geocoding.ErrProviderUnavailable):
		response.ServiceUnavailable(w, r, "provider unavailable; the displayed route is unchanged")
	case errors.Is(err, routing.ErrNoRouteFound):
		response.Error(w, r, models.NewNoRoute(middleware.GetRequestID(r.Context()), err.Error()))
	case errors.Is(err, session.ErrNoGeocoder):
		response.ServiceUnavailable(w, r, err.Error())
	case errors.Is(err, session.ErrClosed):
		response.NotFound(w, r, "session not found")
	default:
		logger.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("unhandled error")
		response.InternalError(w, r, "an unexpected error occurred")
	}
}
