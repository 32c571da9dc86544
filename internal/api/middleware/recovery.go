package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/models"
)

// Recovery turns a handler panic into a logged 500 problem. A panic with
// http.ErrAbortHandler is re-raised so net/http aborts the response as
// intended, and nothing is written once a WebSocket has been hijacked.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStatusWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				event := log.Error().
					Str("request_id", requestID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack())
				if id := chi.URLParam(r, SessionIDParam); id != "" {
					event = event.Str("session_id", id)
				}
				event.Msg("panic recovered")

				if sw.hijacked {
					return
				}
				problem := models.NewInternalError(requestID, "an unexpected error occurred")
				problem.Instance = r.URL.Path
				problem.Write(sw)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
