package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stopwise/stopwise/internal/api/middleware"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output: %s", buf.String())
	return entry
}

func TestLogger_SessionRoute(t *testing.T) {
	var buf bytes.Buffer

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(zerolog.New(&buf)))
	r.Post("/v1/sessions/{sessionId}/optimize", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"applied":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/ses_42/optimize?debug=1", http.NoBody)
	req.Header.Set("User-Agent", "stopwise-web")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entry := logLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "request completed", entry["message"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/v1/sessions/ses_42/optimize", entry["path"])
	assert.Equal(t, "/v1/sessions/{sessionId}/optimize", entry["route"])
	assert.Equal(t, "ses_42", entry["session_id"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, float64(len(`{"applied":true}`)), entry["bytes"])
	assert.Equal(t, "stopwise-web", entry["user_agent"])
	assert.Contains(t, entry["request_id"], "req_")
	assert.NotContains(t, entry, "trace_id")
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusAccepted, "info"},
		{http.StatusConflict, "warn"},
		{http.StatusTooManyRequests, "warn"},
		{http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			handler := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))

			entry := logLine(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, float64(tt.status), entry["status"])
		})
	}
}

func TestLogger_IncludesTraceContext(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	handler := middleware.Tracing("stopwise-test")(
		middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})),
	)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/v1/sessions/ses_1", http.NoBody))

	entry := logLine(t, &buf)
	assert.Len(t, entry["trace_id"], 32)
	assert.Len(t, entry["span_id"], 16)
}
