package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/stopwise/stopwise/internal/api/middleware"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracing_NamesSpanByRoute(t *testing.T) {
	sr := installRecorder(t)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing("stopwise-api"))
	r.Get("/v1/sessions/{sessionId}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/ses_9/events?access_token=secret", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/sessions/{sessionId}/events", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "/v1/sessions/{sessionId}/events", attrs["http.route"].AsString())
	assert.Equal(t, "ses_9", attrs["session.id"].AsString())
	assert.Equal(t, int64(404), attrs["http.response.status_code"].AsInt64())
	assert.Contains(t, attrs["request.id"].AsString(), "req_")
	assert.Equal(t, "stopwise-api", attrs["service.name"].AsString())

	for k, v := range attrs {
		assert.NotContains(t, v.Emit(), "secret", "attribute %s leaks the token", k)
	}
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestTracing_ContinuesIncomingTrace(t *testing.T) {
	sr := installRecorder(t)

	handler := middleware.Tracing("stopwise-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "b7ad6b7169203331", spans[0].Parent().SpanID().String())
	// Without a router the span keeps the raw path.
	assert.Equal(t, "GET /v1/ops/health", spans[0].Name())
}

func TestTracing_ServerErrorMarksSpan(t *testing.T) {
	sr := installRecorder(t)

	handler := middleware.Tracing("stopwise-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/sessions/ses_1/route", http.NoBody))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "Bad Gateway", spans[0].Status().Description)
}
