package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/stopwise/stopwise/internal/api/middleware"

// Metrics records HTTP server instruments.
type Metrics struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	size     metric.Int64Histogram
}

// NewMetrics creates HTTP instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

// NewMetricsFrom creates HTTP instruments on mp.
func NewMetricsFrom(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var (
		m   Metrics
		err error
	)

	if m.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.total, err = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("HTTP server requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter("http.server.requests_in_flight",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.size, err = meter.Int64Histogram("http.server.response.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Middleware records one observation per request. Requests are labelled
// with the matched chi route pattern so session and stop IDs do not
// become label values.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			method := attribute.String("http.method", r.Method)

			m.inFlight.Add(r.Context(), 1, metric.WithAttributes(method))
			defer m.inFlight.Add(r.Context(), -1, metric.WithAttributes(method))

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			attrs := metric.WithAttributes(
				method,
				attribute.String("http.route", routePattern(r)),
				attribute.String("http.status_code", strconv.Itoa(sw.statusCode)),
				attribute.Bool("error", sw.statusCode >= 400),
			)
			m.duration.Record(r.Context(), time.Since(start).Seconds(), attrs)
			m.total.Add(r.Context(), 1, attrs)
			m.size.Record(r.Context(), sw.written, attrs)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// ProviderMetrics records calls to routing providers and the route cache
// in front of them.
type ProviderMetrics struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
	cache    metric.Int64Counter
}

// NewProviderMetrics creates provider instruments on the global meter
// provider.
func NewProviderMetrics() (*ProviderMetrics, error) {
	return NewProviderMetricsFrom(otel.GetMeterProvider())
}

// NewProviderMetricsFrom creates provider instruments on mp.
func NewProviderMetricsFrom(mp metric.MeterProvider) (*ProviderMetrics, error) {
	meter := mp.Meter(meterName)
	var (
		m   ProviderMetrics
		err error
	)

	if m.duration, err = meter.Float64Histogram("provider.request.duration",
		metric.WithDescription("Duration of provider requests"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.total, err = meter.Int64Counter("provider.request.total",
		metric.WithDescription("Provider requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.cache, err = meter.Int64Counter("provider.cache.lookups",
		metric.WithDescription("Route cache lookups by result"),
		metric.WithUnit("{lookup}")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRequest records one provider call.
func (m *ProviderMetrics) RecordRequest(provider, operation string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("provider.operation", operation),
		attribute.Bool("error", err != nil),
	)
	// Provider calls often end with a canceled request context.
	ctx := context.Background()
	m.duration.Record(ctx, duration.Seconds(), attrs)
	m.total.Add(ctx, 1, attrs)
}

// RecordCacheHit records a route cache hit.
func (m *ProviderMetrics) RecordCacheHit(provider, operation string) {
	m.recordCache(provider, operation, "hit")
}

// RecordCacheMiss records a route cache miss.
func (m *ProviderMetrics) RecordCacheMiss(provider, operation string) {
	m.recordCache(provider, operation, "miss")
}

func (m *ProviderMetrics) recordCache(provider, operation, result string) {
	m.cache.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("provider.operation", operation),
		attribute.String("cache.result", result),
	))
}
