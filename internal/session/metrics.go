package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/stopwise/stopwise/internal/session"

// Task outcomes recorded as the "outcome" attribute.
const (
	outcomeApplied  = "applied"
	outcomeStale    = "stale"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

// Metrics holds session instruments. A nil *Metrics records nothing.
type Metrics struct {
	taskDuration   metric.Float64Histogram
	taskTotal      metric.Int64Counter
	degradedTotal  metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
}

// NewMetrics creates the session instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	taskDuration, err := meter.Float64Histogram(
		"session.task.duration",
		metric.WithDescription("Duration of route and optimize tasks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	taskTotal, err := meter.Int64Counter(
		"session.task.total",
		metric.WithDescription("Route and optimize tasks by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	degradedTotal, err := meter.Int64Counter(
		"session.route.degraded.total",
		metric.WithDescription("Accepted routes computed by a local fallback"),
		metric.WithUnit("{route}"),
	)
	if err != nil {
		return nil, err
	}

	activeSessions, err := meter.Int64UpDownCounter(
		"session.active",
		metric.WithDescription("Number of live sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		taskDuration:   taskDuration,
		taskTotal:      taskTotal,
		degradedTotal:  degradedTotal,
		activeSessions: activeSessions,
	}, nil
}

func (m *Metrics) recordTask(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.taskDuration.Record(context.Background(), d.Seconds(), attrs)
	m.taskTotal.Add(context.Background(), 1, attrs)
}

func (m *Metrics) recordDegraded(reason string) {
	if m == nil {
		return
	}
	m.degradedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Add(context.Background(), 1)
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Add(context.Background(), -1)
}
