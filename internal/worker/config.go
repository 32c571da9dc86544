// Package worker runs batch stop-sequence optimization jobs delivered over
// Pub/Sub.
package worker

import (
	"time"

	"github.com/stopwise/stopwise/internal/routing"
)

// Job types.
const (
	JobOptimizeSequence = "optimize_sequence"
	JobHealthCheck      = "health_check"
)

// JobMessage is the payload of a job message.
type JobMessage struct {
	JobType   string      `json:"job_type"`
	RequestID string      `json:"request_id,omitempty"`
	Plans     []PlanInput `json:"plans,omitempty"`
}

// PlanInput is one stop sequence to optimize. The first stop is the start;
// the last one is the destination unless PinLast is false.
type PlanInput struct {
	PlanID  string      `json:"plan_id"`
	Profile string      `json:"profile,omitempty"`
	PinLast *bool       `json:"pin_last,omitempty"`
	Stops   []StopInput `json:"stops"`
}

// StopInput is a stop in a plan. An empty ID is assigned.
type StopInput struct {
	ID    string  `json:"id,omitempty"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label,omitempty"`
}

// Plan statuses.
const (
	PlanStatusOK     = "ok"
	PlanStatusFailed = "failed"
)

// PlanResult is the outcome of one plan.
type PlanResult struct {
	PlanID               string               `json:"plan_id"`
	Status               string               `json:"status"`
	OrderedStopIDs       []string             `json:"ordered_stop_ids,omitempty"`
	TotalDistanceMeters  float64              `json:"total_distance_meters,omitempty"`
	TotalDurationSeconds float64              `json:"total_duration_seconds,omitempty"`
	Geometry             []routing.Coordinate `json:"geometry,omitempty"`
	Degraded             bool                 `json:"degraded,omitempty"`
	DegradedReason       string               `json:"degraded_reason,omitempty"`
	Provider             string               `json:"provider,omitempty"`
	Error                string               `json:"error,omitempty"`
}

// BatchResult is published once per optimize_sequence job.
type BatchResult struct {
	RequestID  string       `json:"request_id,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	DurationMs int64        `json:"duration_ms"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Plans      []PlanResult `json:"plans"`
}

// BatchConfig holds configuration for batch optimization.
type BatchConfig struct {
	// Concurrency is the number of plans optimized at once.
	// Default: 4
	Concurrency int

	// PlanTimeout bounds each plan.
	// Default: 30 seconds
	PlanTimeout time.Duration

	// MaxPlans caps the plans accepted in one message.
	// Default: 100
	MaxPlans int

	// PinLast is used for plans that do not say.
	PinLast bool
}

// DefaultBatchConfig returns the default batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Concurrency: 4,
		PlanTimeout: 30 * time.Second,
		MaxPlans:    100,
		PinLast:     true,
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	def := DefaultBatchConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = def.PlanTimeout
	}
	if c.MaxPlans <= 0 {
		c.MaxPlans = def.MaxPlans
	}
	return c
}
