package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
)

// ErrTooManyPlans indicates a message with more plans than MaxPlans.
var ErrTooManyPlans = errors.New("too many plans in one job")

// Planner optimizes a snapshot. *optimizer.Optimizer satisfies it.
type Planner interface {
	Optimize(ctx context.Context, snap stops.Snapshot) (*optimizer.RouteResult, error)
}

// PlannerFactory returns a planner for a profile and end pinning.
type PlannerFactory func(profile routing.RouteProfile, pinLast bool) Planner

// OptimizerFactory builds optimizers from base, overriding the profile and
// end pinning per plan.
func OptimizerFactory(base optimizer.Config) PlannerFactory {
	return func(profile routing.RouteProfile, pinLast bool) Planner {
		cfg := base
		cfg.Profile = profile
		cfg.PinLast = pinLast
		return optimizer.New(cfg)
	}
}

// BatchJob optimizes the plans of a job with a bounded worker pool.
type BatchJob struct {
	config   BatchConfig
	planners PlannerFactory
	logger   zerolog.Logger
	metrics  *JobMetrics
}

// JobMetrics tracks batch statistics.
type JobMetrics struct {
	mu sync.RWMutex

	Jobs            int64
	PlansOptimized  int64
	PlansFailed     int64
	PlansDegraded   int64
	LastJobAt       time.Time
	LastJobDuration time.Duration
	TotalDuration   time.Duration
}

// BatchJobConfig holds configuration for creating a BatchJob.
type BatchJobConfig struct {
	Config   BatchConfig
	Planners PlannerFactory
	Logger   zerolog.Logger
}

// NewBatchJob creates a batch job processor.
func NewBatchJob(cfg BatchJobConfig) *BatchJob {
	return &BatchJob{
		config:   cfg.Config.withDefaults(),
		planners: cfg.Planners,
		logger:   cfg.Logger,
		metrics:  &JobMetrics{},
	}
}

// Run optimizes every plan of msg. Plan failures are reported per plan;
// results keep the input order.
func (j *BatchJob) Run(ctx context.Context, msg JobMessage) (*BatchResult, error) {
	if len(msg.Plans) > j.config.MaxPlans {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPlans, len(msg.Plans), j.config.MaxPlans)
	}

	result := &BatchResult{
		RequestID: msg.RequestID,
		StartedAt: time.Now(),
		Plans:     make([]PlanResult, len(msg.Plans)),
	}

	j.logger.Info().
		Str("request_id", msg.RequestID).
		Int("plans", len(msg.Plans)).
		Int("concurrency", j.config.Concurrency).
		Msg("starting batch optimization")

	type indexed struct {
		i    int
		plan PlanInput
	}

	work := make(chan indexed, len(msg.Plans))
	var wg sync.WaitGroup
	for w := 0; w < j.config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				// Each plan owns its slot.
				result.Plans[item.i] = j.optimizePlan(ctx, item.plan)
			}
		}()
	}

	for i, p := range msg.Plans {
		work <- indexed{i: i, plan: p}
	}
	close(work)
	wg.Wait()

	for _, pr := range result.Plans {
		if pr.Status == PlanStatusOK {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	result.FinishedAt = time.Now()
	duration := result.FinishedAt.Sub(result.StartedAt)
	result.DurationMs = duration.Milliseconds()

	j.updateMetrics(result, duration)

	j.logger.Info().
		Str("request_id", msg.RequestID).
		Dur("duration", duration).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("batch optimization completed")

	return result, nil
}

func (j *BatchJob) optimizePlan(ctx context.Context, plan PlanInput) PlanResult {
	out := PlanResult{PlanID: plan.PlanID, Status: PlanStatusFailed}

	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}

	profile, err := routing.ParseProfile(plan.Profile)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	pinLast := j.config.PinLast
	if plan.PinLast != nil {
		pinLast = *plan.PinLast
	}

	seed := make([]stops.Stop, len(plan.Stops))
	for i, st := range plan.Stops {
		seed[i] = stops.Stop{
			ID:         st.ID,
			Coordinate: routing.Coordinate{Lat: st.Lat, Lon: st.Lon},
			Label:      st.Label,
		}
	}
	store, err := stops.NewStoreFrom(seed)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	snap := store.Snapshot()

	planCtx, cancel := context.WithTimeout(ctx, j.config.PlanTimeout)
	defer cancel()

	res, err := j.planners(profile, pinLast).Optimize(planCtx, snap)
	if err != nil {
		j.logger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("plan optimization failed")
		out.Error = err.Error()
		return out
	}

	// Applying the order checks that it is a permutation of the plan's stops.
	if !res.Empty() {
		if _, err := store.ReplaceOrderAt(snap.Generation, res.OrderedStopIDs); err != nil {
			out.Error = err.Error()
			return out
		}
	}

	out.Status = PlanStatusOK
	out.OrderedStopIDs = store.Snapshot().IDs()
	out.TotalDistanceMeters = res.TotalDistanceMeters
	out.TotalDurationSeconds = res.TotalDurationSeconds
	out.Geometry = res.Geometry
	out.Degraded = res.Degraded
	out.DegradedReason = res.DegradedReason
	out.Provider = res.Provider
	return out
}

func (j *BatchJob) updateMetrics(result *BatchResult, duration time.Duration) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.Jobs++
	j.metrics.PlansOptimized += int64(result.Succeeded)
	j.metrics.PlansFailed += int64(result.Failed)
	for _, pr := range result.Plans {
		if pr.Degraded {
			j.metrics.PlansDegraded++
		}
	}
	j.metrics.LastJobAt = result.FinishedAt
	j.metrics.LastJobDuration = duration
	j.metrics.TotalDuration += duration
}

// GetMetrics returns a copy of the current metrics.
func (j *BatchJob) GetMetrics() JobMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return JobMetrics{
		Jobs:            j.metrics.Jobs,
		PlansOptimized:  j.metrics.PlansOptimized,
		PlansFailed:     j.metrics.PlansFailed,
		PlansDegraded:   j.metrics.PlansDegraded,
		LastJobAt:       j.metrics.LastJobAt,
		LastJobDuration: j.metrics.LastJobDuration,
		TotalDuration:   j.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns the current metrics as a map for the health
// endpoint.
func (j *BatchJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"jobs":              m.Jobs,
		"plans_optimized":   m.PlansOptimized,
		"plans_failed":      m.PlansFailed,
		"plans_degraded":    m.PlansDegraded,
		"last_job_at":       m.LastJobAt,
		"last_job_duration": m.LastJobDuration.String(),
		"total_duration":    m.TotalDuration.String(),
	}
}
