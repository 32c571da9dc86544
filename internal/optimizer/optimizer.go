package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
)

// Optimizer computes visiting orders and routes for stop snapshots. It never
// touches the store the snapshot came from.
type Optimizer struct {
	provider routing.Provider
	profile  routing.RouteProfile
	pinLast  bool
	fallback Fallback
	speedKmh float64
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates an Optimizer.
func New(cfg Config) *Optimizer {
	if cfg.Profile == "" {
		cfg.Profile = routing.ProfileDriving
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackIdentity
	}
	if cfg.FallbackSpeedKmh <= 0 {
		cfg.FallbackSpeedKmh = DefaultFallbackSpeedKmh
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Optimizer{
		provider: cfg.Provider,
		profile:  cfg.Profile,
		pinLast:  cfg.PinLast,
		fallback: cfg.Fallback,
		speedKmh: cfg.FallbackSpeedKmh,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// PinLast reports whether the last stop is held in place when optimizing.
func (o *Optimizer) PinLast() bool {
	return o.pinLast
}

// Optimize computes a visiting order for the snapshot. The first stop always
// stays first; the last stays last when PinLast is configured.
//
// With fewer than two stops the result is empty and the provider is not
// called. With exactly two the order is kept and only routed.
func (o *Optimizer) Optimize(ctx context.Context, snap stops.Snapshot) (*RouteResult, error) {
	if snap.Len() < 2 {
		return o.empty(snap, KindOptimize), nil
	}
	if snap.Len() == 2 {
		return o.route(ctx, snap, KindOptimize)
	}

	coords := snap.Coordinates()
	tripCtx, cancel := context.WithTimeout(ctx, o.timeout)
	trip, err := o.provider.SolveTrip(tripCtx, routing.TripRequest{
		Waypoints: coords,
		Profile:   o.profile,
		FixedEnd:  o.pinLast,
	})
	cancel()
	if err == nil {
		err = routing.ValidateVisitOrder(trip.VisitOrder, len(coords), o.pinLast)
	}
	if err != nil {
		return o.recover(ctx, snap, KindOptimize, err)
	}

	ordered := routing.Reorder(coords, trip.VisitOrder)
	rt := trip.Route
	if rt == nil || len(rt.Instructions) == 0 {
		// The follow-up gets its own budget; the trip may have used most of it.
		routeCtx, cancel := context.WithTimeout(ctx, o.timeout)
		full, routeErr := o.provider.Route(routeCtx, routing.RouteRequest{Waypoints: ordered, Profile: o.profile})
		cancel()
		switch {
		case routeErr == nil:
			rt = full
		case canceled(ctx) != nil:
			return nil, ctx.Err()
		case rt != nil:
			o.logger.Warn().Err(routeErr).Msg("follow-up route request failed, keeping trip geometry")
		default:
			o.logger.Warn().Err(routeErr).Msg("follow-up route request failed, drawing straight lines")
			res := o.straightLine(snap, trip.VisitOrder, KindOptimize)
			res.Degraded = true
			res.DegradedReason = reason(routeErr)
			return res, nil
		}
	}

	return o.fromRoute(snap, trip.VisitOrder, rt, KindOptimize), nil
}

// Route computes the route through the snapshot in its current order.
func (o *Optimizer) Route(ctx context.Context, snap stops.Snapshot) (*RouteResult, error) {
	if snap.Len() < 2 {
		return o.empty(snap, KindRoute), nil
	}
	return o.route(ctx, snap, KindRoute)
}

func (o *Optimizer) route(ctx context.Context, snap stops.Snapshot, kind Kind) (*RouteResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	rt, err := o.provider.Route(callCtx, routing.RouteRequest{
		Waypoints: snap.Coordinates(),
		Profile:   o.profile,
	})
	if err != nil {
		// Routing never reorders, so every fallback keeps the order here.
		return o.recoverInOrder(ctx, snap, kind, err)
	}
	return o.fromRoute(snap, routing.IdentityOrder(snap.Len()), rt, kind), nil
}

// recover applies the configured fallback after a failed optimize call.
func (o *Optimizer) recover(ctx context.Context, snap stops.Snapshot, kind Kind, cause error) (*RouteResult, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	cause = classify(cause)

	var order []int
	switch o.fallback {
	case FallbackNone:
		return nil, fmt.Errorf("optimizing %d stops: %w", snap.Len(), cause)
	case FallbackNearestNeighbor:
		order = nearestNeighbor(snap.Coordinates(), o.pinLast)
	default:
		order = routing.IdentityOrder(snap.Len())
	}

	o.logger.Warn().
		Err(cause).
		Str("fallback", string(o.fallback)).
		Int("stops", snap.Len()).
		Msg("routing provider failed, using degraded result")

	res := o.straightLine(snap, order, kind)
	res.Degraded = true
	res.DegradedReason = reason(cause)
	return res, nil
}

func (o *Optimizer) recoverInOrder(ctx context.Context, snap stops.Snapshot, kind Kind, cause error) (*RouteResult, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	cause = classify(cause)

	if o.fallback == FallbackNone {
		return nil, fmt.Errorf("routing %d stops: %w", snap.Len(), cause)
	}

	o.logger.Warn().
		Err(cause).
		Int("stops", snap.Len()).
		Msg("routing provider failed, drawing straight lines")

	res := o.straightLine(snap, routing.IdentityOrder(snap.Len()), kind)
	res.Degraded = true
	res.DegradedReason = reason(cause)
	return res, nil
}

func (o *Optimizer) empty(snap stops.Snapshot, kind Kind) *RouteResult {
	return &RouteResult{
		Generation:     snap.Generation,
		Kind:           kind,
		OrderedStopIDs: snap.IDs(),
		ComputedAt:     time.Now(),
	}
}

func (o *Optimizer) fromRoute(snap stops.Snapshot, order []int, rt *routing.Route, kind Kind) *RouteResult {
	return &RouteResult{
		Generation:           snap.Generation,
		Kind:                 kind,
		OrderedStopIDs:       orderedIDs(snap, order),
		TotalDistanceMeters:  max(0, rt.DistanceMeters),
		TotalDurationSeconds: max(0, rt.DurationSeconds),
		Geometry:             rt.Geometry,
		Instructions:         rt.Instructions,
		Summary:              rt.Summary,
		Provider:             rt.Provider,
		ComputedAt:           time.Now(),
	}
}

// orderedIDs maps visit order indices back to IDs of the same snapshot.
func orderedIDs(snap stops.Snapshot, order []int) []string {
	ids := make([]string, len(order))
	for i, idx := range order {
		ids[i] = snap.Stops[idx].ID
	}
	return ids
}

// canceled returns the parent context error when the caller gave up. A
// deadline on the parent is not a cancellation and still gets a fallback.
func canceled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return nil
}

// classify makes sure deadline errors from providers that do not map them
// match routing.ErrProviderTimeout, and quota errors match
// routing.ErrProviderUnavailable.
func classify(err error) error {
	switch {
	case errors.Is(err, routing.ErrProviderTimeout), errors.Is(err, routing.ErrProviderUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", routing.ErrProviderTimeout, err)
	case errors.Is(err, routing.ErrRateLimitExceeded):
		return fmt.Errorf("%w: %w", routing.ErrProviderUnavailable, err)
	}
	return err
}

func reason(err error) string {
	switch {
	case errors.Is(err, routing.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonProviderTimeout
	case errors.Is(err, routing.ErrProviderUnavailable), errors.Is(err, routing.ErrRateLimitExceeded):
		return ReasonProviderUnavailable
	case errors.Is(err, routing.ErrInvalidVisitOrder):
		return ReasonInvalidVisitOrder
	}
	return ReasonProviderError
}
