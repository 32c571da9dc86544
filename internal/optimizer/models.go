// Package optimizer turns a stop snapshot into a RouteResult, either by
// delegating the visiting order to a routing provider or, when the provider
// fails, with a local heuristic.
package optimizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/routing"
)

// ErrInsufficientStops is reported when fewer than two stops are submitted.
// Optimize and Route do not return it; callers use it as a notice code for
// the empty result.
var ErrInsufficientStops = errors.New("at least 2 stops are required")

// Kind tells which request produced a result.
type Kind string

const (
	KindOptimize Kind = "optimize"
	KindRoute    Kind = "route"
)

// Fallback selects the strategy used when the provider fails.
type Fallback string

const (
	// FallbackNone returns the provider error.
	FallbackNone Fallback = "none"
	// FallbackIdentity keeps the submitted order.
	FallbackIdentity Fallback = "identity"
	// FallbackNearestNeighbor orders greedily by straight-line distance and
	// improves the order with 2-opt.
	FallbackNearestNeighbor Fallback = "nearest_neighbor"
)

// ParseFallback parses a fallback strategy name.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case FallbackNone, FallbackIdentity, FallbackNearestNeighbor:
		return Fallback(s), nil
	case "":
		return FallbackIdentity, nil
	}
	return "", fmt.Errorf("unknown fallback strategy %q", s)
}

// Degraded reasons.
const (
	ReasonProviderTimeout     = "provider_timeout"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonInvalidVisitOrder   = "invalid_visit_order"
	ReasonProviderError       = "provider_error"
)

// Defaults.
const (
	DefaultTimeout          = 15 * time.Second
	DefaultFallbackSpeedKmh = 30.0
)

// Config configures an Optimizer.
type Config struct {
	Provider routing.Provider
	Profile  routing.RouteProfile

	// PinLast keeps the last stop as the destination when optimizing.
	PinLast bool

	Fallback         Fallback
	FallbackSpeedKmh float64
	Timeout          time.Duration
	Logger           zerolog.Logger
}

// RouteResult is a route derived from exactly one snapshot. It is never
// mutated once returned; use WithGeneration to retag a copy.
type RouteResult struct {
	Generation           uint64                `json:"generation"`
	Kind                 Kind                  `json:"kind"`
	OrderedStopIDs       []string              `json:"orderedStopIds"`
	TotalDistanceMeters  float64               `json:"totalDistanceMeters"`
	TotalDurationSeconds float64               `json:"totalDurationSeconds"`
	Geometry             []routing.Coordinate  `json:"geometry"`
	Instructions         []routing.Instruction `json:"instructions"`
	Summary              string                `json:"summary,omitempty"`
	Degraded             bool                  `json:"degraded"`
	DegradedReason       string                `json:"degradedReason,omitempty"`
	Provider             string                `json:"provider,omitempty"`
	ComputedAt           time.Time             `json:"computedAt"`
}

// Empty reports whether the result carries no route, which is the case for
// fewer than two stops.
func (r *RouteResult) Empty() bool {
	return len(r.OrderedStopIDs) < 2
}

// WithGeneration returns a copy tagged with gen. Slices are shared since
// results are immutable.
func (r *RouteResult) WithGeneration(gen uint64) *RouteResult {
	cpy := *r
	cpy.Generation = gen
	return &cpy
}
