// Package routing defines the routing provider contract used to draw routes
// through an ordered list of waypoints and to solve visiting orders with
// pinned endpoints.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for routing operations.
var (
	// ErrProviderUnavailable indicates the routing provider is down or the circuit breaker is open.
	ErrProviderUnavailable = errors.New("routing provider unavailable")
	// ErrProviderTimeout indicates the provider did not answer within the request deadline.
	ErrProviderTimeout = errors.New("routing provider timed out")
	// ErrNoRouteFound indicates no valid route exists between the given points.
	ErrNoRouteFound = errors.New("no route found between the given points")
	// ErrRateLimitExceeded indicates the API quota has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidCoordinates indicates the provided coordinates are invalid or out of range.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	// ErrTooManyWaypoints indicates the request exceeds the provider's waypoint limit.
	ErrTooManyWaypoints = errors.New("too many waypoints")
	// ErrInvalidVisitOrder indicates a trip solution that is not a valid permutation
	// or moved a pinned endpoint.
	ErrInvalidVisitOrder = errors.New("invalid visit order")
)

// Provider defines the interface for routing providers.
type Provider interface {
	// Route computes the path through the waypoints in the given order.
	Route(ctx context.Context, req RouteRequest) (*Route, error)
	// SolveTrip computes a visiting order. The first waypoint is always the
	// start; the last one is the end when req.FixedEnd is set.
	SolveTrip(ctx context.Context, req TripRequest) (*Trip, error)
	// Name returns the provider identifier for logging and metrics.
	Name() string
	// SupportedProfiles returns the list of route profiles this provider supports.
	SupportedProfiles() []RouteProfile
}

// RouteProfile represents a routing profile (mode of transport).
type RouteProfile string

const (
	ProfileDriving RouteProfile = "driving-car"
	ProfileCycling RouteProfile = "cycling-regular"
	ProfileWalking RouteProfile = "foot-walking"
)

// ParseProfile maps user input onto a profile. Common aliases are accepted.
func ParseProfile(s string) (RouteProfile, error) {
	switch s {
	case "", "driving", "car", string(ProfileDriving):
		return ProfileDriving, nil
	case "cycling", "bike", string(ProfileCycling):
		return ProfileCycling, nil
	case "walking", "foot", string(ProfileWalking):
		return ProfileWalking, nil
	}
	return "", fmt.Errorf("unknown route profile %q", s)
}

// Coordinate represents a geographic point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RouteRequest asks for a path through Waypoints in order.
type RouteRequest struct {
	Waypoints []Coordinate
	Profile   RouteProfile
}

// TripRequest asks for a visiting order over Waypoints.
type TripRequest struct {
	Waypoints []Coordinate
	Profile   RouteProfile
	FixedEnd  bool // pin the last waypoint as the destination
}

// Trip is a solved visiting order.
type Trip struct {
	// VisitOrder lists input indices in visiting order.
	VisitOrder []int
	// Route is the path for VisitOrder. Instructions may be empty when the
	// solver does not produce them.
	Route     *Route
	Provider  string
	FetchedAt time.Time
}

// Route represents a computed path.
type Route struct {
	GeometryPolyline string       // Encoded polyline (precision 5)
	Geometry         []Coordinate // Decoded GeometryPolyline
	DistanceMeters   float64
	DurationSeconds  float64
	Summary          string
	BoundingBox      *BoundingBox
	Instructions     []Instruction
	Provider         string
	FetchedAt        time.Time
}

// BoundingBox represents a geographic bounding box.
type BoundingBox struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// Maneuver is a provider-neutral instruction kind.
type Maneuver string

const (
	ManeuverDepart          Maneuver = "depart"
	ManeuverArrive          Maneuver = "arrive"
	ManeuverStraight        Maneuver = "straight"
	ManeuverTurnLeft        Maneuver = "turn-left"
	ManeuverTurnRight       Maneuver = "turn-right"
	ManeuverSharpLeft       Maneuver = "sharp-left"
	ManeuverSharpRight      Maneuver = "sharp-right"
	ManeuverSlightLeft      Maneuver = "slight-left"
	ManeuverSlightRight     Maneuver = "slight-right"
	ManeuverKeepLeft        Maneuver = "keep-left"
	ManeuverKeepRight       Maneuver = "keep-right"
	ManeuverUTurn           Maneuver = "u-turn"
	ManeuverRoundaboutEnter Maneuver = "roundabout-enter"
	ManeuverRoundaboutExit  Maneuver = "roundabout-exit"
	ManeuverOther           Maneuver = "other"
)

// Instruction represents a turn-by-turn instruction.
type Instruction struct {
	Text           string      `json:"text"`
	DistanceMeters float64     `json:"distanceMeters"`
	DurationSecs   float64     `json:"durationSeconds"`
	Maneuver       Maneuver    `json:"maneuver"`
	Location       *Coordinate `json:"location,omitempty"`
}

// Error provides detailed error information from the routing provider.
type Error struct {
	Provider string // Provider that generated the error
	Code     string // Error code from the provider
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the request can be retried.
func (e *Error) IsRetryable() bool {
	return errors.Is(e.Err, ErrProviderUnavailable) ||
		errors.Is(e.Err, ErrRateLimitExceeded) ||
		errors.Is(e.Err, ErrProviderTimeout)
}

// ValidateCoordinate checks that c is finite and within WGS84 ranges.
func ValidateCoordinate(c Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinate is not finite", ErrInvalidCoordinates)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range [-90, 90]", ErrInvalidCoordinates, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range [-180, 180]", ErrInvalidCoordinates, c.Lon)
	}
	return nil
}

// ValidateWaypoints validates every waypoint and the minimum count of two.
func ValidateWaypoints(waypoints []Coordinate) error {
	if len(waypoints) < 2 {
		return fmt.Errorf("%w: at least 2 waypoints required, got %d", ErrInvalidCoordinates, len(waypoints))
	}
	for i, wp := range waypoints {
		if err := ValidateCoordinate(wp); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	return nil
}

// ValidateVisitOrder checks that order is a permutation of [0, n) that starts
// at 0 and, when fixedEnd is set, ends at n-1.
func ValidateVisitOrder(order []int, n int, fixedEnd bool) error {
	if len(order) != n {
		return fmt.Errorf("%w: expected %d entries, got %d", ErrInvalidVisitOrder, n, len(order))
	}
	if n == 0 {
		return nil
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range", ErrInvalidVisitOrder, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d repeated", ErrInvalidVisitOrder, idx)
		}
		seen[idx] = true
	}
	if order[0] != 0 {
		return fmt.Errorf("%w: start moved to position of %d", ErrInvalidVisitOrder, order[0])
	}
	if fixedEnd && order[n-1] != n-1 {
		return fmt.Errorf("%w: end moved to position of %d", ErrInvalidVisitOrder, order[n-1])
	}
	return nil
}

// Reorder returns waypoints arranged by order. order must be valid.
func Reorder(waypoints []Coordinate, order []int) []Coordinate {
	out := make([]Coordinate, len(order))
	for i, idx := range order {
		out[i] = waypoints[idx]
	}
	return out
}

// IdentityOrder returns [0, 1, ..., n-1].
func IdentityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}
