// Package session couples a stop list with route computation. It schedules
// generation-tagged route and optimize tasks, drops results computed from an
// outdated stop list, and hands accepted results to a Renderer.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
)

// Session errors.
var (
	// ErrSuperseded indicates a result was dropped because a newer task
	// replaced it or the stop list changed before it arrived.
	ErrSuperseded = errors.New("result superseded by a newer stop list")
	// ErrSessionNotFound indicates an unknown or expired session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoGeocoder indicates address lookup is not configured.
	ErrNoGeocoder = errors.New("address lookup is not configured")
	// ErrEmptyEdit indicates an edit that changes nothing.
	ErrEmptyEdit = errors.New("edit has no fields set")
	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("session closed")
)

// Planner computes routes for snapshots. *optimizer.Optimizer satisfies it.
type Planner interface {
	Optimize(ctx context.Context, snap stops.Snapshot) (*optimizer.RouteResult, error)
	Route(ctx context.Context, snap stops.Snapshot) (*optimizer.RouteResult, error)
}

// Renderer displays the accepted route. Calls are made while the session
// lock is held and must not block or call back into the session.
//
// Invalidate reports that the stop list changed under the displayed route;
// generation is the stop list's new generation. The route stays on display,
// marked outdated, until Show or Clear replaces it.
type Renderer interface {
	Show(result *optimizer.RouteResult)
	Invalidate(generation uint64)
	Clear()
}

// Notifier is implemented by renderers that also surface notices.
type Notifier interface {
	Notify(notice Notice)
}

// Geocoder resolves addresses. *geocoding.Service satisfies it.
type Geocoder interface {
	Resolve(ctx context.Context, query string) (*geocoding.Place, error)
}

// Trigger decides what a mutation recomputes automatically.
type Trigger string

const (
	// TriggerRoute redraws the current order after each mutation.
	TriggerRoute Trigger = "route"
	// TriggerOptimize re-optimizes after each mutation.
	TriggerOptimize Trigger = "optimize"
	// TriggerManual recomputes only on explicit request.
	TriggerManual Trigger = "manual"
)

// ParseTrigger parses a trigger policy name. Empty means TriggerRoute.
func ParseTrigger(s string) (Trigger, error) {
	switch Trigger(s) {
	case "":
		return TriggerRoute, nil
	case TriggerRoute, TriggerOptimize, TriggerManual:
		return Trigger(s), nil
	}
	return "", fmt.Errorf("unknown trigger policy %q", s)
}

// Notice codes.
const (
	NoticeGeocodeNotFound     = "geocode_not_found"
	NoticeGeocodeFailed       = "geocode_failed"
	NoticeProviderUnavailable = "provider_unavailable"
	NoticeProviderTimeout     = "provider_timeout"
	NoticeProviderError       = "provider_error"
	NoticeInvalidPermutation  = "invalid_permutation"
	NoticeInsufficientStops   = "insufficient_stops"
	NoticeDegraded            = "degraded_route"
)

// Notice is a user-facing message about the last thing that went wrong or
// was approximated.
type Notice struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

// Outcome is the result of a synchronous Optimize or Route call.
type Outcome struct {
	Result  *optimizer.RouteResult
	Applied bool
}

// Edit changes one or both editable fields of a stop.
type Edit struct {
	Label      *string
	Coordinate *routing.Coordinate
}

// View is a consistent read of a session.
type View struct {
	ID           string                 `json:"id"`
	Trigger      Trigger                `json:"trigger"`
	Generation   uint64                 `json:"generation"`
	Stops        []stops.Stop           `json:"stops"`
	Route        *optimizer.RouteResult `json:"route,omitempty"`
	RouteCurrent bool                   `json:"routeCurrent"`
	Pending      bool                   `json:"pending"`
	PendingKind  optimizer.Kind         `json:"pendingKind,omitempty"`
	Notice       *Notice                `json:"notice,omitempty"`
	LastActive   time.Time              `json:"lastActive"`
}

// ClusteredStop is a stop with the index of its cluster.
type ClusteredStop struct {
	stops.Stop
	Cluster int `json:"cluster"`
}

// Clusters groups the stops of one generation. Centers[c] is the mean
// coordinate of cluster c.
type Clusters struct {
	Generation uint64               `json:"generation"`
	K          int                  `json:"k"`
	Stops      []ClusteredStop      `json:"stops"`
	Centers    []routing.Coordinate `json:"centers"`
}
