// Package osrm provides a routing provider backed by an OSRM server's
// route and trip services.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/pkg/polyline"
)

const (
	// ProviderName identifies this routing provider.
	ProviderName = "osrm"

	// DefaultBaseURL is the public OSRM demo server.
	DefaultBaseURL = "https://router.project-osrm.org"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxWaypoints is the coordinate limit of the public server.
	DefaultMaxWaypoints = 80
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the OSRM client.
type ClientConfig struct {
	BaseURL      string
	HTTPClient   HTTPDoer
	Timeout      time.Duration
	MaxWaypoints int
	Registry     *resilience.Registry
	Logger       zerolog.Logger
}

// Client is an OSRM HTTP API client.
type Client struct {
	baseURL      string
	httpClient   HTTPDoer
	maxWaypoints int
	logger       zerolog.Logger
}

var _ routing.Provider = (*Client)(nil)

// NewClient creates a new OSRM client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	maxWaypoints := cfg.MaxWaypoints
	if maxWaypoints == 0 {
		maxWaypoints = DefaultMaxWaypoints
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		clientCfg.Registry = cfg.Registry
		clientCfg.Logger = cfg.Logger
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		maxWaypoints: maxWaypoints,
		logger:       cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// SupportedProfiles returns the supported routing profiles.
func (c *Client) SupportedProfiles() []routing.RouteProfile {
	return []routing.RouteProfile{
		routing.ProfileDriving,
		routing.ProfileCycling,
		routing.ProfileWalking,
	}
}

// Route retrieves the path through the waypoints in order.
func (c *Client) Route(ctx context.Context, req routing.RouteRequest) (*routing.Route, error) {
	if err := c.checkWaypoints(req.Waypoints); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	q.Set("steps", "true")

	resp, err := c.get(ctx, "route", req.Profile, req.Waypoints, q)
	if err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     codeNoRoute,
			Message:  "route response contained no routes",
			Err:      routing.ErrNoRouteFound,
		}
	}

	return toRoute(&resp.Routes[0]), nil
}

// SolveTrip orders the waypoints with the OSRM trip service.
//
// OSRM only supports a one-way trip with both ends pinned. For an open end
// the trip is solved as a round trip from the first waypoint and the return
// leg is discarded, so Trip.Route is left nil for the caller to re-route.
func (c *Client) SolveTrip(ctx context.Context, req routing.TripRequest) (*routing.Trip, error) {
	if err := c.checkWaypoints(req.Waypoints); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("source", "first")
	if req.FixedEnd {
		q.Set("destination", "last")
		q.Set("roundtrip", "false")
	} else {
		q.Set("roundtrip", "true")
	}
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	q.Set("steps", "true")

	resp, err := c.get(ctx, "trip", req.Profile, req.Waypoints, q)
	if err != nil {
		return nil, err
	}

	n := len(req.Waypoints)
	if len(resp.Trips) != 1 || len(resp.Waypoints) != n {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     codeNoTrips,
			Message:  fmt.Sprintf("expected 1 trip over %d waypoints, got %d trips and %d waypoints", n, len(resp.Trips), len(resp.Waypoints)),
			Err:      routing.ErrNoRouteFound,
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = -1
	}
	for input, wp := range resp.Waypoints {
		if wp.WaypointIndex < 0 || wp.WaypointIndex >= n || order[wp.WaypointIndex] != -1 {
			return nil, &routing.Error{
				Provider: ProviderName,
				Code:     "INVALID_VISIT_ORDER",
				Message:  "trip waypoint indices are not a permutation",
				Err:      routing.ErrInvalidVisitOrder,
			}
		}
		order[wp.WaypointIndex] = input
	}

	if err := routing.ValidateVisitOrder(order, n, req.FixedEnd); err != nil {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "INVALID_VISIT_ORDER",
			Message:  "trip did not keep the pinned endpoints",
			Err:      err,
		}
	}

	trip := &routing.Trip{
		VisitOrder: order,
		Provider:   ProviderName,
		FetchedAt:  time.Now(),
	}
	if req.FixedEnd {
		trip.Route = toRoute(&resp.Trips[0])
	}

	c.logger.Debug().
		Ints("visit_order", order).
		Bool("fixed_end", req.FixedEnd).
		Msg("received trip from OSRM")

	return trip, nil
}

func (c *Client) checkWaypoints(waypoints []routing.Coordinate) error {
	if err := routing.ValidateWaypoints(waypoints); err != nil {
		return &routing.Error{
			Provider: ProviderName,
			Code:     "INVALID_WAYPOINTS",
			Message:  "invalid waypoints",
			Err:      err,
		}
	}
	if len(waypoints) > c.maxWaypoints {
		return &routing.Error{
			Provider: ProviderName,
			Code:     codeTooBig,
			Message:  fmt.Sprintf("%d waypoints exceed the limit of %d", len(waypoints), c.maxWaypoints),
			Err:      routing.ErrTooManyWaypoints,
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, service string, profile routing.RouteProfile, waypoints []routing.Coordinate, q url.Values) (*response, error) {
	coords := make([]string, len(waypoints))
	for i, wp := range waypoints {
		coords[i] = fmt.Sprintf("%.6f,%.6f", wp.Lon, wp.Lat)
	}

	queryURL := fmt.Sprintf("%s/%s/v1/%s/%s?%s",
		c.baseURL, service, osrmProfile(profile), strings.Join(coords, ";"), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("service", service).
		Str("profile", string(profile)).
		Int("waypoints", len(waypoints)).
		Msg("requesting OSRM")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "REQUEST_FAILED",
			Message:  "failed to reach routing provider",
			Err:      fmt.Errorf("%w: %w", routing.ErrProviderUnavailable, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var out response
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK || out.Code != codeOK {
		return nil, mapError(resp.StatusCode, out.Code, out.Message)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding response: %w", decodeErr)
	}
	return &out, nil
}

func mapError(status int, code, message string) error {
	if message == "" {
		message = fmt.Sprintf("OSRM returned status %d", status)
	}

	e := &routing.Error{Provider: ProviderName, Code: code, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code = "RATE_LIMIT"
		e.Err = routing.ErrRateLimitExceeded
	case status >= 500:
		e.Code = fmt.Sprintf("SERVER_%d", status)
		e.Err = routing.ErrProviderUnavailable
	case code == codeNoRoute, code == codeNoTrips, code == codeNoSegment:
		e.Err = routing.ErrNoRouteFound
	case code == codeTooBig:
		e.Err = routing.ErrTooManyWaypoints
	case code == codeInvalidQuery, code == codeInvalidValue:
		e.Err = routing.ErrInvalidCoordinates
	default:
		if e.Code == "" {
			e.Code = fmt.Sprintf("HTTP_%d", status)
		}
		e.Err = routing.ErrProviderUnavailable
	}
	return e
}

// osrmProfile maps to the profile names served by osrm-backend.
func osrmProfile(p routing.RouteProfile) string {
	switch p {
	case routing.ProfileCycling:
		return "cycling"
	case routing.ProfileWalking:
		return "foot"
	default:
		return "driving"
	}
}

func toRoute(r *route) *routing.Route {
	geometry := polyline.Decode(r.Geometry)

	out := &routing.Route{
		GeometryPolyline: r.Geometry,
		DistanceMeters:   r.Distance,
		DurationSeconds:  r.Duration,
		Provider:         ProviderName,
		FetchedAt:        time.Now(),
	}
	if len(geometry) > 0 {
		out.Geometry = make([]routing.Coordinate, len(geometry))
		for i, p := range geometry {
			out.Geometry[i] = routing.Coordinate{Lat: p.Lat, Lon: p.Lon}
		}
		if sw, ne, ok := polyline.Bounds(geometry); ok {
			out.BoundingBox = &routing.BoundingBox{MinLon: sw.Lon, MinLat: sw.Lat, MaxLon: ne.Lon, MaxLat: ne.Lat}
		}
	}

	var summaries []string
	for li := range r.Legs {
		l := &r.Legs[li]
		if l.Summary != "" {
			summaries = append(summaries, l.Summary)
		}
		for si := range l.Steps {
			s := &l.Steps[si]
			// Each leg after the first restarts with a depart at the stop
			// just arrived at.
			if s.Maneuver.Type == "depart" && li > 0 {
				continue
			}
			inst := routing.Instruction{
				Text:           instructionText(s, li == len(r.Legs)-1),
				DistanceMeters: s.Distance,
				DurationSecs:   s.Duration,
				Maneuver:       toManeuver(s.Maneuver),
			}
			if len(s.Maneuver.Location) == 2 {
				inst.Location = &routing.Coordinate{Lat: s.Maneuver.Location[1], Lon: s.Maneuver.Location[0]}
			}
			out.Instructions = append(out.Instructions, inst)
		}
	}
	if len(summaries) > 0 {
		out.Summary = "via " + strings.Join(summaries, ", ")
	}

	return out
}
