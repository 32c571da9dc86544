package openrouteservice

import (
	"context"
	"fmt"
	"time"

	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/pkg/polyline"
)

const vehicleID = 1

// SolveTrip orders the waypoints with the ORS optimization endpoint.
//
// The first waypoint becomes the vehicle start and, when req.FixedEnd is set,
// the last one its end. Every other waypoint is a job whose id is its input
// index, so the job sequence of the single route is the visit order.
// The optimization response has no turn-by-turn instructions.
func (c *Client) SolveTrip(ctx context.Context, req routing.TripRequest) (*routing.Trip, error) {
	if err := c.checkWaypoints(req.Waypoints); err != nil {
		return nil, err
	}

	n := len(req.Waypoints)
	profile := req.Profile
	if profile == "" {
		profile = routing.ProfileDriving
	}

	lastJob := n - 1
	if req.FixedEnd {
		lastJob = n - 2
	}

	body := optimizationRequest{
		Vehicles: []vehicle{{
			ID:      vehicleID,
			Profile: string(profile),
			Start:   lonLat(req.Waypoints[0]),
		}},
		Options: &optimizationOption{Geometry: true},
	}
	if req.FixedEnd {
		body.Vehicles[0].End = lonLat(req.Waypoints[n-1])
	}
	for i := 1; i <= lastJob; i++ {
		body.Jobs = append(body.Jobs, job{ID: i, Location: lonLat(req.Waypoints[i])})
	}

	c.logger.Debug().
		Str("profile", string(profile)).
		Int("jobs", len(body.Jobs)).
		Bool("fixed_end", req.FixedEnd).
		Msg("requesting optimization from ORS")

	var resp optimizationResponse
	if err := c.post(ctx, "/optimization", body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Unassigned) > 0 {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "UNASSIGNED",
			Message:  fmt.Sprintf("%d waypoints could not be reached", len(resp.Unassigned)),
			Err:      routing.ErrNoRouteFound,
		}
	}
	if len(resp.Routes) == 0 {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "NO_ROUTE",
			Message:  "optimization response contained no routes",
			Err:      routing.ErrNoRouteFound,
		}
	}

	r := resp.Routes[0]
	order := make([]int, 0, n)
	order = append(order, 0)
	for _, step := range r.Steps {
		if step.Type == "job" {
			order = append(order, step.ID)
		}
	}
	if req.FixedEnd {
		order = append(order, n-1)
	}

	if err := routing.ValidateVisitOrder(order, n, req.FixedEnd); err != nil {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "INVALID_VISIT_ORDER",
			Message:  "optimization returned an inconsistent job sequence",
			Err:      err,
		}
	}

	geometry := polyline.Decode(r.Geometry)
	now := time.Now()

	c.logger.Debug().
		Ints("visit_order", order).
		Float64("distance_m", r.Distance).
		Msg("received optimization from ORS")

	return &routing.Trip{
		VisitOrder: order,
		Route: &routing.Route{
			GeometryPolyline: r.Geometry,
			Geometry:         fromPolyline(geometry),
			DistanceMeters:   r.Distance,
			DurationSeconds:  r.Duration,
			BoundingBox:      boundingBox(nil, geometry),
			Provider:         ProviderName,
			FetchedAt:        now,
		},
		Provider:  ProviderName,
		FetchedAt: now,
	}, nil
}
