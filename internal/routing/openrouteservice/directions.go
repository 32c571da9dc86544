package openrouteservice

import (
	"context"
	"fmt"
	"time"

	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/pkg/polyline"
)

// Route retrieves the path through the waypoints in the given order.
func (c *Client) Route(ctx context.Context, req routing.RouteRequest) (*routing.Route, error) {
	if err := c.checkWaypoints(req.Waypoints); err != nil {
		return nil, err
	}

	profile := req.Profile
	if profile == "" {
		profile = routing.ProfileDriving
	}

	coords := make([][]float64, len(req.Waypoints))
	for i, wp := range req.Waypoints {
		coords[i] = lonLat(wp)
	}

	body := directionsRequest{
		Coordinates:  coords,
		Instructions: true,
		Geometry:     true,
		Units:        "m",
		Language:     "en",
	}

	c.logger.Debug().
		Str("profile", string(profile)).
		Int("waypoints", len(req.Waypoints)).
		Msg("requesting directions from ORS")

	var resp directionsResponse
	if err := c.post(ctx, fmt.Sprintf("/v2/directions/%s", profile), body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Routes) == 0 {
		return nil, &routing.Error{
			Provider: ProviderName,
			Code:     "NO_ROUTE",
			Message:  "directions response contained no routes",
			Err:      routing.ErrNoRouteFound,
		}
	}

	route := toRoute(&resp.Routes[0])

	c.logger.Debug().
		Float64("distance_m", route.DistanceMeters).
		Int("instructions", len(route.Instructions)).
		Msg("received directions from ORS")

	return route, nil
}

func toRoute(r *orsRoute) *routing.Route {
	geometry := polyline.Decode(r.Geometry)

	route := &routing.Route{
		GeometryPolyline: r.Geometry,
		Geometry:         fromPolyline(geometry),
		DistanceMeters:   r.Summary.Distance,
		DurationSeconds:  r.Summary.Duration,
		BoundingBox:      boundingBox(r.BBox, geometry),
		Provider:         ProviderName,
		FetchedAt:        time.Now(),
	}

	for i := range r.Segments {
		for _, step := range r.Segments[i].Steps {
			inst := routing.Instruction{
				Text:           step.Instruction,
				DistanceMeters: step.Distance,
				DurationSecs:   step.Duration,
				Maneuver:       maneuver(step.Type),
			}
			if len(step.WayPoints) > 0 && step.WayPoints[0] >= 0 && step.WayPoints[0] < len(geometry) {
				p := geometry[step.WayPoints[0]]
				inst.Location = &routing.Coordinate{Lat: p.Lat, Lon: p.Lon}
			}
			route.Instructions = append(route.Instructions, inst)
		}
	}

	route.Summary = generateRouteSummary(r.Segments)
	return route
}

// generateRouteSummary names the longest named stretch of the route.
func generateRouteSummary(segments []routeSegment) string {
	var best routeStep
	for i := range segments {
		for _, step := range segments[i].Steps {
			if step.Name == "" || step.Name == "-" {
				continue
			}
			if step.Distance > best.Distance {
				best = step
			}
		}
	}
	if best.Name == "" {
		return ""
	}
	return "via " + best.Name
}

// maneuver maps ORS instruction type codes.
func maneuver(orsType int) routing.Maneuver {
	switch orsType {
	case 0:
		return routing.ManeuverTurnLeft
	case 1:
		return routing.ManeuverTurnRight
	case 2:
		return routing.ManeuverSharpLeft
	case 3:
		return routing.ManeuverSharpRight
	case 4:
		return routing.ManeuverSlightLeft
	case 5:
		return routing.ManeuverSlightRight
	case 6:
		return routing.ManeuverStraight
	case 7:
		return routing.ManeuverRoundaboutEnter
	case 8:
		return routing.ManeuverRoundaboutExit
	case 9:
		return routing.ManeuverUTurn
	case 10:
		return routing.ManeuverArrive
	case 11:
		return routing.ManeuverDepart
	case 12:
		return routing.ManeuverKeepLeft
	case 13:
		return routing.ManeuverKeepRight
	default:
		return routing.ManeuverOther
	}
}

func fromPolyline(coords []polyline.Coordinate) []routing.Coordinate {
	if len(coords) == 0 {
		return nil
	}
	out := make([]routing.Coordinate, len(coords))
	for i, c := range coords {
		out[i] = routing.Coordinate{Lat: c.Lat, Lon: c.Lon}
	}
	return out
}

// boundingBox prefers the bbox ORS reports and falls back to the geometry.
func boundingBox(bbox []float64, geometry []polyline.Coordinate) *routing.BoundingBox {
	if len(bbox) >= 4 {
		return &routing.BoundingBox{MinLon: bbox[0], MinLat: bbox[1], MaxLon: bbox[2], MaxLat: bbox[3]}
	}
	sw, ne, ok := polyline.Bounds(geometry)
	if !ok {
		return nil
	}
	return &routing.BoundingBox{MinLon: sw.Lon, MinLat: sw.Lat, MaxLon: ne.Lon, MaxLat: ne.Lat}
}
