package optimizer

import (
	"fmt"
	"time"

	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/stops"
	"github.com/stopwise/stopwise/pkg/polyline"
)

const (
	twoOptEpsilon   = 1e-9
	twoOptMaxPasses = 100
)

func distance(a, b routing.Coordinate) float64 {
	return polyline.Distance(polyline.Coordinate{Lat: a.Lat, Lon: a.Lon}, polyline.Coordinate{Lat: b.Lat, Lon: b.Lon})
}

// nearestNeighbor builds a greedy order starting at index 0. When pinLast is
// set the last index is held back and appended at the end. Ties go to the
// lower index. The order is then improved with 2-opt.
func nearestNeighbor(coords []routing.Coordinate, pinLast bool) []int {
	n := len(coords)
	if n < 3 {
		return routing.IdentityOrder(n)
	}

	free := n
	if pinLast {
		free = n - 1
	}

	visited := make([]bool, n)
	visited[0] = true
	order := make([]int, 1, n)

	current := 0
	for len(order) < free {
		next := -1
		best := 0.0
		for j := 1; j < free; j++ {
			if visited[j] {
				continue
			}
			d := distance(coords[current], coords[j])
			if next == -1 || d < best {
				next, best = j, d
			}
		}
		visited[next] = true
		order = append(order, next)
		current = next
	}
	if pinLast {
		order = append(order, n-1)
	}

	return twoOpt(coords, order, pinLast)
}

// twoOpt improves an open path by reversing segments while holding the
// first position and, with pinLast, the final position. It uses
// first-improvement and stops when a full pass finds nothing.
func twoOpt(coords []routing.Coordinate, order []int, pinLast bool) []int {
	n := len(order)
	last := n - 1
	if pinLast {
		last = n - 2
	}

	path := make([]int, n)
	copy(path, order)
	at := func(i int) routing.Coordinate { return coords[path[i]] }

	for pass := 0; pass < twoOptMaxPasses; pass++ {
		improved := false
		for i := 1; i < last; i++ {
			for k := i + 1; k <= last; k++ {
				// Replace (i-1,i) and (k,k+1) with (i-1,k) and (i,k+1).
				delta := distance(at(i-1), at(k)) - distance(at(i-1), at(i))
				if k+1 < n {
					delta += distance(at(i), at(k+1)) - distance(at(k), at(k+1))
				}
				if delta < -twoOptEpsilon {
					reverse(path, i, k)
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return path
}

func reverse(path []int, i, k int) {
	for i < k {
		path[i], path[k] = path[k], path[i]
		i++
		k--
	}
}

// straightLine builds a result that connects the stops in order with
// straight segments, timed at the fallback speed.
func (o *Optimizer) straightLine(snap stops.Snapshot, order []int, kind Kind) *RouteResult {
	metersPerSecond := o.speedKmh * 1000 / 3600

	geometry := make([]routing.Coordinate, len(order))
	instructions := make([]routing.Instruction, 0, len(order))
	var total float64

	for i, idx := range order {
		st := snap.Stops[idx]
		geometry[i] = st.Coordinate
		loc := st.Coordinate

		if i == len(order)-1 {
			instructions = append(instructions, routing.Instruction{
				Text:     "Arrive at " + stopName(st, i),
				Maneuver: routing.ManeuverArrive,
				Location: &loc,
			})
			break
		}

		next := snap.Stops[order[i+1]]
		leg := distance(st.Coordinate, next.Coordinate)
		total += leg

		maneuver := routing.ManeuverStraight
		if i == 0 {
			maneuver = routing.ManeuverDepart
		}
		instructions = append(instructions, routing.Instruction{
			Text:           "Head to " + stopName(next, i+1),
			DistanceMeters: leg,
			DurationSecs:   leg / metersPerSecond,
			Maneuver:       maneuver,
			Location:       &loc,
		})
	}

	return &RouteResult{
		Generation:           snap.Generation,
		Kind:                 kind,
		OrderedStopIDs:       orderedIDs(snap, order),
		TotalDistanceMeters:  total,
		TotalDurationSeconds: total / metersPerSecond,
		Geometry:             geometry,
		Instructions:         instructions,
		Provider:             "straight-line",
		ComputedAt:           time.Now(),
	}
}

func stopName(st stops.Stop, position int) string {
	if st.Label != "" {
		return st.Label
	}
	return fmt.Sprintf("stop %d", position+1)
}
