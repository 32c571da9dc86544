package optimizer

import (
	"github.com/stopwise/stopwise/internal/routing"
)

const clusterMaxIterations = 100

// Clustering groups points into K clusters. Assignments[i] is the cluster
// of point i; Centers[c] is the mean of cluster c.
type Clustering struct {
	K           int                  `json:"k"`
	Assignments []int                `json:"assignments"`
	Centers     []routing.Coordinate `json:"centers"`
	Iterations  int                  `json:"iterations"`
}

// ClampClusters bounds k to [1, n]. It returns 0 when n is 0.
func ClampClusters(k, n int) int {
	if n == 0 {
		return 0
	}
	return max(1, min(k, n))
}

// Cluster partitions coords into k groups with k-means. Seeding is
// farthest-point from the first coordinate, so the result depends only on
// the input order. k is clamped to [1, len(coords)].
func Cluster(coords []routing.Coordinate, k int) Clustering {
	n := len(coords)
	k = ClampClusters(k, n)
	if k == 0 {
		return Clustering{Assignments: []int{}, Centers: []routing.Coordinate{}}
	}

	centers := seedCenters(coords, k)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	iterations := 0
	for iterations < clusterMaxIterations {
		iterations++
		changed := false
		for i, c := range coords {
			best, bestDist := nearestCenter(centers, c)
			// A point only leaves its cluster for a strictly closer center.
			if assign[i] >= 0 && distance(c, centers[assign[i]]) <= bestDist {
				continue
			}
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		centers = recenter(coords, assign, centers)
	}

	return Clustering{K: k, Assignments: assign, Centers: centers, Iterations: iterations}
}

// seedCenters picks coords[0], then repeatedly the point farthest from every
// chosen center. Ties go to the lower index.
func seedCenters(coords []routing.Coordinate, k int) []routing.Coordinate {
	centers := make([]routing.Coordinate, 1, k)
	centers[0] = coords[0]

	nearest := make([]float64, len(coords))
	for i, c := range coords {
		nearest[i] = distance(c, centers[0])
	}
	for len(centers) < k {
		pick := 0
		for i := range coords {
			if nearest[i] > nearest[pick] {
				pick = i
			}
		}
		centers = append(centers, coords[pick])
		for i, c := range coords {
			nearest[i] = min(nearest[i], distance(c, coords[pick]))
		}
	}
	return centers
}

func nearestCenter(centers []routing.Coordinate, c routing.Coordinate) (int, float64) {
	best := 0
	bestDist := distance(c, centers[0])
	for j := 1; j < len(centers); j++ {
		if d := distance(c, centers[j]); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best, bestDist
}

// recenter moves each center to the mean of its members. An empty cluster
// takes over the point farthest from its own center, drawn from a cluster
// that keeps at least one member.
func recenter(coords []routing.Coordinate, assign []int, prev []routing.Coordinate) []routing.Coordinate {
	centers, counts := means(coords, assign, len(prev))

	stole := false
	for j := range centers {
		if counts[j] > 0 {
			continue
		}
		pick, pickDist := -1, 0.0
		for i, c := range coords {
			if counts[assign[i]] < 2 {
				continue
			}
			if d := distance(c, centers[assign[i]]); pick == -1 || d > pickDist {
				pick, pickDist = i, d
			}
		}
		if pick == -1 {
			centers[j] = prev[j]
			continue
		}
		counts[assign[pick]]--
		assign[pick] = j
		counts[j] = 1
		stole = true
	}
	if !stole {
		return centers
	}

	moved, counts := means(coords, assign, len(prev))
	for j := range moved {
		if counts[j] == 0 {
			moved[j] = centers[j]
		}
	}
	return moved
}

func means(coords []routing.Coordinate, assign []int, k int) ([]routing.Coordinate, []int) {
	centers := make([]routing.Coordinate, k)
	counts := make([]int, k)
	for i, c := range coords {
		centers[assign[i]].Lat += c.Lat
		centers[assign[i]].Lon += c.Lon
		counts[assign[i]]++
	}
	for j := range centers {
		if counts[j] > 0 {
			centers[j].Lat /= float64(counts[j])
			centers[j].Lon /= float64(counts[j])
		}
	}
	return centers, counts
}
