// Package stops holds the canonical ordered list of stops for a route plan.
package stops

import (
	"errors"

	"github.com/google/uuid"

	"github.com/stopwise/stopwise/internal/routing"
)

// Store errors.
var (
	ErrStopNotFound       = errors.New("stop not found")
	ErrInvalidPermutation = errors.New("order is not a permutation of the current stops")
	ErrStaleGeneration    = errors.New("stop list changed since the snapshot was taken")
	ErrInvalidCoordinate  = errors.New("invalid stop coordinate")
	ErrDuplicateID        = errors.New("duplicate stop id")
)

// Stop is a single place to visit. Its position is the index in the owning
// list; identity is the ID.
type Stop struct {
	ID         string             `json:"id"`
	Coordinate routing.Coordinate `json:"coordinate"`
	Label      string             `json:"label,omitempty"`
}

// Snapshot is an immutable copy of the stop list at a generation.
type Snapshot struct {
	Generation uint64
	Stops      []Stop
}

// IDs returns the stop IDs in order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Stops))
	for i, st := range s.Stops {
		ids[i] = st.ID
	}
	return ids
}

// Coordinates returns the stop coordinates in order.
func (s Snapshot) Coordinates() []routing.Coordinate {
	coords := make([]routing.Coordinate, len(s.Stops))
	for i, st := range s.Stops {
		coords[i] = st.Coordinate
	}
	return coords
}

// Len returns the number of stops.
func (s Snapshot) Len() int {
	return len(s.Stops)
}

// NewID generates a stop identifier.
func NewID() string {
	return "stp_" + uuid.New().String()[:22]
}
