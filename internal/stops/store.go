package stops

import (
	"fmt"
	"sync"

	"github.com/stopwise/stopwise/internal/routing"
)

// Store is the ordered stop list. It is safe for concurrent use and every
// method is atomic with respect to the others.
//
// The generation starts at 0 and increases by exactly one for each applied
// mutation. Failed and no-op operations leave it unchanged.
type Store struct {
	mu         sync.RWMutex
	stops      []Stop
	generation uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// NewStoreFrom seeds a store with caller-provided stops. Empty IDs are
// assigned; duplicate IDs and invalid coordinates are rejected.
func NewStoreFrom(seed []Stop) (*Store, error) {
	s := &Store{stops: make([]Stop, 0, len(seed))}
	seen := make(map[string]struct{}, len(seed))
	for i, st := range seed {
		if err := validateCoordinate(st.Coordinate); err != nil {
			return nil, fmt.Errorf("stop %d: %w", i, err)
		}
		if st.ID == "" {
			st.ID = NewID()
		}
		if _, dup := seen[st.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, st.ID)
		}
		seen[st.ID] = struct{}{}
		s.stops = append(s.stops, st)
	}
	return s, nil
}

// Append adds a stop at the end of the list.
func (s *Store) Append(coord routing.Coordinate, label string) (Stop, error) {
	if err := validateCoordinate(coord); err != nil {
		return Stop{}, err
	}

	st := Stop{ID: NewID(), Coordinate: coord, Label: label}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stops = append(s.stops, st)
	s.generation++
	return st, nil
}

// RemoveByID removes the stop with the given ID. It reports whether a stop
// was removed.
func (s *Store) RemoveByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.stops = append(s.stops[:i], s.stops[i+1:]...)
	s.generation++
	return true
}

// MoveTo relocates a stop to newIndex, keeping the relative order of all
// other stops. The index is clamped to the list bounds. It reports false only
// when the ID is unknown.
func (s *Store) MoveTo(id string, newIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.indexOf(id)
	if from < 0 {
		return false
	}
	s.move(from, newIndex)
	return true
}

// MoveIndex moves the stop at position from to position to. It returns the
// moved stop's ID.
func (s *Store) MoveIndex(from, to int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 0 || from >= len(s.stops) {
		return "", false
	}
	id := s.stops[from].ID
	s.move(from, to)
	return id, true
}

// move must be called with mu held. Moving a stop onto its own position is
// still an applied mutation.
func (s *Store) move(from, to int) {
	to = max(0, min(to, len(s.stops)-1))
	if from != to {
		st := s.stops[from]
		if from < to {
			copy(s.stops[from:to], s.stops[from+1:to+1])
		} else {
			copy(s.stops[to+1:from+1], s.stops[to:from])
		}
		s.stops[to] = st
	}
	s.generation++
}

// UpdateCoordinate changes the location of a stop in place.
func (s *Store) UpdateCoordinate(id string, coord routing.Coordinate) error {
	if err := validateCoordinate(coord); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrStopNotFound
	}
	s.stops[i].Coordinate = coord
	s.generation++
	return nil
}

// UpdateLabel changes the label of a stop in place.
func (s *Store) UpdateLabel(id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrStopNotFound
	}
	s.stops[i].Label = label
	s.generation++
	return nil
}

// ReplaceOrder reorders the stops to match ids, which must be a permutation
// of the IDs currently held. Nothing changes on failure.
func (s *Store) ReplaceOrder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replaceOrder(ids)
}

// ReplaceOrderAt is ReplaceOrder gated on the generation the order was
// computed from. It returns the new generation, or ErrStaleGeneration when
// the list has changed since.
func (s *Store) ReplaceOrderAt(generation uint64, ids []string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation {
		return s.generation, fmt.Errorf("%w: have %d, want %d", ErrStaleGeneration, s.generation, generation)
	}
	if err := s.replaceOrder(ids); err != nil {
		return s.generation, err
	}
	return s.generation, nil
}

func (s *Store) replaceOrder(ids []string) error {
	if len(ids) != len(s.stops) {
		return fmt.Errorf("%w: expected %d ids, got %d", ErrInvalidPermutation, len(s.stops), len(ids))
	}

	byID := make(map[string]Stop, len(s.stops))
	for _, st := range s.stops {
		byID[st.ID] = st
	}

	reordered := make([]Stop, len(ids))
	for i, id := range ids {
		st, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: unknown or repeated id %q", ErrInvalidPermutation, id)
		}
		delete(byID, id)
		reordered[i] = st
	}

	s.stops = reordered
	s.generation++
	return nil
}

// Clear removes all stops and returns how many were removed. Clearing an
// empty list is a no-op.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.stops)
	if n == 0 {
		return 0
	}
	s.stops = nil
	s.generation++
	return n
}

// Snapshot returns a copy of the list together with its generation.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cpy := make([]Stop, len(s.stops))
	copy(cpy, s.stops)
	return Snapshot{Generation: s.generation, Stops: cpy}
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Len returns the number of stops.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stops)
}

// Get returns the stop with the given ID.
func (s *Store) Get(id string) (Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return Stop{}, ErrStopNotFound
	}
	return s.stops[i], nil
}

// IndexOf returns the position of the stop, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(id)
}

func (s *Store) indexOf(id string) int {
	for i := range s.stops {
		if s.stops[i].ID == id {
			return i
		}
	}
	return -1
}

func validateCoordinate(c routing.Coordinate) error {
	if err := routing.ValidateCoordinate(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCoordinate, err)
	}
	return nil
}
