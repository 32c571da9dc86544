package stops

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopwise/stopwise/internal/routing"
)

func seedStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	seed := make([]Stop, len(ids))
	for i, id := range ids {
		seed[i] = Stop{ID: id, Coordinate: routing.Coordinate{Lat: 52.0 + float64(i)*0.01, Lon: 5.1}}
	}
	s, err := NewStoreFrom(seed)
	require.NoError(t, err)
	return s
}

func order(s *Store) []string {
	return s.Snapshot().IDs()
}

func TestStore_Append(t *testing.T) {
	s := NewStore()

	st, err := s.Append(routing.Coordinate{Lat: 52.09, Lon: 5.12}, "Dom")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(st.ID, "stp_"))
	assert.Equal(t, "Dom", st.Label)
	assert.Equal(t, uint64(1), s.Generation())
	assert.Equal(t, 1, s.Len())
}

func TestStore_AppendInvalidCoordinate(t *testing.T) {
	s := NewStore()

	tests := []routing.Coordinate{
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
		{Lat: 0, Lon: math.Inf(1)},
	}
	for _, c := range tests {
		_, err := s.Append(c, "")
		assert.ErrorIs(t, err, ErrInvalidCoordinate)
		assert.ErrorIs(t, err, routing.ErrInvalidCoordinates)
	}
	assert.Equal(t, uint64(0), s.Generation())
	assert.Equal(t, 0, s.Len())
}

func TestStore_AppendGeneratesUniqueIDs(t *testing.T) {
	s := NewStore()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		st, err := s.Append(routing.Coordinate{Lat: 1, Lon: 1}, "")
		require.NoError(t, err)
		if seen[st.ID] {
			t.Fatalf("duplicate id %s", st.ID)
		}
		seen[st.ID] = true
	}
}

func TestStore_RemoveByID(t *testing.T) {
	s := seedStore(t, "A", "B", "C")

	assert.True(t, s.RemoveByID("B"))
	assert.Equal(t, []string{"A", "C"}, order(s))
	assert.Equal(t, uint64(1), s.Generation())

	assert.False(t, s.RemoveByID("B"), "second removal is a no-op")
	assert.Equal(t, uint64(1), s.Generation())
}

func TestStore_MoveTo(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		index int
		want  []string
	}{
		{"forward", "A", 2, []string{"B", "C", "A", "D"}},
		{"backward", "D", 1, []string{"A", "D", "B", "C"}},
		{"to front", "C", 0, []string{"C", "A", "B", "D"}},
		{"clamped high", "B", 99, []string{"A", "C", "D", "B"}},
		{"clamped low", "C", -5, []string{"C", "A", "B", "D"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore(t, "A", "B", "C", "D")
			require.True(t, s.MoveTo(tt.id, tt.index))
			assert.Equal(t, tt.want, order(s))
			assert.Equal(t, uint64(1), s.Generation())
		})
	}
}

func TestStore_MoveToCurrentIndexKeepsOrder(t *testing.T) {
	s := seedStore(t, "A", "B", "C")
	before := order(s)

	for i, id := range before {
		require.True(t, s.MoveTo(id, i))
	}

	assert.Equal(t, before, order(s))
}

func TestStore_MoveToUnknownID(t *testing.T) {
	s := seedStore(t, "A", "B")

	assert.False(t, s.MoveTo("Z", 0))
	assert.Equal(t, uint64(0), s.Generation())
}

func TestStore_MoveIndexMatchesMoveTo(t *testing.T) {
	byIndex := seedStore(t, "A", "B", "C", "D")
	byID := seedStore(t, "A", "B", "C", "D")

	id, ok := byIndex.MoveIndex(3, 1)
	require.True(t, ok)
	assert.Equal(t, "D", id)

	require.True(t, byID.MoveTo("D", 1))

	assert.Equal(t, order(byID), order(byIndex))
	assert.Equal(t, byID.Generation(), byIndex.Generation())

	_, ok = byIndex.MoveIndex(7, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), byIndex.Generation())
}

func TestStore_Update(t *testing.T) {
	s := seedStore(t, "A", "B")

	require.NoError(t, s.UpdateLabel("A", "Depot"))
	require.NoError(t, s.UpdateCoordinate("B", routing.Coordinate{Lat: 51.0, Lon: 4.0}))

	a, err := s.Get("A")
	require.NoError(t, err)
	assert.Equal(t, "Depot", a.Label)

	b, err := s.Get("B")
	require.NoError(t, err)
	assert.Equal(t, routing.Coordinate{Lat: 51.0, Lon: 4.0}, b.Coordinate)

	assert.Equal(t, []string{"A", "B"}, order(s))
	assert.Equal(t, uint64(2), s.Generation())

	assert.ErrorIs(t, s.UpdateLabel("Z", "x"), ErrStopNotFound)
	assert.ErrorIs(t, s.UpdateCoordinate("A", routing.Coordinate{Lat: 100}), ErrInvalidCoordinate)
	assert.Equal(t, uint64(2), s.Generation())
}

func TestStore_ReplaceOrder(t *testing.T) {
	s := seedStore(t, "A", "B", "C")

	require.NoError(t, s.ReplaceOrder([]string{"C", "A", "B"}))

	snap := s.Snapshot()
	assert.Equal(t, []string{"C", "A", "B"}, snap.IDs())
	assert.Equal(t, uint64(1), snap.Generation)
}

func TestStore_ReplaceOrderRejectsNonPermutation(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
	}{
		{"too short", []string{"A", "B"}},
		{"too long", []string{"A", "B", "C", "D"}},
		{"duplicate", []string{"A", "A", "B"}},
		{"unknown", []string{"A", "B", "Z"}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore(t, "A", "B", "C")

			err := s.ReplaceOrder(tt.ids)
			assert.ErrorIs(t, err, ErrInvalidPermutation)
			assert.Equal(t, []string{"A", "B", "C"}, order(s), "never partially applied")
			assert.Equal(t, uint64(0), s.Generation())
		})
	}
}

func TestStore_ReplaceOrderAt(t *testing.T) {
	s := seedStore(t, "A", "B", "C")
	gen := s.Generation()

	newGen, err := s.ReplaceOrderAt(gen, []string{"A", "C", "B"})
	require.NoError(t, err)
	assert.Equal(t, gen+1, newGen)
	assert.Equal(t, []string{"A", "C", "B"}, order(s))
}

func TestStore_ReplaceOrderAtStale(t *testing.T) {
	s := seedStore(t, "A", "B", "C")
	snap := s.Snapshot()

	require.True(t, s.RemoveByID("B"))

	gen, err := s.ReplaceOrderAt(snap.Generation, []string{"A", "C", "B"})
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, []string{"A", "C"}, order(s))
}

func TestStore_Clear(t *testing.T) {
	s := seedStore(t, "A", "B")

	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Generation())

	assert.Equal(t, 0, s.Clear())
	assert.Equal(t, uint64(1), s.Generation())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := seedStore(t, "A", "B")

	snap := s.Snapshot()
	snap.Stops[0].Label = "mutated"

	a, err := s.Get("A")
	require.NoError(t, err)
	assert.Empty(t, a.Label)

	require.NoError(t, s.UpdateLabel("B", "later"))
	assert.Empty(t, snap.Stops[1].Label)
}

func TestNewStoreFrom(t *testing.T) {
	_, err := NewStoreFrom([]Stop{
		{ID: "A", Coordinate: routing.Coordinate{Lat: 1, Lon: 1}},
		{ID: "A", Coordinate: routing.Coordinate{Lat: 2, Lon: 2}},
	})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = NewStoreFrom([]Stop{{ID: "A", Coordinate: routing.Coordinate{Lat: -91}}})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	s, err := NewStoreFrom([]Stop{{Coordinate: routing.Coordinate{Lat: 1, Lon: 1}}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(order(s)[0], "stp_"))
	assert.Equal(t, uint64(0), s.Generation())
}

func TestStore_IndexOf(t *testing.T) {
	s := seedStore(t, "A", "B", "C")

	assert.Equal(t, 2, s.IndexOf("C"))
	assert.Equal(t, -1, s.IndexOf("Z"))

	_, err := s.Get("Z")
	assert.True(t, errors.Is(err, ErrStopNotFound))
}

func TestStore_ConcurrentMutationsCountGenerations(t *testing.T) {
	s := NewStore()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.Append(routing.Coordinate{Lat: 1, Lon: 1}, ""); err != nil {
					t.Errorf("append: %v", err)
				}
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, s.Len())
	assert.Equal(t, uint64(workers*perWorker), s.Generation())
}
