// Package geocoding resolves free-text addresses to coordinates.
package geocoding

import (
	"context"
	"errors"
	"time"

	"github.com/stopwise/stopwise/internal/routing"
)

// Sentinel errors for geocoding.
var (
	// ErrNotFound indicates the query matched nothing.
	ErrNotFound = errors.New("address not found")
	// ErrEmptyQuery indicates the query was blank after normalization.
	ErrEmptyQuery = errors.New("empty address query")
	// ErrProviderUnavailable indicates the geocoding provider failed or is rate limited.
	ErrProviderUnavailable = errors.New("geocoding provider unavailable")
)

// Place is a resolved address.
type Place struct {
	Query       string             `json:"query"`
	DisplayName string             `json:"displayName"`
	Coordinate  routing.Coordinate `json:"coordinate"`
	Provider    string             `json:"provider"`
	ResolvedAt  time.Time          `json:"resolvedAt"`
}

// Client resolves a single address.
type Client interface {
	// Resolve returns the best match for query, or ErrNotFound.
	Resolve(ctx context.Context, query string) (*Place, error)
	// Name returns the provider identifier.
	Name() string
}

// Cache stores resolved places keyed by normalized query.
type Cache interface {
	Get(ctx context.Context, key string) (*Place, bool, error)
	Put(ctx context.Context, key string, place *Place) error
}
