package geocoding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCache is a Cache backed by the geocode_cache table.
type PostgresCache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresCache creates a PostgreSQL geocode cache. A zero ttl keeps
// entries forever.
func NewPostgresCache(pool *pgxpool.Pool, ttl time.Duration) *PostgresCache {
	return &PostgresCache{pool: pool, ttl: ttl}
}

// EnsureSchema creates the cache table if it does not exist.
func (c *PostgresCache) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS geocode_cache (
			query        TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			lat          DOUBLE PRECISION NOT NULL,
			lon          DOUBLE PRECISION NOT NULL,
			provider     TEXT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create geocode_cache table: %w", err)
	}
	return nil
}

// Get retrieves a cached place.
func (c *PostgresCache) Get(ctx context.Context, key string) (*Place, bool, error) {
	query := `
		SELECT display_name, lat, lon, provider, updated_at
		FROM geocode_cache
		WHERE query = $1
	`

	var place Place
	err := c.pool.QueryRow(ctx, query, key).Scan(
		&place.DisplayName,
		&place.Coordinate.Lat,
		&place.Coordinate.Lon,
		&place.Provider,
		&place.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get geocode cache: %w", err)
	}

	if c.ttl > 0 && time.Since(place.ResolvedAt) > c.ttl {
		return nil, false, nil
	}

	place.Query = key
	return &place, true, nil
}

// Put upserts a place.
func (c *PostgresCache) Put(ctx context.Context, key string, place *Place) error {
	query := `
		INSERT INTO geocode_cache (query, display_name, lat, lon, provider, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (query) DO UPDATE
		SET display_name = EXCLUDED.display_name,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			provider = EXCLUDED.provider,
			updated_at = EXCLUDED.updated_at
	`

	resolvedAt := place.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	_, err := c.pool.Exec(ctx, query,
		key,
		place.DisplayName,
		place.Coordinate.Lat,
		place.Coordinate.Lon,
		place.Provider,
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("put geocode cache %q: %w", key, err)
	}
	return nil
}
