package geocoding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single provider lookup.
const DefaultTimeout = 8 * time.Second

// ServiceConfig configures the geocoding service.
type ServiceConfig struct {
	Client  Client
	Cache   Cache // optional
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Service resolves addresses through a Client with read-through caching.
type Service struct {
	client  Client
	cache   Cache
	timeout time.Duration
	logger  zerolog.Logger
}

// NewService creates a new geocoding service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{
		client:  cfg.Client,
		cache:   cfg.Cache,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Name returns the underlying provider name.
func (s *Service) Name() string {
	return s.client.Name()
}

// Resolve looks up query. Cache failures are logged and otherwise ignored;
// misses are not cached.
func (s *Service) Resolve(ctx context.Context, query string) (*Place, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, ErrEmptyQuery
	}

	if s.cache != nil {
		place, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("query", key).Msg("geocode cache read failed")
		} else if ok {
			s.logger.Debug().Str("query", key).Msg("geocode cache hit")
			return place, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	place, err := s.client.Resolve(callCtx, key)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", key, err)
	}
	place.Query = query

	if s.cache != nil {
		if err := s.cache.Put(ctx, key, place); err != nil {
			s.logger.Warn().Err(err).Str("query", key).Msg("geocode cache write failed")
		}
	}

	s.logger.Debug().
		Str("query", key).
		Str("provider", place.Provider).
		Float64("lat", place.Coordinate.Lat).
		Float64("lon", place.Coordinate.Lon).
		Msg("geocoded address")

	return place, nil
}

// NormalizeQuery trims, collapses whitespace and lowercases an address so
// equivalent spellings share a cache entry.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}
