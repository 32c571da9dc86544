package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MetricsRecorder receives provider call metrics. It is satisfied by
// middleware.ProviderMetrics.
type MetricsRecorder interface {
	RecordRequest(provider, operation string, duration time.Duration, err error)
	RecordCacheHit(provider, operation string)
	RecordCacheMiss(provider, operation string)
}

// ServiceConfig holds configuration for the routing service.
type ServiceConfig struct {
	// Provider is the routing data provider.
	Provider Provider

	// Logger for service operations.
	Logger zerolog.Logger

	// Metrics is optional.
	Metrics MetricsRecorder

	// CacheTTL is how long to cache routes and trips (default: 5 minutes).
	CacheTTL time.Duration

	// CachePrecision is the geohash length used to quantize waypoints in
	// cache keys (default: 9, roughly 5m cells).
	CachePrecision uint

	// StaleIfErrorTTL allows serving stale data on provider errors (default: 15 minutes).
	StaleIfErrorTTL time.Duration

	// CleanupInterval is how often to clean up expired entries (default: 5 minutes).
	CleanupInterval time.Duration

	// RequestTimeout bounds every provider call (default: 10 seconds).
	RequestTimeout time.Duration
}

// Service wraps a Provider with caching, request collapsing and timeouts.
// It implements Provider itself.
type Service struct {
	provider        Provider
	logger          zerolog.Logger
	metrics         MetricsRecorder
	cacheTTL        time.Duration
	cachePrecision  uint
	staleIfErrorTTL time.Duration
	cleanupInterval time.Duration
	requestTimeout  time.Duration

	group singleflight.Group

	mu          sync.RWMutex
	cache       map[string]*cachedEntry
	lastCleanup time.Time
}

type cachedEntry struct {
	value     any
	fetchedAt time.Time
	expiresAt time.Time
}

var _ Provider = (*Service)(nil)

// NewService creates a new routing service.
func NewService(cfg ServiceConfig) *Service {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}

	precision := cfg.CachePrecision
	if precision == 0 {
		precision = 9
	}

	staleIfErrorTTL := cfg.StaleIfErrorTTL
	if staleIfErrorTTL == 0 {
		staleIfErrorTTL = 15 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = 5 * time.Minute
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 10 * time.Second
	}

	return &Service{
		provider:        cfg.Provider,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		cacheTTL:        cacheTTL,
		cachePrecision:  precision,
		staleIfErrorTTL: staleIfErrorTTL,
		cleanupInterval: cleanupInterval,
		requestTimeout:  requestTimeout,
		cache:           make(map[string]*cachedEntry),
	}
}

// Route returns the path through req.Waypoints, served from cache when fresh.
func (s *Service) Route(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := ValidateWaypoints(req.Waypoints); err != nil {
		return nil, &Error{
			Provider: s.provider.Name(),
			Code:     "INVALID_WAYPOINTS",
			Message:  "invalid route waypoints",
			Err:      err,
		}
	}

	key := s.cacheKey("route", req.Profile, false, req.Waypoints)
	v, err := s.get(ctx, "route", key, func(ctx context.Context) (any, error) {
		return s.provider.Route(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Route), nil
}

// SolveTrip returns a visiting order for req, served from cache when fresh.
func (s *Service) SolveTrip(ctx context.Context, req TripRequest) (*Trip, error) {
	if err := ValidateWaypoints(req.Waypoints); err != nil {
		return nil, &Error{
			Provider: s.provider.Name(),
			Code:     "INVALID_WAYPOINTS",
			Message:  "invalid trip waypoints",
			Err:      err,
		}
	}

	key := s.cacheKey("trip", req.Profile, req.FixedEnd, req.Waypoints)
	v, err := s.get(ctx, "trip", key, func(ctx context.Context) (any, error) {
		trip, err := s.provider.SolveTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := ValidateVisitOrder(trip.VisitOrder, len(req.Waypoints), req.FixedEnd); err != nil {
			// Never cache a broken solution.
			return nil, &Error{
				Provider: s.provider.Name(),
				Code:     "INVALID_VISIT_ORDER",
				Message:  "provider returned an invalid visit order",
				Err:      err,
			}
		}
		return trip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Trip), nil
}

// Name returns the name of the underlying provider.
func (s *Service) Name() string {
	return s.provider.Name()
}

// SupportedProfiles delegates to the underlying provider.
func (s *Service) SupportedProfiles() []RouteProfile {
	return s.provider.SupportedProfiles()
}

func (s *Service) get(ctx context.Context, operation, key string, fetch func(context.Context) (any, error)) (any, error) {
	s.mu.RLock()
	if cached, ok := s.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		s.recordCacheHit(operation)
		s.logger.Debug().Str("cache_key", key).Msgf("cache hit for %s", operation)
		return cached.value, nil
	}
	s.mu.RUnlock()
	s.recordCacheMiss(operation)

	// The shared fetch outlives any single caller so that one caller giving
	// up does not fail the others; it is still bounded by requestTimeout.
	ch := s.group.DoChan(key, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), operation, key, fetch)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.timeoutError(operation, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (s *Service) fetch(ctx context.Context, operation, key string, fetch func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	s.logger.Debug().
		Str("operation", operation).
		Str("provider", s.provider.Name()).
		Str("cache_key", key).
		Msg("fetching from routing provider")

	start := time.Now()
	v, err := fetch(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = s.timeoutError(operation, err)
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(s.provider.Name(), operation, time.Since(start), err)
	}

	if err != nil {
		s.logger.Error().Err(err).
			Str("operation", operation).
			Str("provider", s.provider.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("routing provider request failed")

		if stale, ok := s.stale(key); ok {
			return stale, nil
		}
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	s.cache[key] = &cachedEntry{
		value:     v,
		fetchedAt: now,
		expiresAt: now.Add(s.cacheTTL),
	}
	s.cleanupIfNeeded()
	s.mu.Unlock()

	return v, nil
}

// stale returns an expired entry still inside the stale-if-error window.
func (s *Service) stale(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cached, ok := s.cache[key]
	if !ok || !time.Now().Before(cached.fetchedAt.Add(s.staleIfErrorTTL)) {
		return nil, false
	}
	s.logger.Warn().
		Time("fetched_at", cached.fetchedAt).
		Str("cache_key", key).
		Msg("serving stale routing data due to provider error")
	return cached.value, true
}

func (s *Service) timeoutError(operation string, cause error) error {
	return &Error{
		Provider: s.provider.Name(),
		Code:     "TIMEOUT",
		Message:  fmt.Sprintf("%s request exceeded %s", operation, s.requestTimeout),
		Err:      fmt.Errorf("%w: %w", ErrProviderTimeout, cause),
	}
}

// cacheKey quantizes every waypoint to a geohash cell.
// Format: {kind}:{profile}:{fixedEnd}:{gh1};{gh2};...
func (s *Service) cacheKey(kind string, profile RouteProfile, fixedEnd bool, waypoints []Coordinate) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(':')
	b.WriteString(string(profile))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(fixedEnd))
	b.WriteByte(':')
	for i, wp := range waypoints {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(geohash.EncodeWithPrecision(wp.Lat, wp.Lon, s.cachePrecision))
	}
	return b.String()
}

// cleanupIfNeeded removes entries past the stale window. Callers hold s.mu.
func (s *Service) cleanupIfNeeded() {
	now := time.Now()
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}

	s.lastCleanup = now
	expired := 0

	for key, cached := range s.cache {
		if now.After(cached.fetchedAt.Add(s.staleIfErrorTTL)) {
			delete(s.cache, key)
			expired++
		}
	}

	if expired > 0 {
		s.logger.Debug().
			Int("expired_entries", expired).
			Msg("cleaned up expired routing cache entries")
	}
}

func (s *Service) recordCacheHit(operation string) {
	if s.metrics != nil {
		s.metrics.RecordCacheHit(s.provider.Name(), operation)
	}
}

func (s *Service) recordCacheMiss(operation string) {
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(s.provider.Name(), operation)
	}
}

// InvalidateCache clears all cached data.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedEntry)
}

// CacheStats returns cache statistics.
func (s *Service) CacheStats() CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	fresh, stale := 0, 0

	for _, c := range s.cache {
		if now.Before(c.expiresAt) {
			fresh++
		} else if now.Before(c.fetchedAt.Add(s.staleIfErrorTTL)) {
			stale++
		}
	}

	return CacheStats{
		TotalEntries: len(s.cache),
		FreshEntries: fresh,
		StaleEntries: stale,
		Provider:     s.provider.Name(),
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	TotalEntries int
	FreshEntries int
	StaleEntries int
	Provider     string
}
