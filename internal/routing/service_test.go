package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockProvider is a mock routing provider for testing.
type mockProvider struct {
	name       string
	route      *Route
	trip       *Trip
	err        error
	routeCalls atomic.Int32
	tripCalls  atomic.Int32
	delay      time.Duration
	block      bool // wait for ctx cancellation
}

func (m *mockProvider) Route(ctx context.Context, req RouteRequest) (*Route, error) {
	m.routeCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.route, nil
}

func (m *mockProvider) SolveTrip(ctx context.Context, req TripRequest) (*Trip, error) {
	m.tripCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.trip, nil
}

func (m *mockProvider) wait(ctx context.Context) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return nil
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "test-provider"
	}
	return m.name
}

func (m *mockProvider) SupportedProfiles() []RouteProfile {
	return []RouteProfile{ProfileDriving, ProfileCycling, ProfileWalking}
}

var utrechtStops = []Coordinate{
	{Lat: 52.0907, Lon: 5.1214},
	{Lat: 52.0860, Lon: 5.1115},
	{Lat: 52.0989, Lon: 5.1160},
}

func TestService_Route_CacheHit(t *testing.T) {
	provider := &mockProvider{route: &Route{DistanceMeters: 1234, DurationSeconds: 321}}
	service := NewService(ServiceConfig{Provider: provider})

	req := RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving}

	for i := 0; i < 2; i++ {
		route, err := service.Route(context.Background(), req)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if route.DistanceMeters != 1234 {
			t.Errorf("call %d: expected distance 1234, got %f", i, route.DistanceMeters)
		}
	}

	if provider.routeCalls.Load() != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.routeCalls.Load())
	}
}

func TestService_Route_OrderMatters(t *testing.T) {
	provider := &mockProvider{route: &Route{DistanceMeters: 1}}
	service := NewService(ServiceConfig{Provider: provider})

	reversed := []Coordinate{utrechtStops[2], utrechtStops[1], utrechtStops[0]}

	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving})
	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: reversed, Profile: ProfileDriving})
	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops, Profile: ProfileCycling})

	if provider.routeCalls.Load() != 3 {
		t.Errorf("expected 3 provider calls for distinct orders and profiles, got %d", provider.routeCalls.Load())
	}
}

func TestService_Route_NearbyPointsShareCell(t *testing.T) {
	provider := &mockProvider{route: &Route{DistanceMeters: 1}}
	service := NewService(ServiceConfig{Provider: provider, CachePrecision: 6})

	nudged := append([]Coordinate(nil), utrechtStops...)
	nudged[0].Lat += 0.00001

	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving})
	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: nudged, Profile: ProfileDriving})

	if provider.routeCalls.Load() != 1 {
		t.Errorf("expected 1 provider call for points in the same cell, got %d", provider.routeCalls.Load())
	}
}

func TestService_Route_StaleIfError(t *testing.T) {
	provider := &mockProvider{route: &Route{DistanceMeters: 42}}
	service := NewService(ServiceConfig{
		Provider:        provider,
		CacheTTL:        time.Millisecond,
		StaleIfErrorTTL: time.Hour,
	})
	req := RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving}

	if _, err := service.Route(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	provider.err = &Error{Provider: "test-provider", Code: "SERVER_503", Message: "down", Err: ErrProviderUnavailable}

	route, err := service.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("expected stale data, got error: %v", err)
	}
	if route.DistanceMeters != 42 {
		t.Errorf("expected stale distance 42, got %f", route.DistanceMeters)
	}
	if provider.routeCalls.Load() != 2 {
		t.Errorf("expected a refetch attempt, got %d calls", provider.routeCalls.Load())
	}
}

func TestService_Route_ErrorWithoutCache(t *testing.T) {
	provider := &mockProvider{err: &Error{Code: "SERVER_500", Message: "down", Err: ErrProviderUnavailable}}
	service := NewService(ServiceConfig{Provider: provider})

	_, err := service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestService_Route_Timeout(t *testing.T) {
	provider := &mockProvider{block: true}
	service := NewService(ServiceConfig{Provider: provider, RequestTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving})
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the deadline to stay visible, got %v", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != "TIMEOUT" {
		t.Errorf("expected routing error with code TIMEOUT, got %v", err)
	}
	if !rerr.IsRetryable() {
		t.Error("timeouts should be retryable")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestService_Route_CallerCancelled(t *testing.T) {
	provider := &mockProvider{block: true}
	service := NewService(ServiceConfig{Provider: provider, RequestTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := service.Route(ctx, RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrProviderTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestService_Route_InvalidWaypoints(t *testing.T) {
	provider := &mockProvider{route: &Route{}}
	service := NewService(ServiceConfig{Provider: provider})

	tests := []struct {
		name      string
		waypoints []Coordinate
	}{
		{name: "single waypoint", waypoints: utrechtStops[:1]},
		{name: "latitude out of range", waypoints: []Coordinate{{Lat: 91, Lon: 0}, {Lat: 0, Lon: 0}}},
		{name: "longitude out of range", waypoints: []Coordinate{{Lat: 0, Lon: 0}, {Lat: 0, Lon: -181}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Route(context.Background(), RouteRequest{Waypoints: tt.waypoints})
			if !errors.Is(err, ErrInvalidCoordinates) {
				t.Errorf("expected ErrInvalidCoordinates, got %v", err)
			}
		})
	}

	if provider.routeCalls.Load() != 0 {
		t.Errorf("provider should not be called for invalid input, got %d calls", provider.routeCalls.Load())
	}
}

func TestService_Route_ConcurrentRequestsCollapse(t *testing.T) {
	provider := &mockProvider{route: &Route{DistanceMeters: 7}, delay: 100 * time.Millisecond}
	service := NewService(ServiceConfig{Provider: provider})
	req := RouteRequest{Waypoints: utrechtStops, Profile: ProfileDriving}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Route(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if provider.routeCalls.Load() != 1 {
		t.Errorf("expected concurrent requests to share 1 provider call, got %d", provider.routeCalls.Load())
	}
}

func TestService_SolveTrip_RejectsInvalidOrder(t *testing.T) {
	provider := &mockProvider{trip: &Trip{VisitOrder: []int{1, 0, 2}}}
	service := NewService(ServiceConfig{Provider: provider})
	req := TripRequest{Waypoints: utrechtStops, Profile: ProfileDriving, FixedEnd: true}

	for i := 0; i < 2; i++ {
		_, err := service.SolveTrip(context.Background(), req)
		if !errors.Is(err, ErrInvalidVisitOrder) {
			t.Fatalf("call %d: expected ErrInvalidVisitOrder, got %v", i, err)
		}
	}

	if provider.tripCalls.Load() != 2 {
		t.Errorf("invalid solutions must not be cached, got %d calls", provider.tripCalls.Load())
	}
}

func TestService_SolveTrip_FixedEndKeyedSeparately(t *testing.T) {
	provider := &mockProvider{trip: &Trip{VisitOrder: []int{0, 1, 2}}}
	service := NewService(ServiceConfig{Provider: provider})

	for _, fixed := range []bool{true, false, true} {
		if _, err := service.SolveTrip(context.Background(), TripRequest{
			Waypoints: utrechtStops, Profile: ProfileDriving, FixedEnd: fixed,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if provider.tripCalls.Load() != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.tripCalls.Load())
	}
}

func TestService_CacheStatsAndInvalidate(t *testing.T) {
	provider := &mockProvider{route: &Route{}, trip: &Trip{VisitOrder: []int{0, 1, 2}}}
	service := NewService(ServiceConfig{Provider: provider})

	_, _ = service.Route(context.Background(), RouteRequest{Waypoints: utrechtStops})
	_, _ = service.SolveTrip(context.Background(), TripRequest{Waypoints: utrechtStops})

	stats := service.CacheStats()
	if stats.TotalEntries != 2 || stats.FreshEntries != 2 {
		t.Errorf("expected 2 fresh entries, got %+v", stats)
	}
	if stats.Provider != "test-provider" {
		t.Errorf("expected provider name in stats, got %q", stats.Provider)
	}

	service.InvalidateCache()
	if stats := service.CacheStats(); stats.TotalEntries != 0 {
		t.Errorf("expected empty cache, got %d entries", stats.TotalEntries)
	}
}

func TestService_CacheKeyFormat(t *testing.T) {
	service := NewService(ServiceConfig{Provider: &mockProvider{}, CachePrecision: 5})

	key := service.cacheKey("trip", ProfileCycling, true, utrechtStops[:2])
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		t.Fatalf("expected 4 key parts, got %q", key)
	}
	if parts[0] != "trip" || parts[1] != "cycling-regular" || parts[2] != "true" {
		t.Errorf("unexpected key prefix %q", key)
	}
	cells := strings.Split(parts[3], ";")
	if len(cells) != 2 || len(cells[0]) != 5 {
		t.Errorf("expected 2 geohash cells of length 5, got %q", parts[3])
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	requests []string
	hits     int
	misses   int
}

func (r *recordingMetrics) RecordRequest(provider, operation string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, provider+"/"+operation)
}

func (r *recordingMetrics) RecordCacheHit(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}

func (r *recordingMetrics) RecordCacheMiss(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}

func TestService_RecordsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	service := NewService(ServiceConfig{Provider: &mockProvider{route: &Route{}}, Metrics: metrics})
	req := RouteRequest{Waypoints: utrechtStops}

	_, _ = service.Route(context.Background(), req)
	_, _ = service.Route(context.Background(), req)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.requests) != 1 || metrics.requests[0] != "test-provider/route" {
		t.Errorf("unexpected request metrics %v", metrics.requests)
	}
	if metrics.hits != 1 || metrics.misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d/%d", metrics.hits, metrics.misses)
	}
}
