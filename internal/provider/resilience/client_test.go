package resilience_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopwise/stopwise/internal/provider/resilience"
)

// neverTrip keeps the breaker closed so retry behaviour can be observed.
func neverTrip(gobreaker.Counts) bool { return false }

func newTestClient(name string, mutate func(*resilience.ClientConfig)) *resilience.Client {
	cb := resilience.DefaultCircuitBreakerConfig(name)
	cb.ReadyToTrip = neverTrip
	cfg := resilience.DefaultClientConfig(name)
	cfg.CircuitBreaker = &cb
	cfg.InitialInterval = 5 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return resilience.NewClient(cfg)
}

func get(ctx context.Context, t *testing.T, client *resilience.Client, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return client.Do(req)
}

func TestClient_RetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int // per attempt; the last one repeats
		wantStatus   int
		wantAttempts int32
	}{
		{"first attempt succeeds", []int{http.StatusOK}, http.StatusOK, 1},
		{"5xx retried until success", []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}, http.StatusOK, 3},
		{"4xx returned without retry", []int{http.StatusBadRequest}, http.StatusBadRequest, 1},
		{"persistent 5xx handed back after retries", []int{http.StatusInternalServerError}, http.StatusInternalServerError, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(attempts.Add(1))
				if n > len(tt.statuses) {
					n = len(tt.statuses)
				}
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			client := newTestClient("osrm", nil)
			resp, err := get(context.Background(), t, client, srv.URL+"/route/v1/driving/4.9,52.3;4.8,52.4")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestClient_CircuitBreakerTrips(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient("nominatim", func(cfg *resilience.ClientConfig) {
		cb := resilience.DefaultCircuitBreakerConfig("nominatim")
		cb.Timeout = time.Minute
		cfg.CircuitBreaker = &cb
		cfg.MaxRetries = 1
	})

	// Default trip rule: five consecutive failures.
	for i := 0; i < 3; i++ {
		resp, _ := get(context.Background(), t, client, srv.URL)
		if resp != nil {
			resp.Body.Close()
		}
	}
	require.Equal(t, gobreaker.StateOpen, client.CircuitBreakerState())

	before := attempts.Load()
	resp, err := get(context.Background(), t, client, srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, before, attempts.Load(), "open breaker must not reach the provider")
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient("openrouteservice", func(cfg *resilience.ClientConfig) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.MaxRetries = 1
	})

	resp, err := get(context.Background(), t, client, srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newTestClient("osrm", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, err := get(ctx, t, client, srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation must stop the retry loop")
}

func TestDefaults(t *testing.T) {
	cfg := resilience.DefaultClientConfig("osrm")
	assert.Equal(t, "osrm", cfg.Name)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint64(3), cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 5*time.Second, cfg.MaxInterval)
	require.NotNil(t, cfg.CircuitBreaker)
	assert.Equal(t, "osrm", cfg.CircuitBreaker.Name)
	assert.Equal(t, uint32(1), cfg.CircuitBreaker.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.Timeout)
	assert.NotNil(t, cfg.CircuitBreaker.ReadyToTrip)
}

func TestDefaultReadyToTrip(t *testing.T) {
	tests := []struct {
		counts gobreaker.Counts
		want   bool
	}{
		{gobreaker.Counts{Requests: 4, TotalFailures: 4}, false},
		{gobreaker.Counts{Requests: 10, TotalFailures: 4}, false},
		{gobreaker.Counts{Requests: 10, TotalFailures: 5}, true},
		{gobreaker.Counts{Requests: 5, TotalFailures: 5}, true},
		{gobreaker.Counts{Requests: 20, TotalFailures: 5, ConsecutiveFailures: 5}, true},
		{gobreaker.Counts{Requests: 2, TotalFailures: 2, ConsecutiveFailures: 2}, false},
	}

	for _, tt := range tests {
		if got := resilience.DefaultReadyToTrip(tt.counts); got != tt.want {
			t.Errorf("DefaultReadyToTrip(%+v) = %v, want %v", tt.counts, got, tt.want)
		}
	}
}

func TestServerError(t *testing.T) {
	err := &resilience.ServerError{StatusCode: http.StatusBadGateway}
	assert.Equal(t, "server error: Bad Gateway", err.Error())
}

func TestClient_RetryResendsBody(t *testing.T) {
	var attempts atomic.Int32
	bodies := make(chan string, 3)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := resilience.DefaultClientConfig("test-body")
	cfg.InitialInterval = 5 * time.Millisecond
	client := resilience.NewClient(cfg)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL,
		strings.NewReader(`{"jobs":[1,2,3]}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, `{"jobs":[1,2,3]}`, <-bodies)
	assert.Equal(t, `{"jobs":[1,2,3]}`, <-bodies, "retry must resend the full body")
}

func TestClient_ReportsToRegistry(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	registry := resilience.NewRegistry()
	cfg := resilience.DefaultClientConfig("osrm")
	cfg.Registry = registry
	cfg.MaxRetries = 1
	cfg.InitialInterval = time.Millisecond
	client := resilience.NewClient(cfg)

	do := func() {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
		require.NoError(t, err)
		resp, _ := client.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
	}

	do()
	health := registry.GetHealth("osrm")
	require.NotNil(t, health)
	require.NotNil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)

	status.Store(http.StatusServiceUnavailable)
	do()
	health = registry.GetHealth("osrm")
	require.NotNil(t, health.LastFailureAt)
	assert.Contains(t, health.LastError, "Service Unavailable")
}
