// Package resilience wraps outbound calls to routing and geocoding providers
// with retries, circuit breaking and health tracking.
package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// Breaker defaults. A provider that keeps failing is cut off for a minute
// and then probed with a single request.
const (
	defaultBreakerTimeout  = 60 * time.Second
	defaultHalfOpenProbes  = 1
	tripMinRequests        = 5
	tripConsecutiveFailure = 5
	tripFailureRatio       = 0.5
)

// CircuitBreakerConfig configures the breaker in front of one provider.
type CircuitBreakerConfig struct {
	Name string
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts periodically. Zero never
	// clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ReadyToTrip decides when to open. Nil means DefaultReadyToTrip.
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig returns the breaker used for every provider
// client unless overridden.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxRequests: defaultHalfOpenProbes,
		Timeout:     defaultBreakerTimeout,
		ReadyToTrip: DefaultReadyToTrip,
	}
}

// DefaultReadyToTrip opens after five consecutive failures, or once five
// requests have been seen and at least half of them failed.
func DefaultReadyToTrip(counts gobreaker.Counts) bool {
	switch {
	case counts.ConsecutiveFailures >= tripConsecutiveFailure:
		return true
	case counts.Requests < tripMinRequests:
		return false
	default:
		return float64(counts.TotalFailures)/float64(counts.Requests) >= tripFailureRatio
	}
}

// NewCircuitBreaker builds a typed gobreaker from cfg.
func NewCircuitBreaker[T any](cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker[T] {
	trip := cfg.ReadyToTrip
	if trip == nil {
		trip = DefaultReadyToTrip
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   trip,
		OnStateChange: cfg.OnStateChange,
	})
}
