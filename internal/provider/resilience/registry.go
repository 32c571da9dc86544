package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ProviderHealth is a point-in-time view of one provider client.
type ProviderHealth struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// IsHealthy reports whether the breaker is closed.
func (h *ProviderHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded reports whether the breaker is probing (half-open).
func (h *ProviderHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy reports whether the breaker is open and calls fail fast.
func (h *ProviderHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry records the outcome of calls made through resilient clients so
// the ops endpoints can report routing and geocoding provider health.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	client    *Client
	lastOK    *time.Time
	lastFail  *time.Time
	lastError string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register tracks client under name. Registering a name again replaces the
// previous client and clears its history.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	r.entries[name] = &entry{client: client}
	r.mu.Unlock()
}

// RecordSuccess notes a successful call. Unknown names are ignored.
func (r *Registry) RecordSuccess(name string) {
	now := time.Now()
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.lastOK = &now
	}
	r.mu.Unlock()
}

// RecordFailure notes a failed call. Unknown names are ignored.
func (r *Registry) RecordFailure(name string, err error) {
	now := time.Now()
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.lastFail = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
	r.mu.Unlock()
}

// GetHealth returns the health of one provider, or nil if it was never
// registered.
func (r *Registry) GetHealth(name string) *ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	return e.health(name)
}

// GetAllHealth returns the health of every provider, ordered by name.
func (r *Registry) GetAllHealth() []*ProviderHealth {
	r.mu.RLock()
	out := make([]*ProviderHealth, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.health(name))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) health(name string) *ProviderHealth {
	return &ProviderHealth{
		Name:          name,
		CircuitState:  e.client.CircuitBreakerState(),
		Counts:        e.client.CircuitBreakerCounts(),
		LastSuccessAt: e.lastOK,
		LastFailureAt: e.lastFail,
		LastError:     e.lastError,
	}
}
