package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrCircuitOpen is returned without calling the provider while its
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ClientConfig configures a resilient provider client.
type ClientConfig struct {
	// Name identifies the provider in breaker logs and the registry.
	Name string
	// Timeout bounds each attempt, not the whole call.
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CircuitBreaker overrides DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig
	// Registry, when set, receives the outcome of every call.
	Registry *Registry
	// Transport is wrapped with otelhttp. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// DefaultClientConfig returns the retry and breaker settings used for
// routing and geocoding providers.
func DefaultClientConfig(name string) ClientConfig {
	cb := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		CircuitBreaker:  &cb,
	}
}

func (cfg *ClientConfig) applyDefaults() {
	d := DefaultClientConfig(cfg.Name)
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = d.MaxInterval
	}
	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = d.CircuitBreaker
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
}

// Client sends provider requests with retries on transport errors and 5xx
// responses, behind a circuit breaker. It satisfies the HTTPDoer
// interfaces of the provider packages.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates a client and registers it with cfg.Registry.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()

	cb := *cfg.CircuitBreaker
	next := cb.OnStateChange
	logger := cfg.Logger
	cb.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
		if next != nil {
			next(name, from, to)
		}
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(cfg.Transport),
		},
		breaker: NewCircuitBreaker[*http.Response](cb), //nolint:bodyclose // type parameter
	}
	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return c.cfg.Name }

// Do sends req, retrying transient failures with exponential backoff until
// the request context ends. A 5xx that survives every retry is returned as
// a response, not an error, so callers can map the provider's error body.
// An open breaker fails fast with ErrCircuitOpen.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)

	var (
		last    *http.Response
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		resp, err := c.attempt(req, attempt)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		if last != nil && resp != last {
			last.Body.Close()
		}
		last = resp
		return err
	}, policy)

	if err != nil {
		c.report(err)
		if last != nil {
			return last, nil
		}
		return nil, err
	}
	c.report(nil)
	return last, nil
}

// attempt runs one try through the breaker. 5xx responses count as breaker
// failures and are returned together with a *ServerError.
func (c *Client) attempt(req *http.Request, n int) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if n > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rewinding request body: %w", err))
		}
		clone.Body = body
	}

	return c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // returned to the caller
		resp, err := c.http.Do(clone)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &ServerError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
}

func (c *Client) report(err error) {
	if c.cfg.Registry == nil {
		return
	}
	if err != nil {
		c.cfg.Registry.RecordFailure(c.cfg.Name, err)
		return
	}
	c.cfg.Registry.RecordSuccess(c.cfg.Name)
}

// ServerError is a 5xx provider response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// CircuitBreakerState returns the breaker state.
func (c *Client) CircuitBreakerState() gobreaker.State { return c.breaker.State() }

// CircuitBreakerCounts returns the breaker counters.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts { return c.breaker.Counts() }
