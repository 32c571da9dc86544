// Package openrouteservice provides a routing provider backed by the
// OpenRouteService directions and optimization APIs.
package openrouteservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
)

const (
	// ProviderName identifies this routing provider.
	ProviderName = "openrouteservice"

	// DefaultBaseURL is the OpenRouteService API base URL.
	DefaultBaseURL = "https://api.openrouteservice.org"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxWaypoints matches the public ORS plan limit.
	DefaultMaxWaypoints = 50
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the OpenRouteService client.
type ClientConfig struct {
	// APIKey is the ORS API key (required).
	APIKey string

	// BaseURL is the API base URL (optional, defaults to ORS API).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient HTTPDoer

	// Timeout is the request timeout (optional, defaults to 10s).
	Timeout time.Duration

	// MaxWaypoints caps waypoints per request (optional, defaults to 50).
	MaxWaypoints int

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an OpenRouteService API client.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   HTTPDoer
	maxWaypoints int
	logger       zerolog.Logger
}

var _ routing.Provider = (*Client)(nil)

// NewClient creates a new OpenRouteService client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	maxWaypoints := cfg.MaxWaypoints
	if maxWaypoints == 0 {
		maxWaypoints = DefaultMaxWaypoints
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		clientCfg.Registry = cfg.Registry
		clientCfg.Logger = cfg.Logger
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		httpClient:   httpClient,
		maxWaypoints: maxWaypoints,
		logger:       cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// SupportedProfiles returns the supported routing profiles.
func (c *Client) SupportedProfiles() []routing.RouteProfile {
	return []routing.RouteProfile{
		routing.ProfileDriving,
		routing.ProfileCycling,
		routing.ProfileWalking,
	}
}

func (c *Client) checkWaypoints(waypoints []routing.Coordinate) error {
	if err := routing.ValidateWaypoints(waypoints); err != nil {
		return &routing.Error{
			Provider: ProviderName,
			Code:     "INVALID_WAYPOINTS",
			Message:  "invalid waypoints",
			Err:      err,
		}
	}
	if len(waypoints) > c.maxWaypoints {
		return &routing.Error{
			Provider: ProviderName,
			Code:     "TOO_MANY_WAYPOINTS",
			Message:  fmt.Sprintf("%d waypoints exceed the limit of %d", len(waypoints), c.maxWaypoints),
			Err:      routing.ErrTooManyWaypoints,
		}
	}
	return nil
}

// post sends a JSON body and decodes a 200 response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.apiKey)
	httpReq.Header.Set("Accept", "application/json, application/geo+json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &routing.Error{
			Provider: ProviderName,
			Code:     "REQUEST_FAILED",
			Message:  "failed to reach routing provider",
			Err:      fmt.Errorf("%w: %w", routing.ErrProviderUnavailable, err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse maps ORS error responses to domain errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var orsErr errorResponse
	_ = json.Unmarshal(body, &orsErr)
	detail := orsErr.detail()

	switch {
	case statusCode == http.StatusTooManyRequests:
		return &routing.Error{
			Provider: ProviderName,
			Code:     "RATE_LIMIT",
			Message:  "API rate limit exceeded, please try again later",
			Err:      routing.ErrRateLimitExceeded,
		}
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return &routing.Error{
			Provider: ProviderName,
			Code:     "FORBIDDEN",
			Message:  "API access denied - check API key configuration",
			Err:      routing.ErrProviderUnavailable,
		}
	case statusCode == http.StatusNotFound,
		detail.Code == orsErrorCodeNotFound,
		detail.Code == orsErrorCodePointNotFound:
		return &routing.Error{
			Provider: ProviderName,
			Code:     "NO_ROUTE",
			Message:  messageOr(detail.Message, "no route found between the given points"),
			Err:      routing.ErrNoRouteFound,
		}
	case detail.Code == orsErrorCodeExceeded:
		return &routing.Error{
			Provider: ProviderName,
			Code:     "TOO_MANY_WAYPOINTS",
			Message:  detail.Message,
			Err:      routing.ErrTooManyWaypoints,
		}
	case statusCode == http.StatusBadRequest:
		return &routing.Error{
			Provider: ProviderName,
			Code:     "BAD_REQUEST",
			Message:  messageOr(detail.Message, "routing provider rejected the request"),
			Err:      routing.ErrInvalidCoordinates,
		}
	case statusCode >= 500:
		return &routing.Error{
			Provider: ProviderName,
			Code:     fmt.Sprintf("SERVER_%d", statusCode),
			Message:  "routing provider is temporarily unavailable",
			Err:      routing.ErrProviderUnavailable,
		}
	default:
		return &routing.Error{
			Provider: ProviderName,
			Code:     fmt.Sprintf("HTTP_%d", statusCode),
			Message:  messageOr(detail.Message, fmt.Sprintf("routing provider returned status %d", statusCode)),
			Err:      routing.ErrProviderUnavailable,
		}
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

// lonLat converts to the GeoJSON [lon, lat] order ORS expects.
func lonLat(c routing.Coordinate) []float64 {
	return []float64{c.Lon, c.Lat}
}
