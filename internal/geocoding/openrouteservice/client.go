// Package openrouteservice provides a geocoding client for the
// OpenRouteService (Pelias) search API.
package openrouteservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
)

const (
	// ProviderName identifies this geocoding provider.
	ProviderName = "openrouteservice-geocode"

	// DefaultBaseURL is the OpenRouteService API base URL.
	DefaultBaseURL = "https://api.openrouteservice.org"
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the geocoding client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Country    string // boundary.country filter (optional)
	HTTPClient HTTPDoer
	Registry   *resilience.Registry
	Logger     zerolog.Logger
}

// Client is an OpenRouteService geocoding client.
type Client struct {
	apiKey     string
	baseURL    string
	country    string
	httpClient HTTPDoer
	logger     zerolog.Logger
}

var _ geocoding.Client = (*Client)(nil)

type searchResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"` // [lon, lat]
		} `json:"geometry"`
		Properties struct {
			Label string `json:"label"`
		} `json:"properties"`
	} `json:"features"`
}

// NewClient creates a new geocoding client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = 10 * time.Second
		clientCfg.Registry = cfg.Registry
		clientCfg.Logger = cfg.Logger
		httpClient = resilience.NewClient(clientCfg)
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		country:    cfg.Country,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Resolve returns the best match for query.
func (c *Client) Resolve(ctx context.Context, query string) (*geocoding.Place, error) {
	q := url.Values{}
	q.Set("text", query)
	q.Set("size", "1")
	if c.country != "" {
		q.Set("boundary.country", c.country)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/geocode/search?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", geocoding.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("openrouteservice geocode failed")
		return nil, fmt.Errorf("%w: geocode returned status %d", geocoding.ErrProviderUnavailable, resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Features) == 0 {
		return nil, geocoding.ErrNotFound
	}

	f := decoded.Features[0]
	if len(f.Geometry.Coordinates) != 2 {
		return nil, fmt.Errorf("invalid coordinate format for %q", query)
	}

	coord := routing.Coordinate{Lat: f.Geometry.Coordinates[1], Lon: f.Geometry.Coordinates[0]}
	if err := routing.ValidateCoordinate(coord); err != nil {
		return nil, err
	}

	return &geocoding.Place{
		Query:       query,
		DisplayName: f.Properties.Label,
		Coordinate:  coord,
		Provider:    ProviderName,
		ResolvedAt:  time.Now(),
	}, nil
}
