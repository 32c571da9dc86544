// Package nominatim provides a geocoding client for the OpenStreetMap
// Nominatim search API.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
)

const (
	// ProviderName identifies this geocoding provider.
	ProviderName = "nominatim"

	// DefaultBaseURL is the public Nominatim instance.
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	// DefaultUserAgent identifies the application as the usage policy requires.
	DefaultUserAgent = "stopwise/1.0"

	// DefaultRequestsPerSecond is the public instance's absolute limit.
	DefaultRequestsPerSecond = 1.0
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the Nominatim client.
type ClientConfig struct {
	BaseURL           string
	UserAgent         string
	AcceptLanguage    string
	CountryCodes      string // comma-separated ISO 3166-1 alpha-2 codes (optional)
	RequestsPerSecond float64
	HTTPClient        HTTPDoer
	Registry          *resilience.Registry
	Logger            zerolog.Logger
}

// Client is a Nominatim search client.
type Client struct {
	baseURL        string
	userAgent      string
	acceptLanguage string
	countryCodes   string
	httpClient     HTTPDoer
	limiter        *rate.Limiter
	logger         zerolog.Logger
}

var _ geocoding.Client = (*Client)(nil)

type searchResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// NewClient creates a new Nominatim client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
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
		baseURL:        baseURL,
		userAgent:      userAgent,
		acceptLanguage: cfg.AcceptLanguage,
		countryCodes:   cfg.CountryCodes,
		httpClient:     httpClient,
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		logger:         cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Resolve returns the first search result for query.
func (c *Client) Resolve(ctx context.Context, query string) (*geocoding.Place, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	if c.countryCodes != "" {
		q.Set("countrycodes", c.countryCodes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.acceptLanguage != "" {
		req.Header.Set("Accept-Language", c.acceptLanguage)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", geocoding.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("nominatim search failed")
		return nil, fmt.Errorf("%w: nominatim returned status %d", geocoding.ErrProviderUnavailable, resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(results) == 0 {
		return nil, geocoding.ErrNotFound
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}

	coord := routing.Coordinate{Lat: lat, Lon: lon}
	if err := routing.ValidateCoordinate(coord); err != nil {
		return nil, err
	}

	return &geocoding.Place{
		Query:       query,
		DisplayName: results[0].DisplayName,
		Coordinate:  coord,
		Provider:    ProviderName,
		ResolvedAt:  time.Now(),
	}, nil
}
