// Package config loads stopwise settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stopwise/stopwise/internal/database"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/session"
)

// Routing providers.
const (
	RoutingORS  = "ors"
	RoutingOSRM = "osrm"
)

// Geocoding providers.
const (
	GeocodingNominatim = "nominatim"
	GeocodingORS       = "ors"
	GeocodingNone      = "none"
)

// Config holds every setting shared by the API server and the worker.
type Config struct {
	Env        string
	Port       string
	LogLevel   string
	RequireTLS bool

	Telemetry TelemetryConfig
	Auth      AuthConfig
	Routing   RoutingConfig
	Optimizer OptimizerConfig
	Session   SessionConfig
	Geocoding GeocodingConfig
	Worker    WorkerConfig

	DatabaseEnabled bool
	Database        database.Config
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string

	// Insecure disables TLS to the collector, which is usually a sidecar.
	Insecure    bool
	SampleRatio float64
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	SigningKey  string
	Issuer      string
	Audience    string
	TokenExpiry time.Duration
}

// RoutingConfig selects and tunes the routing provider.
type RoutingConfig struct {
	Provider       string
	Profile        routing.RouteProfile
	ORSAPIKey      string
	ORSBaseURL     string
	OSRMBaseURL    string
	MaxWaypoints   int
	CacheTTL       time.Duration
	RequestTimeout time.Duration
}

// OptimizerConfig tunes the sequence optimizer.
type OptimizerConfig struct {
	PinLast          bool
	Fallback         optimizer.Fallback
	FallbackSpeedKmh float64
	Timeout          time.Duration
}

// SessionConfig tunes live sessions.
type SessionConfig struct {
	Trigger        session.Trigger
	RequestTimeout time.Duration
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	EventBuffer    int
}

// GeocodingConfig selects the address lookup provider.
type GeocodingConfig struct {
	Provider         string
	NominatimBaseURL string
	UserAgent        string
	AcceptLanguage   string
	CountryCodes     string
	ORSCountry       string
	CacheTTL         time.Duration
	Timeout          time.Duration
}

// WorkerConfig configures the batch optimization worker.
type WorkerConfig struct {
	ProjectID    string
	Subscription string
	ResultTopic  string
	Concurrency  int
	PlanTimeout  time.Duration
}

// Load reads an optional .env file and then the environment. The returned
// config has been validated.
func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() (Config, error) {
	p := &parser{}

	cfg := Config{
		Env:        getEnvOrDefault("APP_ENV", "development"),
		Port:       getEnvOrDefault("APP_PORT", "8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		RequireTLS: p.bool("REQUIRE_TLS", false),

		Telemetry: TelemetryConfig{
			Enabled:      p.bool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     p.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  p.float("OTEL_SAMPLE_RATIO", 1),
		},

		Auth: AuthConfig{
			SigningKey:  os.Getenv("JWT_SIGNING_KEY"),
			Issuer:      getEnvOrDefault("JWT_ISSUER", "https://api.stopwise.dev"),
			Audience:    getEnvOrDefault("JWT_AUDIENCE", "stopwise-api"),
			TokenExpiry: p.duration("JWT_TOKEN_EXPIRY", 24*time.Hour),
		},

		Routing: RoutingConfig{
			Provider:       strings.ToLower(getEnvOrDefault("ROUTING_PROVIDER", RoutingOSRM)),
			Profile:        routing.RouteProfile(getEnvOrDefault("ROUTING_PROFILE", string(routing.ProfileDriving))),
			ORSAPIKey:      os.Getenv("ORS_API_KEY"),
			ORSBaseURL:     os.Getenv("ORS_BASE_URL"),
			OSRMBaseURL:    os.Getenv("OSRM_BASE_URL"),
			MaxWaypoints:   p.int("ROUTING_MAX_WAYPOINTS", 0),
			CacheTTL:       p.duration("ROUTING_CACHE_TTL", 5*time.Minute),
			RequestTimeout: p.duration("ROUTING_REQUEST_TIMEOUT", 10*time.Second),
		},

		Optimizer: OptimizerConfig{
			PinLast:          p.bool("OPTIMIZER_PIN_LAST", true),
			Fallback:         optimizer.Fallback(getEnvOrDefault("OPTIMIZER_FALLBACK", string(optimizer.FallbackIdentity))),
			FallbackSpeedKmh: p.float("OPTIMIZER_FALLBACK_SPEED_KMH", optimizer.DefaultFallbackSpeedKmh),
			Timeout:          p.duration("OPTIMIZER_TIMEOUT", optimizer.DefaultTimeout),
		},

		Session: SessionConfig{
			Trigger:        session.Trigger(getEnvOrDefault("SESSION_TRIGGER", string(session.TriggerRoute))),
			RequestTimeout: p.duration("SESSION_REQUEST_TIMEOUT", session.DefaultRequestTimeout),
			IdleTTL:        p.duration("SESSION_IDLE_TTL", session.DefaultIdleTTL),
			SweepInterval:  p.duration("SESSION_SWEEP_INTERVAL", time.Minute),
			EventBuffer:    p.int("SESSION_EVENT_BUFFER", 16),
		},

		Geocoding: GeocodingConfig{
			Provider:         strings.ToLower(getEnvOrDefault("GEOCODING_PROVIDER", GeocodingNominatim)),
			NominatimBaseURL: os.Getenv("NOMINATIM_BASE_URL"),
			UserAgent:        getEnvOrDefault("NOMINATIM_USER_AGENT", "stopwise/1.0"),
			AcceptLanguage:   getEnvOrDefault("GEOCODING_LANGUAGE", "en"),
			CountryCodes:     os.Getenv("GEOCODING_COUNTRY_CODES"),
			ORSCountry:       os.Getenv("ORS_GEOCODE_COUNTRY"),
			CacheTTL:         p.duration("GEOCODING_CACHE_TTL", 24*time.Hour),
			Timeout:          p.duration("GEOCODING_TIMEOUT", 5*time.Second),
		},

		Worker: WorkerConfig{
			ProjectID:    os.Getenv("GCP_PROJECT_ID"),
			Subscription: getEnvOrDefault("PUBSUB_SUBSCRIPTION", "stopwise-optimize-jobs"),
			ResultTopic:  getEnvOrDefault("PUBSUB_RESULT_TOPIC", "stopwise-optimize-results"),
			Concurrency:  p.int("WORKER_CONCURRENCY", 4),
			PlanTimeout:  p.duration("WORKER_PLAN_TIMEOUT", 30*time.Second),
		},

		DatabaseEnabled: p.bool("DB_ENABLED", false),

		Database: database.Config{
			URL:               os.Getenv("DATABASE_URL"),
			Host:              getEnvOrDefault("DB_HOST", "localhost"),
			Port:              p.int("DB_PORT", 5432),
			User:              getEnvOrDefault("DB_USER", "stopwise"),
			Password:          getEnvOrDefault("DB_PASSWORD", "localdev"),
			Database:          getEnvOrDefault("DB_NAME", "stopwise"),
			SSLMode:           getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns:          p.int("DB_MAX_CONNS", 10),
			MinConns:          p.int("DB_MIN_CONNS", 2),
			ConnMaxLifetime:   p.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			HealthCheckPeriod: p.duration("DB_HEALTH_CHECK_PERIOD", time.Minute),
			ConnectTimeout:    p.duration("DB_CONNECT_TIMEOUT", 10*time.Second),
		},
	}

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate rejects unknown enum values and settings that cannot work.
func (c Config) Validate() error {
	var errs []error

	switch c.Routing.Provider {
	case RoutingORS:
		if c.Routing.ORSAPIKey == "" {
			errs = append(errs, errors.New("ORS_API_KEY is required when ROUTING_PROVIDER=ors"))
		}
	case RoutingOSRM:
	default:
		errs = append(errs, fmt.Errorf("ROUTING_PROVIDER: unknown provider %q", c.Routing.Provider))
	}

	if _, err := routing.ParseProfile(string(c.Routing.Profile)); err != nil {
		errs = append(errs, fmt.Errorf("ROUTING_PROFILE: %w", err))
	}
	if _, err := optimizer.ParseFallback(string(c.Optimizer.Fallback)); err != nil {
		errs = append(errs, fmt.Errorf("OPTIMIZER_FALLBACK: %w", err))
	}
	if _, err := session.ParseTrigger(string(c.Session.Trigger)); err != nil {
		errs = append(errs, fmt.Errorf("SESSION_TRIGGER: %w", err))
	}

	switch c.Geocoding.Provider {
	case GeocodingNominatim, GeocodingNone:
	case GeocodingORS:
		if c.Routing.ORSAPIKey == "" {
			errs = append(errs, errors.New("ORS_API_KEY is required when GEOCODING_PROVIDER=ors"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEOCODING_PROVIDER: unknown provider %q", c.Geocoding.Provider))
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO: %v is outside [0, 1]", c.Telemetry.SampleRatio))
	}
	if c.DatabaseEnabled && (c.Database.MaxConns < 1 || c.Database.MinConns > c.Database.MaxConns) {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS/DB_MIN_CONNS: need 1 <= min <= max, got %d/%d",
			c.Database.MinConns, c.Database.MaxConns))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY: must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.IsProduction() && c.Auth.SigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required in production"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// parser collects typed parse errors so that every bad variable is reported
// at once.
type parser struct {
	errs []error
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
