// Package main provides the entrypoint for the stopwise API server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api"
	"github.com/stopwise/stopwise/internal/api/handler"
	"github.com/stopwise/stopwise/internal/api/middleware"
	"github.com/stopwise/stopwise/internal/auth"
	"github.com/stopwise/stopwise/internal/config"
	"github.com/stopwise/stopwise/internal/database"
	"github.com/stopwise/stopwise/internal/geocoding"
	"github.com/stopwise/stopwise/internal/geocoding/nominatim"
	orsgeocode "github.com/stopwise/stopwise/internal/geocoding/openrouteservice"
	"github.com/stopwise/stopwise/internal/live"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/routing/openrouteservice"
	"github.com/stopwise/stopwise/internal/routing/osrm"
	"github.com/stopwise/stopwise/internal/session"
	"github.com/stopwise/stopwise/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "stopwise-api"

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting stopwise API")

	ctx := context.Background()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}
	sessionMetrics, err := session.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session metrics")
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseEnabled {
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("database connected")
	}

	registry := resilience.NewRegistry()

	provider, err := newRoutingProvider(cfg, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize routing provider")
	}
	profile, _ := routing.ParseProfile(string(cfg.Routing.Profile)) // validated by config.Load

	planner := optimizer.New(optimizer.Config{
		Provider:         provider,
		Profile:          profile,
		PinLast:          cfg.Optimizer.PinLast,
		Fallback:         cfg.Optimizer.Fallback,
		FallbackSpeedKmh: cfg.Optimizer.FallbackSpeedKmh,
		Timeout:          cfg.Optimizer.Timeout,
		Logger:           log.With().Str("component", "optimizer").Logger(),
	})
	log.Info().
		Str("provider", provider.Name()).
		Str("profile", string(profile)).
		Bool("pin_last", cfg.Optimizer.PinLast).
		Str("fallback", string(cfg.Optimizer.Fallback)).
		Msg("optimizer initialized")

	geocoder, err := newGeocoder(ctx, cfg, pool, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize geocoder")
	}

	tokens, err := newTokenService(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session tokens")
	}

	hub := live.NewHub(live.HubConfig{
		BufferSize: cfg.Session.EventBuffer,
		Logger:     log.With().Str("component", "live").Logger(),
	})

	managerCfg := session.ManagerConfig{
		Planner:        planner,
		Renderers:      hub.Renderer,
		Trigger:        cfg.Session.Trigger,
		RequestTimeout: cfg.Session.RequestTimeout,
		IdleTTL:        cfg.Session.IdleTTL,
		Metrics:        sessionMetrics,
		OnClose:        hub.CloseSession,
		Logger:         log.With().Str("component", "session").Logger(),
	}
	if geocoder != nil {
		managerCfg.Geocoder = geocoder
	}
	manager := session.NewManager(managerCfg)
	defer manager.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go manager.Run(sweepCtx, cfg.Session.SweepInterval)

	routerCfg := api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		RequireTLS:  cfg.RequireTLS,
		Sessions:    manager,
		Tokens:      tokens,
		Hub:         hub,
		Registry:    registry,
	}
	if geocoder != nil {
		routerCfg.Geocoder = geocoder
	}
	if pool != nil {
		routerCfg.Database = handler.Pinger(pool)
	}
	router := api.NewRouter(routerCfg)

	// WriteTimeout is left at zero: the event stream is long-lived and
	// optimize requests wait for the provider.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// newRoutingProvider builds the configured routing client behind the
// caching service.
func newRoutingProvider(cfg config.Config, registry *resilience.Registry, log zerolog.Logger) (routing.Provider, error) {
	var client routing.Provider
	switch cfg.Routing.Provider {
	case config.RoutingORS:
		client = openrouteservice.NewClient(openrouteservice.ClientConfig{
			APIKey:       cfg.Routing.ORSAPIKey,
			BaseURL:      cfg.Routing.ORSBaseURL,
			Timeout:      cfg.Routing.RequestTimeout,
			MaxWaypoints: cfg.Routing.MaxWaypoints,
			Registry:     registry,
			Logger:       log,
		})
	default:
		client = osrm.NewClient(osrm.ClientConfig{
			BaseURL:      cfg.Routing.OSRMBaseURL,
			Timeout:      cfg.Routing.RequestTimeout,
			MaxWaypoints: cfg.Routing.MaxWaypoints,
			Registry:     registry,
			Logger:       log,
		})
	}

	providerMetrics, err := middleware.NewProviderMetrics()
	if err != nil {
		return nil, err
	}

	return routing.NewService(routing.ServiceConfig{
		Provider:       client,
		Logger:         log.With().Str("component", "routing").Logger(),
		Metrics:        providerMetrics,
		CacheTTL:       cfg.Routing.CacheTTL,
		RequestTimeout: cfg.Routing.RequestTimeout,
	}), nil
}

// newGeocoder returns nil when address lookup is disabled. Lookups are
// cached in Postgres when a database is configured.
func newGeocoder(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, registry *resilience.Registry, log zerolog.Logger) (*geocoding.Service, error) {
	var client geocoding.Client
	switch cfg.Geocoding.Provider {
	case config.GeocodingNone:
		log.Warn().Msg("address lookup disabled")
		return nil, nil
	case config.GeocodingORS:
		client = orsgeocode.NewClient(orsgeocode.ClientConfig{
			APIKey:   cfg.Routing.ORSAPIKey,
			BaseURL:  cfg.Routing.ORSBaseURL,
			Country:  cfg.Geocoding.ORSCountry,
			Registry: registry,
			Logger:   log,
		})
	default:
		client = nominatim.NewClient(nominatim.ClientConfig{
			BaseURL:        cfg.Geocoding.NominatimBaseURL,
			UserAgent:      cfg.Geocoding.UserAgent,
			AcceptLanguage: cfg.Geocoding.AcceptLanguage,
			CountryCodes:   cfg.Geocoding.CountryCodes,
			Registry:       registry,
			Logger:         log,
		})
	}

	var cache geocoding.Cache = geocoding.NewMemoryCache(cfg.Geocoding.CacheTTL)
	if pool != nil {
		pgCache := geocoding.NewPostgresCache(pool, cfg.Geocoding.CacheTTL)
		if err := pgCache.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		cache = pgCache
	}

	return geocoding.NewService(geocoding.ServiceConfig{
		Client:  client,
		Cache:   cache,
		Timeout: cfg.Geocoding.Timeout,
		Logger:  log.With().Str("component", "geocoding").Logger(),
	}), nil
}

func newTokenService(cfg config.Config, log zerolog.Logger) (*auth.TokenService, error) {
	key := cfg.Auth.SigningKey
	if key == "" {
		key = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	return auth.NewTokenService(auth.TokenConfig{
		SigningKey: key,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Expiry:     cfg.Auth.TokenExpiry,
	})
}
