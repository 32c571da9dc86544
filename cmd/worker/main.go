// Package main provides the entrypoint for the stopwise batch worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/middleware"
	"github.com/stopwise/stopwise/internal/config"
	"github.com/stopwise/stopwise/internal/optimizer"
	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/routing"
	"github.com/stopwise/stopwise/internal/routing/openrouteservice"
	"github.com/stopwise/stopwise/internal/routing/osrm"
	"github.com/stopwise/stopwise/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "stopwise-worker").
		Str("version", Version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}
	if cfg.Worker.ProjectID == "" || cfg.Worker.Subscription == "" {
		log.Fatal().Msg("GCP_PROJECT_ID and WORKER_SUBSCRIPTION are required")
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting stopwise worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := resilience.NewRegistry()
	provider, err := newRoutingProvider(cfg, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize routing provider")
	}

	job := worker.NewBatchJob(worker.BatchJobConfig{
		Config: worker.BatchConfig{
			Concurrency: cfg.Worker.Concurrency,
			PlanTimeout: cfg.Worker.PlanTimeout,
			PinLast:     cfg.Optimizer.PinLast,
		},
		Planners: worker.OptimizerFactory(optimizer.Config{
			Provider:         provider,
			Fallback:         cfg.Optimizer.Fallback,
			FallbackSpeedKmh: cfg.Optimizer.FallbackSpeedKmh,
			Timeout:          cfg.Optimizer.Timeout,
			Logger:           log.With().Str("component", "optimizer").Logger(),
		}),
		Logger: log.With().Str("component", "batch").Logger(),
	})

	handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
		ProjectID:        cfg.Worker.ProjectID,
		SubscriptionName: cfg.Worker.Subscription,
		ResultTopic:      cfg.Worker.ResultTopic,
		Job:              job,
		Logger:           log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pubsub handler")
	}

	// Cloud Run needs an HTTP endpoint even for pull workers.
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":  "healthy",
			"version": Version,
		})
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, job.MetricsSnapshot())
	})
	r.Get("/providers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, registry.GetAllHealth())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("pubsub receive stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	log.Info().Msg("shutting down worker")
	cancel()
	<-done

	if err := handler.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub handler")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}

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

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
