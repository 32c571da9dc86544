// Package api provides the HTTP API for stopwise.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stopwise/stopwise/internal/api/handler"
	"github.com/stopwise/stopwise/internal/api/middleware"
	"github.com/stopwise/stopwise/internal/auth"
	"github.com/stopwise/stopwise/internal/live"
	"github.com/stopwise/stopwise/internal/provider/resilience"
	"github.com/stopwise/stopwise/internal/session"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	Sessions handler.Sessions
	Tokens   *auth.TokenService
	Geocoder session.Geocoder // optional
	Hub      *live.Hub        // optional
	Database handler.Pinger   // optional
	Registry *resilience.Registry
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "stopwise-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Database:  cfg.Database,
		Registry:  cfg.Registry,
		Sessions:  cfg.Sessions,
	})
	sessionHandler := handler.NewSessionHandler(cfg.Sessions, cfg.Tokens, cfg.Hub, cfg.Logger)
	stopHandler := handler.NewStopHandler(cfg.Sessions, cfg.Logger)
	routeHandler := handler.NewRouteHandler(cfg.Sessions, cfg.Logger)
	geocodeHandler := handler.NewGeocodeHandler(cfg.Geocoder, cfg.Logger)

	sessionAuth := middleware.SessionAuth(cfg.Tokens)

	sessionCreateRateLimit := middleware.RateLimitByIP(middleware.SessionCreateRateLimit) // 10 req/min
	expensiveRateLimit := middleware.RateLimitBySession(middleware.ExpensiveRateLimit)   // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)           // 100 req/min
	sessionRateLimit := middleware.RateLimitBySession(middleware.StandardRateLimit)       // 100 req/min

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(standardRateLimit).Get("/status", opsHandler.SystemStatus)
		})

		r.With(standardRateLimit, middleware.RequireJSON).Post("/geocode", geocodeHandler.Geocode)

		r.Route("/sessions", func(r chi.Router) {
			r.With(sessionCreateRateLimit, middleware.RequireJSON).Post("/", sessionHandler.CreateSession)

			r.Route("/{"+middleware.SessionIDParam+"}", func(r chi.Router) {
				r.Use(sessionAuth)

				// The event stream is long-lived and must not count
				// against the request budget.
				r.Get("/events", sessionHandler.Events)

				r.Group(func(r chi.Router) {
					r.Use(sessionRateLimit)
					r.Use(middleware.RequireJSON)

					r.Get("/", sessionHandler.GetSession)
					r.Delete("/", sessionHandler.DeleteSession)

					r.Post("/stops", stopHandler.AddStop)
					r.Delete("/stops", stopHandler.ClearStops)
					r.Post("/stops:reorder", stopHandler.ReorderStops)
					r.Put("/stops:order", stopHandler.ReplaceOrder)
					r.With(expensiveRateLimit).Post("/stops:cluster", stopHandler.ClusterStops)
					r.Route("/stops/{stopId}", func(r chi.Router) {
						r.Patch("/", stopHandler.EditStop)
						r.Delete("/", stopHandler.RemoveStop)
						r.Post("/move", stopHandler.MoveStop)
					})

					r.Post("/route", routeHandler.Route)
					r.With(expensiveRateLimit).Post("/optimize", routeHandler.Optimize)
				})
			})
		})
	})

	return r
}
