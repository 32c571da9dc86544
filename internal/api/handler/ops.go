package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/api/response"
	"github.com/stopwise/stopwise/internal/provider/resilience"
)

// Pinger checks a dependency. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Count() int
}

// OpsConfig configures an OpsHandler. Database and Registry are optional.
type OpsConfig struct {
	Version   string
	BuildTime string
	Database  Pinger
	Registry  *resilience.Registry
	Sessions  SessionCounter
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(time.Now()),
		Version:   h.cfg.Version,
		BuildTime: h.cfg.BuildTime,
	})
}

// ReadinessCheck handles GET /v1/ops/ready - readiness check. The service
// is ready without a database; with one configured it must answer a ping.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}

	if h.cfg.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Database.Ping(ctx); err != nil {
			health.Status = models.HealthStatusFail
			health.Checks = map[string]string{"postgres": err.Error()}
			response.JSON(w, r, http.StatusServiceUnavailable, health)
			return
		}
	}
	response.JSON(w, r, http.StatusOK, health)
}

// SystemStatus handles GET /v1/ops/status - provider and subsystem status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: []models.SubsystemStatus{},
		Providers:  []models.ProviderStatus{},
	}

	if h.cfg.Sessions != nil {
		status.ActiveSessions = h.cfg.Sessions.Count()
	}

	if h.cfg.Database != nil {
		sub := models.SubsystemStatus{Name: "postgres", Status: models.HealthStatusOK}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.cfg.Database.Ping(ctx); err != nil {
			sub.Status = models.HealthStatusFail
			sub.Detail = err.Error()
		}
		cancel()
		status.Subsystems = append(status.Subsystems, sub)
		status.Status = worst(status.Status, sub.Status)
	}

	if h.cfg.Registry != nil {
		for _, ph := range h.cfg.Registry.GetAllHealth() {
			ps := providerStatus(ph)
			status.Providers = append(status.Providers, ps)
			// Routes fall back to straight lines, so provider trouble is DEGRADED.
			if ps.Status != models.HealthStatusOK {
				status.Status = worst(status.Status, models.HealthStatusDegraded)
			}
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func providerStatus(ph *resilience.ProviderHealth) models.ProviderStatus {
	ps := models.ProviderStatus{
		Provider:            ph.Name,
		Status:              models.HealthStatusOK,
		CircuitState:        ph.CircuitState.String(),
		ConsecutiveFailures: ph.Counts.ConsecutiveFailures,
		LastError:           ph.LastError,
	}
	switch ph.CircuitState {
	case gobreaker.StateOpen:
		ps.Status = models.HealthStatusFail
	case gobreaker.StateHalfOpen:
		ps.Status = models.HealthStatusDegraded
	}
	if ph.LastSuccessAt != nil {
		ts := models.Timestamp(*ph.LastSuccessAt)
		ps.LastSuccessAt = &ts
	}
	if ph.LastFailureAt != nil {
		ts := models.Timestamp(*ph.LastFailureAt)
		ps.LastFailureAt = &ts
	}
	return ps
}

var statusRank = map[models.HealthStatus]int{
	models.HealthStatusOK:       0,
	models.HealthStatusDegraded: 1,
	models.HealthStatusFail:     2,
}

func worst(a, b models.HealthStatus) models.HealthStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}
