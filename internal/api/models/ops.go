package models

// Health is the body of the liveness and readiness probes.
type Health struct {
	Status    HealthStatus `json:"status"`
	Time      Timestamp    `json:"time"`
	Version   string       `json:"version,omitempty"`
	BuildTime string       `json:"buildTime,omitempty"`
	// Checks maps a failing dependency to its error.
	Checks map[string]string `json:"checks,omitempty"`
}

// SystemStatus is the body of GET /v1/ops/status.
type SystemStatus struct {
	Status         HealthStatus      `json:"status"`
	Time           Timestamp         `json:"time"`
	ActiveSessions int               `json:"activeSessions"`
	Subsystems     []SubsystemStatus `json:"subsystems"`
	Providers      []ProviderStatus  `json:"providers"`
}

type SubsystemStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// ProviderStatus reports a routing or geocoding provider as seen through
// its circuit breaker.
type ProviderStatus struct {
	Provider            string       `json:"provider"`
	Status              HealthStatus `json:"status"`
	CircuitState        string       `json:"circuitState"`
	ConsecutiveFailures uint32       `json:"consecutiveFailures"`
	LastSuccessAt       *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
}
