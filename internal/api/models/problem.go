package models

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 error body, served as application/problem+json.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request ID, echoed for support requests.
	TraceID string       `json:"traceId"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// problemBase prefixes every problem type URI.
const problemBase = "https://api.stopwise.dev/problems/"

// ProblemType constants for standard error types.
const (
	ProblemTypeValidation      = problemBase + "validation-error"
	ProblemTypeUnauthorized    = problemBase + "unauthorized"
	ProblemTypeForbidden       = problemBase + "forbidden"
	ProblemTypeNotFound        = problemBase + "not-found"
	ProblemTypeConflict        = problemBase + "conflict"
	ProblemTypeTooManyRequests = problemBase + "too-many-requests"
	ProblemTypeInternal        = problemBase + "internal-error"
	ProblemTypeUnavailable     = problemBase + "service-unavailable"
	ProblemTypeTimeout         = problemBase + "provider-timeout"
	ProblemTypeNoRoute         = problemBase + "no-route"
	ProblemTypeTLSRequired     = problemBase + "tls-required"
	ProblemTypeMediaType       = problemBase + "unsupported-media-type"
)

// NewProblem creates a new Problem with the given parameters.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

// Write writes the Problem as JSON to the ResponseWriter.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-Id", p.TraceID)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func newProblem(problemType, title string, status int, traceID, detail string) *Problem {
	p := NewProblem(problemType, title, status, traceID)
	p.Detail = detail
	return p
}

// NewBadRequest creates a 400 validation problem.
func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	p := newProblem(ProblemTypeValidation, "Validation error", http.StatusBadRequest, traceID, detail)
	p.Errors = errors
	return p
}

// NewUnauthorized creates a 401 problem for a missing or bad session token.
func NewUnauthorized(traceID, detail string) *Problem {
	return newProblem(ProblemTypeUnauthorized, "Unauthorized", http.StatusUnauthorized, traceID, detail)
}

// NewForbidden creates a 403 problem.
func NewForbidden(traceID, detail string) *Problem {
	return newProblem(ProblemTypeForbidden, "Forbidden", http.StatusForbidden, traceID, detail)
}

// NewNotFound creates a 404 problem.
func NewNotFound(traceID, detail string) *Problem {
	return newProblem(ProblemTypeNotFound, "Not found", http.StatusNotFound, traceID, detail)
}

// NewConflict creates a 409 problem, used when a submitted order is stale.
func NewConflict(traceID, detail string) *Problem {
	return newProblem(ProblemTypeConflict, "Conflict", http.StatusConflict, traceID, detail)
}

// NewTooManyRequests creates a 429 problem.
func NewTooManyRequests(traceID, detail string) *Problem {
	return newProblem(ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests, traceID, detail)
}

// NewUnsupportedMediaType creates a 415 problem.
func NewUnsupportedMediaType(traceID, detail string) *Problem {
	return newProblem(ProblemTypeMediaType, "Unsupported media type", http.StatusUnsupportedMediaType, traceID, detail)
}

// NewInternalError creates a 500 problem.
func NewInternalError(traceID, detail string) *Problem {
	return newProblem(ProblemTypeInternal, "Internal server error", http.StatusInternalServerError, traceID, detail)
}

// NewServiceUnavailable creates a 503 problem.
func NewServiceUnavailable(traceID, detail string) *Problem {
	return newProblem(ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable, traceID, detail)
}

// NewGatewayTimeout creates a 504 problem for a provider that did not
// answer in time.
func NewGatewayTimeout(traceID, detail string) *Problem {
	return newProblem(ProblemTypeTimeout, "Provider timeout", http.StatusGatewayTimeout, traceID, detail)
}

// NewNoRoute creates a 422 problem for stops the road network cannot
// connect.
func NewNoRoute(traceID, detail string) *Problem {
	return newProblem(ProblemTypeNoRoute, "No route found", http.StatusUnprocessableEntity, traceID, detail)
}
