// Package models - API response types and error handling.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Error responses carry a machine-readable code so callers can decide on retry
// - RFC3339 timestamps
package models

import (
	"time"
)

// WorkerResponse describes one worker instance.
type WorkerResponse struct {
	InstanceID   string    `json:"instance_id"`
	CredentialID string    `json:"credential_id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated,omitempty"`
}

// FromRecord fills the response from a persisted status record.
func (wr *WorkerResponse) FromRecord(rec *WorkerRecord) {
	wr.InstanceID = rec.InstanceID
	wr.CredentialID = rec.CredentialID
	wr.Owner = rec.Owner
	wr.Name = rec.Name
	wr.Status = rec.Status
	wr.LastError = rec.LastError
	wr.CreatedAt = rec.CreatedAt
	wr.LastUpdated = rec.LastUpdated
}

type ListWorkersResponse struct {
	Workers    []WorkerResponse `json:"workers"`
	TotalCount int              `json:"total_count"`
}

// LifecycleResponse reports the outcome of a start/stop request.
type LifecycleResponse struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type CredentialsResponse struct {
	Stats       PoolStats        `json:"stats"`
	Credentials []CredentialView `json:"credentials"`
}

// ErrorResponse provides structured error information.
//
// Details carry the context a caller needs to decide on a retry: which
// credential, which state, which reason.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Error codes returned by the API.
const (
	ErrorCodeNotFound           = "NOT_FOUND"            // 404: Worker doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"          // 400: Malformed request body
	ErrorCodeUnauthorized       = "UNAUTHORIZED"         // 401: Missing or wrong API token
	ErrorCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"   // 405: Route exists for another method
	ErrorCodeValidation         = "VALIDATION_ERROR"     // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"       // 500: Server-side error
	ErrorCodePoolExhausted      = "POOL_EXHAUSTED"       // 503: No free credential
	ErrorCodeInvalidTransition  = "INVALID_TRANSITION"   // 409: Lifecycle operation not valid in current state
	ErrorCodeWorkerFault        = "WORKER_FAULT"         // 502: Worker failed during setup or run
	ErrorCodeStopIncomplete     = "STOP_INCOMPLETE"      // 500: Worker stopped but did not exit cleanly
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"  // 429: API request limit hit
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"  // 503: Dependency down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WithDetail attaches a key/value pair to the error response.
func (e *ErrorResponse) WithDetail(key, value string) *ErrorResponse {
	if value == "" {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
