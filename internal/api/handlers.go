package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"botfleet/internal/credential"
	"botfleet/internal/fleet"
	"botfleet/internal/models"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
	"botfleet/internal/worker"

	"github.com/gorilla/mux"
)

// FleetService is the part of fleet.Supervisor the handlers drive.
type FleetService interface {
	Create(ctx context.Context, req models.CreateWorkerRequest) (*worker.Instance, error)
	Start(ctx context.Context, id string) (fleet.StartResult, error)
	Stop(ctx context.Context, id string) error
	ForceStop(ctx context.Context, id string) error
	Running() []fleet.Summary
	Get(ctx context.Context, id string) (*models.WorkerRecord, error)
	List(ctx context.Context, owner string) ([]*models.WorkerRecord, error)
}

// CredentialLister exposes pool occupancy without secrets.
type CredentialLister interface {
	Stats() models.PoolStats
	List() []models.CredentialView
}

// LimiterStatus exposes the adaptive limiter's diagnostic views.
type LimiterStatus interface {
	Info(credentialID string) ratelimit.Snapshot
	Status() map[string]ratelimit.Snapshot
}

// Handlers contains the HTTP handlers for the fleet API
type Handlers struct {
	fleet     FleetService
	pool      CredentialLister
	limiter   LimiterStatus
	storage   storage.Storage
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// HandlersOption configures optional Handlers dependencies.
type HandlersOption func(*Handlers)

// WithStorage attaches storage so the health check can ping it.
func WithStorage(s storage.Storage) HandlersOption {
	return func(h *Handlers) {
		h.storage = s
	}
}

func WithLogger(logger *slog.Logger) HandlersOption {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithVersion sets the version reported by the health check.
func WithVersion(version string) HandlersOption {
	return func(h *Handlers) {
		h.version = version
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(fleetSvc FleetService, pool CredentialLister, limiter LimiterStatus, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		fleet:     fleetSvc,
		pool:      pool,
		limiter:   limiter,
		logger:    slog.Default(),
		version:   "dev",
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateWorker allocates a credential and builds a new worker
// POST /api/v1/workers
func (h *Handlers) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var req models.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}

	inst, err := h.fleet.Create(r.Context(), req)
	if err != nil {
		h.writeFleetError(w, r, "create", err)
		return
	}

	var resp models.WorkerResponse
	resp.FromRecord(inst.Record(time.Now()))
	h.writeJSONResponse(w, http.StatusCreated, resp)
}

// ListWorkers returns persisted workers, optionally filtered by owner
// GET /api/v1/workers?owner=
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))

	recs, err := h.fleet.List(r.Context(), owner)
	if err != nil {
		h.writeFleetError(w, r, "list", err)
		return
	}

	resp := models.ListWorkersResponse{
		Workers:    make([]models.WorkerResponse, len(recs)),
		TotalCount: len(recs),
	}
	for i, rec := range recs {
		resp.Workers[i].FromRecord(rec)
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// GET /api/v1/workers/{id}
func (h *Handlers) GetWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.fleet.Get(r.Context(), id)
	if err != nil {
		h.writeFleetError(w, r, "get", err)
		return
	}

	var resp models.WorkerResponse
	resp.FromRecord(rec)
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// POST /api/v1/workers/{id}/start
func (h *Handlers) StartWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	res, err := h.fleet.Start(r.Context(), id)
	if err != nil {
		h.writeFleetError(w, r, worker.OpStart, err)
		return
	}

	msg := "worker started"
	if res.AlreadyRunning {
		msg = "worker already running"
	}
	h.writeJSONResponse(w, http.StatusOK, models.LifecycleResponse{
		InstanceID: id,
		Status:     models.WorkerStatusRunning,
		Message:    msg,
	})
}

// POST /api/v1/workers/{id}/stop
func (h *Handlers) StopWorker(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, worker.OpStop, h.fleet.Stop)
}

// ForceStopWorker tears a worker down from any live state, including error.
// POST /api/v1/workers/{id}/force-stop
func (h *Handlers) ForceStopWorker(w http.ResponseWriter, r *http.Request) {
	h.stop(w, r, worker.OpForceStop, h.fleet.ForceStop)
}

func (h *Handlers) stop(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	id := mux.Vars(r)["id"]

	if err := fn(r.Context(), id); err != nil {
		h.writeFleetError(w, r, op, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, models.LifecycleResponse{
		InstanceID: id,
		Status:     models.WorkerStatusStopped,
		Message:    "worker stopped",
	})
}

// ListRunning returns the workers whose background task is active
// GET /api/v1/running
func (h *Handlers) ListRunning(w http.ResponseWriter, r *http.Request) {
	running := h.fleet.Running()
	if running == nil {
		running = []fleet.Summary{}
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"running":     running,
		"total_count": len(running),
	})
}

// GET /api/v1/credentials
func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := h.pool.List()
	if creds == nil {
		creds = []models.CredentialView{}
	}
	h.writeJSONResponse(w, http.StatusOK, models.CredentialsResponse{
		Stats:       h.pool.Stats(),
		Credentials: creds,
	})
}

// RateLimitStatus returns limiter state for every credential seen so far
// GET /api/v1/ratelimit
func (h *Handlers) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"credentials": h.limiter.Status(),
	})
}

// RateLimitInfo returns limiter state for one credential. Unknown credentials
// report a fresh bucket.
// GET /api/v1/ratelimit/{credential_id}
func (h *Handlers) RateLimitInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["credential_id"]
	h.writeJSONResponse(w, http.StatusOK, h.limiter.Info(id))
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.Uptime = time.Since(h.startedAt).Round(time.Second).String()

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			response.Status = models.StatusDegraded
			response.AddComponent("storage", models.StatusUnhealthy, err.Error())
		} else {
			response.AddComponent("storage", models.StatusHealthy, "Storage is operational")
		}
	}

	stats := h.pool.Stats()
	switch {
	case stats.Total == 0:
		response.Status = models.StatusDegraded
		response.AddComponent("credentials", models.StatusUnhealthy, "no credentials configured")
	case stats.Free == 0:
		response.AddComponent("credentials", models.StatusDegraded, "no free credentials")
	default:
		response.AddComponent("credentials", models.StatusHealthy, "")
	}

	response.AddMetric("credentials_total", stats.Total)
	response.AddMetric("credentials_free", stats.Free)
	response.AddMetric("running_workers", len(h.fleet.Running()))

	h.writeJSONResponse(w, http.StatusOK, response)
}

// writeFleetError maps supervisor and pool errors onto API error responses.
func (h *Handlers) writeFleetError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		te *worker.TransitionError
		fe *worker.FaultError
		se *fleet.StopError
	)

	switch {
	case errors.Is(err, fleet.ErrInvalidRequest):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, models.ErrorCodeValidation, err.Error())
	case errors.Is(err, credential.ErrPoolExhausted):
		resp := models.NewErrorResponse("No free credential available", models.ErrorCodePoolExhausted)
		h.writeJSONResponse(w, http.StatusServiceUnavailable, resp)
	case errors.As(err, &te) && te.From == worker.StateNone:
		resp := models.NewErrorResponse("Worker not found", models.ErrorCodeNotFound).
			WithDetail("instance_id", te.InstanceID)
		h.writeJSONResponse(w, http.StatusNotFound, resp)
	case errors.As(err, &te):
		resp := models.NewErrorResponse(err.Error(), models.ErrorCodeInvalidTransition).
			WithDetail("instance_id", te.InstanceID).
			WithDetail("state", string(te.From)).
			WithDetail("operation", te.Op)
		h.writeJSONResponse(w, http.StatusConflict, resp)
	case errors.Is(err, fleet.ErrNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "Worker not found")
	case errors.As(err, &fe):
		h.logger.Warn("Worker fault", "operation", op, "instance_id", fe.InstanceID,
			"credential_id", fe.CredentialID, "error", fe.Err)
		resp := models.NewErrorResponse(err.Error(), models.ErrorCodeWorkerFault).
			WithDetail("instance_id", fe.InstanceID).
			WithDetail("credential_id", fe.CredentialID)
		h.writeJSONResponse(w, http.StatusBadGateway, resp)
	case errors.As(err, &se):
		h.logger.Warn("Worker stopped uncleanly", "operation", op, "instance_id", se.InstanceID, "error", se.Err)
		resp := models.NewErrorResponse(err.Error(), models.ErrorCodeStopIncomplete).
			WithDetail("instance_id", se.InstanceID)
		h.writeJSONResponse(w, http.StatusInternalServerError, resp)
	default:
		h.logger.Error("Fleet operation failed", "operation", op, "path", r.URL.Path, "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing else can be sent.
		h.logger.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}
