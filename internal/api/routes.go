// Package api exposes the fleet supervisor, credential pool and adaptive
// limiter over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"botfleet/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/metrics"
			}),
		))
	}
}

// WithRateLimiter adds rate limiting middleware to the router.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		r.Use(middleware)
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	if config.Security.APIToken != "" {
		api.Use(tokenAuthMiddleware(config.Security.APIToken))
	}

	api.HandleFunc("/workers", handlers.CreateWorker).Methods("POST")
	api.HandleFunc("/workers", handlers.ListWorkers).Methods("GET")
	api.HandleFunc("/workers/{id}", handlers.GetWorker).Methods("GET")
	api.HandleFunc("/workers/{id}/start", handlers.StartWorker).Methods("POST")
	api.HandleFunc("/workers/{id}/stop", handlers.StopWorker).Methods("POST")
	api.HandleFunc("/workers/{id}/force-stop", handlers.ForceStopWorker).Methods("POST")
	api.HandleFunc("/running", handlers.ListRunning).Methods("GET")
	api.HandleFunc("/credentials", handlers.ListCredentials).Methods("GET")
	api.HandleFunc("/ratelimit", handlers.RateLimitStatus).Methods("GET")
	api.HandleFunc("/ratelimit/{credential_id}", handlers.RateLimitInfo).Methods("GET")

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(models.NewErrorResponse("Route not found", models.ErrorCodeNotFound))
	})

	return router
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	errorResp := models.NewErrorResponse("Method not allowed", models.ErrorCodeMethodNotAllowed)
	json.NewEncoder(w).Encode(errorResp)
}
