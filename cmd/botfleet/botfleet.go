package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botfleet/internal/api"
	"botfleet/internal/config"
	"botfleet/internal/credential"
	"botfleet/internal/fleet"
	"botfleet/internal/logger"
	"botfleet/internal/models"
	"botfleet/internal/observability"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
	"botfleet/internal/version"
	"botfleet/internal/worker"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	exampleFile = flag.String("write-example", "", "Write an example configuration to this path and exit")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	info := version.GetInfo()
	if *showVersion {
		fmt.Println(info.String())
		return
	}

	if *exampleFile != "" {
		if err := config.SaveExample(*exampleFile); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *exampleFile)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, info)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, info)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	fleetMetrics, err := observability.NewFleetMetrics(otelProvider.Meter("botfleet"))
	if err != nil {
		slog.Error("Failed to create fleet metrics", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	storageInstance, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer storageInstance.Close()

	// Wrap storage with instrumentation if metrics are enabled
	var activeStorage storage.Storage = storageInstance
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(storageInstance)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		activeStorage = instrumented
	}

	supervisor, pool, limiter, err := buildFleet(context.Background(), cfg, activeStorage, fleetMetrics)
	if err != nil {
		slog.Error("Failed to initialize fleet", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(supervisor, pool, limiter,
		api.WithStorage(activeStorage),
		api.WithLogger(logger.Component(log, "api")),
		api.WithVersion(info.Version),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.Security.RateLimit.Enabled {
		apiLimiter := ratelimit.NewMemoryLimiterFromConfig(cfg.Security.RateLimit)
		defer apiLimiter.Close()
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(apiLimiter, logger.Component(log, "api"))))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Starting server", "addr", server.Addr, "version", info.Version)

		var err error
		if cfg.Server.TLSEnabled {
			if cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "" {
				slog.Error("TLS is enabled but cert file or key file is not specified")
				os.Exit(1)
			}
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting lifecycle requests before the fleet goes down.
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := supervisor.ShutdownAll(ctx); err != nil {
		var se *fleet.ShutdownError
		if errors.As(err, &se) {
			slog.Error("Some workers did not stop cleanly", "instance_ids", se.IDs())
		} else {
			slog.Error("Fleet shutdown failed", "error", err)
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// buildFleet wires the limiter, credential pool and supervisor, restores
// persisted assignments and reconciles records left by a previous process.
func buildFleet(ctx context.Context, cfg *models.Config, store storage.Storage, m *observability.FleetMetrics) (*fleet.Supervisor, *credential.Pool, *ratelimit.AdaptiveLimiter, error) {
	log := slog.Default()

	limiter := ratelimit.NewAdaptiveLimiter(ratelimit.PolicyFromConfig(cfg.Limiter),
		ratelimit.WithMetrics(m),
		ratelimit.WithLogger(logger.Component(log, "ratelimit")),
	)

	pool, err := credential.NewPool(cfg.Fleet.Credentials, store,
		credential.WithMetrics(m),
		credential.WithLogger(logger.Component(log, "credential")),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("credential pool: %w", err)
	}

	restored, err := pool.Restore(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("restore assignments: %w", err)
	}

	factory := worker.NewEchoFactory(cfg.Platform, limiter, worker.Echo, logger.Component(log, "worker"))

	supervisor := fleet.NewSupervisor(cfg.Fleet, pool, factory, store,
		fleet.WithMetrics(m),
		fleet.WithLogger(logger.Component(log, "fleet")),
		fleet.WithFaultHandler(func(fe *worker.FaultError) {
			log.Warn("Worker entered error state; force-stop it to free the credential",
				"instance_id", fe.InstanceID, "credential_id", fe.CredentialID, "error", fe.Err)
		}),
	)

	res, err := supervisor.Reconcile(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reconcile workers: %w", err)
	}

	stats := pool.Stats()
	log.Info("Fleet ready",
		"credentials", stats.Total,
		"free", stats.Free,
		"assignments_restored", restored,
		"workers_restored", res.Restored,
		"workers_stopped", res.Stopped,
	)
	return supervisor, pool, limiter, nil
}
