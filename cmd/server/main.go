// Package main is the EventPulse server: the HTTP API (ingest, metrics,
// job status, health) and the in-process aggregation scheduler.
//
// The listener starts before the scheduler's startup catch-up, which runs in
// the background. Graceful shutdown runs on SIGINT or SIGTERM: the listener
// drains first, then the scheduler stops, the worker pool terminates and the
// database pool closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"eventpulse/internal/api/handlers"
	"eventpulse/internal/app"
	"eventpulse/internal/config"
	"eventpulse/internal/core"
	"eventpulse/internal/ingest"
	"eventpulse/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("eventpulse server starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	// Signals are captured before anything slow runs so an early SIGTERM
	// still takes the graceful path.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		a.Close(closeCtx)
		logger.Info("server stopped")
	}()

	srv, err := buildServer(a)
	if err != nil {
		return err
	}

	httpServer := srv.HTTPServer()
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpServer.Addr, err)
	}

	var bg backgroundService
	if cfg.Scheduler.Enabled {
		bg = a.Scheduler
	} else {
		logger.Warn("scheduler disabled; aggregation runs only through the maintenance function")
	}

	return serve(ctx, httpServer, ln, bg, shutdown, shutdownTimeout(cfg), logger)
}

// buildServer wires the HTTP chassis to the application components.
func buildServer(a *app.App) (*core.Server, error) {
	cfg := a.Config
	srv, err := core.NewServer(cfg, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	opener, err := ingest.NewOpener(cfg.Ingest.EnvelopeKey.Unmask())
	if err != nil {
		return nil, fmt.Errorf("creating envelope opener: %w", err)
	}
	ingestSvc := ingest.NewService(opener, a.Store.Events, srv.Validator, cfg.Ingest.MaxBatch, a.Logger)

	srv.Authenticator = a.APIKeys
	srv.HealthProbes = a.HealthProbes()
	if a.Prometheus != nil {
		srv.Metrics = a.Prometheus
		srv.MetricsHandler = a.Prometheus.Handler()
	}

	ingestHandler := handlers.NewIngestHandler(ingestSvc, handlers.IngestOptions{
		MaxBodyBytes:  cfg.Ingest.MaxBodyBytes,
		SessionCookie: cfg.Ingest.SessionCookie,
		RateLimit:     srv.IngestRateLimit(cfg.Ingest.RateLimit, cfg.Ingest.RateLimitWindow),
	}, a.Logger)

	metricsHandler := handlers.NewMetricsHandler(a.Store.Metrics, func(jobType string) bool {
		_, ok := a.Catalog.Lookup(jobType)
		return ok
	}, a.Logger)

	var schedules handlers.ScheduleSource
	if cfg.Scheduler.Enabled {
		schedules = a.Scheduler
	}
	jobsHandler := handlers.NewJobsHandler(a.Catalog, schedules, a.Store.Watermarks, a.Store.Runs, types.RealClock{}, a.Logger)

	srv.V1RouteRegistrars = []func(r chi.Router){
		ingestHandler.RegisterRoutes,
		metricsHandler.RegisterRoutes,
		jobsHandler.RegisterRoutes,
	}
	srv.MountRoutes()
	return srv, nil
}

// backgroundService runs beside the listener. *scheduler.Scheduler
// satisfies it.
type backgroundService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// serve accepts on ln, then starts bg in the background so startup catch-up
// never delays the listener or health checks. It returns after a signal or a
// listener error, once the listener drained and bg stopped.
func serve(
	ctx context.Context,
	httpServer *http.Server,
	ln net.Listener,
	bg backgroundService,
	shutdown <-chan os.Signal,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	bgDone := make(chan struct{})
	if bg != nil {
		go func() {
			defer close(bgDone)
			if err := bg.Start(bgCtx); err != nil && bgCtx.Err() == nil {
				logger.Error("scheduler start failed", "error", err)
			}
		}()
	} else {
		close(bgDone)
	}

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if bg != nil {
		if err := bg.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}
	}
	cancelBG()
	select {
	case <-bgDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler startup still running at shutdown deadline")
	}
	return runErr
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
