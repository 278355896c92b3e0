// Package core provides the HTTP chassis for EventPulse: a chi router with
// the cross-cutting middleware (recovery, request ids, logging, CORS,
// metrics, authentication, rate limiting) applied before requests reach the
// ingest and read handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventpulse/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest receives the chi route pattern as endpoint, which keeps
	// label cardinality bounded.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the API dependencies. Handlers are mounted through
// V1RouteRegistrars so core never imports handler packages.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator

	// HealthProbes back GET /health.
	HealthProbes []HealthProbe
	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler
	// V1RouteRegistrars mount domain routes under /v1.
	V1RouteRegistrars []func(r chi.Router)

	router *chi.Mux
}

// NewServer prepares the router. The caller mounts routes with MountRoutes
// after filling in registrars and probes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer builds the listener with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	sc := s.Config.Server
	return &http.Server{
		Addr:              ":" + sc.Port,
		Handler:           s.router,
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.Logger.Handler(), slog.LevelWarn),
	}
}
