package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entitlecli/internal/clock"
	"entitlecli/internal/config"
	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/license"
	"entitlecli/internal/middleware"
)

// Deps are the collaborators of the control API
type Deps struct {
	Session *license.Session
	// Service overrides Session for the license routes; tests use it
	Service   LicenseService
	Records   RecordExporter
	Health    *license.LicenseHealthCheck
	Metrics   http.Handler
	OTel      *middleware.OTel
	RateRPS   float64
	RateBurst int
	// Clock dates grace days; defaults to the session's clock
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewRouter builds the chi router of the control API
func NewRouter(deps Deps) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := licenseErrors.NewErrorHandler(logger, false)

	service := deps.Service
	if service == nil && deps.Session != nil {
		service = deps.Session
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.TraceID)
	r.Use(chimw.RealIP)
	r.Use(errs.Middleware)
	if deps.OTel != nil {
		r.Use(deps.OTel.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	if deps.Health != nil {
		health := NewHealthHandler(deps.Health)
		r.Get("/health", health.HealthCheck)
		r.Get("/health/live", health.LivenessCheck)
		r.Get("/version", health.Version)
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/api/v1", func(r chi.Router) {
		if deps.RateRPS > 0 {
			r.Use(middleware.NewRateLimiter(deps.RateRPS, deps.RateBurst, logger).Handler)
		}
		if service != nil {
			lh := NewLicenseHandler(service, errs, logger, nowFunc(deps))
			r.Mount("/license", lh.Routes(middleware.RequireUsableLicense(service, logger)))
		}
		if deps.Records != nil {
			r.Mount("/records", NewRecordsHandler(deps.Records, errs, logger).Routes())
		}
	})

	return r
}

func nowFunc(deps Deps) func() time.Time {
	clk := deps.Clock
	if clk == nil && deps.Session != nil {
		clk = deps.Session.Clock()
	}
	if clk == nil {
		return nil
	}
	return clk.Now
}

// Server runs the control API
type Server struct {
	srv    *http.Server
	cfg    config.ServerConfig
	logger *slog.Logger
}

// NewServer wraps handler in an http.Server configured from cfg
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down control API")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}
