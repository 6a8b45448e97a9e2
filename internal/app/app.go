package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"entitlecli/internal/checkoutwatch"
	"entitlecli/internal/clock"
	"entitlecli/internal/config"
	"entitlecli/internal/exporter"
	"entitlecli/internal/infrastructure"
	"entitlecli/internal/license"
	"entitlecli/internal/middleware"
	"entitlecli/internal/provider"
	"entitlecli/internal/signature"
	"entitlecli/internal/store"
	handlers "entitlecli/internal/transport/http"
	"entitlecli/pkg/contracts"
	"entitlecli/pkg/contracts/domain"
)

const AppName = "Entitlement Agent"

// Options tune how an Application is assembled. The zero value loads the
// configuration from the usual locations and resolves paths next to the binary.
type Options struct {
	ConfigPath string
	BaseDir    string

	// Config skips loading when set
	Config *config.Config
	// Logger replaces the global logger
	Logger *slog.Logger
	// SkipTelemetry leaves the global OpenTelemetry providers untouched
	SkipTelemetry bool

	Clock      clock.Clock
	Policies   license.PolicyProvider
	Usage      license.UsageProvider
	Signatures license.DeviceSignature
}

// Application represents the agent container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Store         *store.Store
	Session       *license.Session
	Health        *license.LicenseHealthCheck
	Router        chi.Router
	Server        *handlers.Server
}

// New creates a new application instance with dependency injection
func New(opts Options) (*Application, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		dir, err := config.ExecutableDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}
	paths := cfg.ResolvePaths(baseDir)
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logCfg := cfg.Logging
		logCfg.FilePath = paths.LogFile
		l, err := infrastructure.InitializeLogger(logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("product_id", cfg.Application.ProductID))
	paths.LogPathResolution(logger)

	a := &Application{
		Config: cfg,
		Paths:  paths,
		Logger: logger,
		Store:  store.New(paths.DBFile),
	}

	if !opts.SkipTelemetry {
		providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		a.OTelProviders = providers
	}

	sessionOpts, err := a.sessionOptions(opts)
	if err != nil {
		return nil, err
	}
	a.Session = license.NewSession(sessionOpts)
	a.Health = license.NewLicenseHealthCheck(a.Session)

	a.setupRouter()
	a.Server = handlers.NewServer(cfg.Server, a.Router, logger)
	return a, nil
}

func (a *Application) sessionOptions(opts Options) (license.Options, error) {
	cfg := a.Config

	scope, err := ScopeFromConfig(cfg.Licensing)
	if err != nil {
		return license.Options{}, err
	}

	deviceID := cfg.Application.DeviceID
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return license.Options{}, fmt.Errorf("device id not configured and hostname unavailable: %w", err)
		}
		deviceID = host
	}
	app := domain.ApplicationInfo{
		ProductID: cfg.Application.ProductID,
		Version:   cfg.Application.Version,
		DeviceID:  deviceID,
	}

	if opts.Policies == nil || opts.Usage == nil {
		client := provider.NewClient(provider.ClientConfig{
			BaseURL:   cfg.Licensing.ServerURL,
			APIToken:  cfg.Licensing.APIToken,
			Timeout:   cfg.Licensing.HTTPTimeout,
			RateLimit: cfg.Licensing.RateLimit,
			RateBurst: cfg.Licensing.RateBurst,
			App:       app,
		}, a.Logger)
		if opts.Policies == nil {
			opts.Policies = client
		}
		if opts.Usage == nil {
			opts.Usage = client
		}
	}
	if opts.Signatures == nil {
		opts.Signatures = signature.NewGenerator(signature.HostSource{}, app.ProductID)
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}

	out := license.Options{
		App:        app,
		FeatureID:  cfg.Application.FeatureID,
		DBPath:     a.Paths.DBFile,
		Scope:      scope,
		Username:   currentUsername(),
		Clock:      opts.Clock,
		Store:      a.Store,
		Policies:   opts.Policies,
		Usage:      opts.Usage,
		Signatures: opts.Signatures,
		Logger:     a.Logger,
	}
	if a.OTelProviders != nil {
		out.Meter = a.OTelProviders.Meter
		out.Tracer = a.OTelProviders.Tracer
	}
	return out, nil
}

// ScopeFromConfig builds the policy scope selected by the licensing section
func ScopeFromConfig(cfg config.LicensingConfig) (domain.Scope, error) {
	source, err := domain.ParsePolicySource(cfg.PolicySource)
	if err != nil {
		return domain.Scope{}, err
	}
	return domain.Scope{
		Source:     source,
		AccessKey:  cfg.AccessKey,
		UltimateID: cfg.UltimateID,
		ProjectID:  cfg.ProjectID,
	}, nil
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	// DOMAIN\name on Windows
	if i := strings.LastIndex(u.Username, `\`); i >= 0 {
		return u.Username[i+1:]
	}
	return u.Username
}

// setupRouter builds the control API router
func (a *Application) setupRouter() {
	deps := handlers.Deps{
		Session:   a.Session,
		Records:   a.Session,
		Health:    a.Health,
		RateRPS:   a.Config.Licensing.RateLimit * 4,
		RateBurst: a.Config.Licensing.RateBurst * 4,
		Logger:    a.Logger,
	}
	if a.OTelProviders != nil {
		deps.Metrics = a.OTelProviders.PrometheusHTTP
		otelMW, err := middleware.NewOTel(a.OTelProviders.Tracer, a.OTelProviders.Meter)
		if err != nil {
			a.Logger.Warn("HTTP metrics disabled", slog.String("error", err.Error()))
		} else {
			deps.OTel = otelMW
		}
	}
	a.Router = handlers.NewRouter(deps)
}

// StartSession starts the license session for the configured scope
func (a *Application) StartSession(ctx context.Context) (domain.LicenseStatus, error) {
	if a.Session.Scope().Source == domain.PolicySourceProject {
		return a.Session.StartApplicationForProject(ctx, a.Config.Licensing.ProjectID)
	}
	return a.Session.StartApplication(ctx)
}

// Run starts the session, the checkout inbox and the control API, and blocks
// until ctx is cancelled. A session that starts with an unusable status keeps
// the API up so the status can be inspected and a checkout imported.
func (a *Application) Run(ctx context.Context) error {
	status, err := a.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start license session: %w", err)
	}
	a.Logger.InfoContext(ctx, "License session started",
		slog.String("status", status.String()),
		slog.Bool("usable", status.Usable()),
		slog.String("address", a.Config.Server.Addr))

	g, gctx := errgroup.WithContext(ctx)

	if dir := a.Paths.CheckoutDir; dir != "" {
		w, err := checkoutwatch.New(dir, a.Session, checkoutwatch.WithLogger(a.Logger))
		if err != nil {
			a.Stop(ctx)
			return fmt.Errorf("failed to watch checkout inbox: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return a.Server.Run(gctx) })

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := a.Stop(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop stops the session and flushes telemetry
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	var errs []error
	if a.Session.State() != license.StateStopped {
		if err := a.Session.StopApplication(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop license session: %w", err))
		}
	}
	if a.Store.IsOpen() {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.OTelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// withStore opens the store for a one-shot command when no session holds it
func (a *Application) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	if !a.Store.IsOpen() {
		if err := a.Store.Open(ctx); err != nil {
			return err
		}
		defer a.Store.Close()
	}
	return fn(ctx)
}

// PurgePosted removes records already uploaded before cutoff
func (a *Application) PurgePosted(ctx context.Context, cutoff time.Time) (int64, error) {
	return a.Session.PurgePostedRecords(ctx, cutoff)
}

// ExportCSV writes one record kind to filePath, relative to the exports directory
func (a *Application) ExportCSV(ctx context.Context, kind domain.RecordKind, filePath string) (int, error) {
	var n int
	err := a.withStore(ctx, func(ctx context.Context) error {
		var err error
		n, err = exporter.NewCSVWriter(a.Paths).ExportRecords(ctx, a.Store, kind, filePath)
		return err
	})
	return n, err
}

// ExportWorkbook writes all records into an XLSX workbook
func (a *Application) ExportWorkbook(ctx context.Context, filePath string) (*exporter.WorkbookSummary, error) {
	var summary *exporter.WorkbookSummary
	err := a.withStore(ctx, func(ctx context.Context) error {
		var err error
		summary, err = exporter.NewWorkbookWriter(a.Paths).WriteWorkbook(ctx, a.Store, filePath)
		return err
	})
	return summary, err
}
