package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"licverify/internal/config"
	apierrors "licverify/internal/errors"
	"licverify/internal/files"
	"licverify/internal/fingerprint"
	"licverify/internal/infrastructure"
	"licverify/internal/license"
	"licverify/internal/middleware"
	"licverify/internal/trustedtime"
	handlers "licverify/internal/transport/http"
)

// systemMetricsInterval is how often process metrics are sampled
const systemMetricsInterval = 15 * time.Second

// Components are the license collaborators shared by the server and the CLI
type Components struct {
	Validator *license.Validator
	Clock     *trustedtime.Source
	Identity  *fingerprint.Generator
}

// NewComponents builds the validator and its time and fingerprint sources
// from cfg
func NewComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	vcfg, err := cfg.ValidatorConfig()
	if err != nil {
		return nil, apierrors.NewConfigError("invalid license configuration", err)
	}

	clock := trustedtime.NewSource(
		trustedtime.NewClient(vcfg.NTPServer, vcfg.ReceiveTimeout),
		trustedtime.WithRequireNetwork(vcfg.RequireNetworkTimeCheck),
		trustedtime.WithLogger(logger),
	)
	identity := fingerprint.NewGenerator(fingerprint.NewHostSource(), logger)

	v, err := license.NewValidator(vcfg,
		license.WithTimeSource(clock),
		license.WithFingerprinter(identity),
		license.WithLogger(logger),
	)
	if err != nil {
		return nil, apierrors.NewConfigError("invalid license validator configuration", err)
	}

	return &Components{Validator: v, Clock: clock, Identity: identity}, nil
}

// Application wires the license service together
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	OTel       *infrastructure.OTelProviders
	Components *Components
	Gate       *middleware.LicenseGate
	Router     *chi.Mux
	Server     *http.Server

	errorHandler *apierrors.ErrorHandler
	startedAt    time.Time
}

// NewApplication builds the application from a loaded configuration
func NewApplication(cfg *config.Config, logger *slog.Logger, otelProviders *infrastructure.OTelProviders) (*Application, error) {
	components, err := NewComponents(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize license validator: %w", err)
	}

	a := &Application{
		Config:       cfg,
		Logger:       logger,
		OTel:         otelProviders,
		Components:   components,
		errorHandler: apierrors.NewErrorHandler(logger, cfg.Logging.Level == "debug"),
		startedAt:    time.Now().UTC(),
	}

	if err := a.setupRouter(); err != nil {
		return nil, err
	}
	a.createServer()

	return a, nil
}

// LicenseDocument reads the installed license file
func (a *Application) LicenseDocument(context.Context) ([]byte, error) {
	return files.ReadLicense(a.Config.License.File)
}

func (a *Application) gateConfig() middleware.GateConfig {
	gc := middleware.DefaultGateConfig()
	gc.ExpectedName = a.Config.ExpectedName()
	gc.ValidTTL = a.Config.License.CacheTTL
	gc.InvalidTTL = a.Config.License.InvalidCacheTTL
	gc.ValidationTimeout = a.Config.Server.RequestTimeout
	if a.Config.Metrics.Path != config.DefaultMetricsPath {
		gc.ExcludePaths = append(gc.ExcludePaths, a.Config.Metrics.Path)
	}
	return gc
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	// RequestID → OTel → Logger → Recoverer → limits → license gate
	r.Use(middleware.RequestID)

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTel.Tracer, a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	r.Use(otelMiddleware.Handler)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(apierrors.RecoveryMiddleware(a.errorHandler))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(a.Config.Server.MaxBodyBytes))
	r.Use(chimw.Timeout(a.Config.Server.RequestTimeout))

	if rl := a.Config.Server.RateLimit; rl.Enabled {
		limiter := middleware.NewRateLimiter(rl.RPS, rl.Burst, a.errorHandler, a.Logger)
		limiter.SetMetrics(otelMiddleware.Metrics().RateLimited)
		r.Use(limiter.Handler)
	}

	a.Gate = middleware.NewLicenseGate(a.Components.Validator, a.LicenseDocument, a.gateConfig(), a.errorHandler, a.Logger)
	gateMetrics, err := middleware.NewGateMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license gate metrics: %w", err)
	}
	a.Gate.SetMetrics(gateMetrics)
	r.Use(a.Gate.Handler)

	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	a.setupAPIRoutes(r)

	if a.Config.Metrics.Enabled && a.OTel.PrometheusHTTP != nil {
		r.Handle(a.Config.Metrics.Path, a.OTel.PrometheusHTTP)
	}

	a.Router = r
	return nil
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	licenseHandler := handlers.NewLicenseHandler(handlers.LicenseHandlerDeps{
		Validator:    a.Components.Validator,
		Identity:     a.Components.Identity,
		Clock:        a.Components.Clock,
		Gate:         a.Gate,
		Requests:     middleware.NewRequestValidator(a.Logger),
		ErrorHandler: a.errorHandler,
		Logger:       a.Logger,
	})

	healthCfg := license.DefaultHealthCheckConfig()
	healthCfg.ExpectedName = a.Config.ExpectedName()
	health := license.NewHealthCheck(a.Components.Validator, a.LicenseDocument, healthCfg)
	// share the gate's cached outcome so health reports do not revalidate
	health.SetOutcomeSource(a.Gate.Check)
	healthHandler := handlers.NewHealthHandler(health, handlers.VersionInfo{
		Name:      config.AppName,
		Version:   config.AppVersion,
		StartedAt: a.startedAt,
	}, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/license", licenseHandler.Routes())
		r.Mount("/health", healthHandler.Routes())

		// behind the gate: answers only while the installed license is valid
		r.Get("/licensed", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Addr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
// The license watcher and system metrics collector run alongside.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.startBackground(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.Logger.InfoContext(ctx, "server listening",
			slog.String("address", ln.Addr().String()),
			slog.String("version", config.AppVersion))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
			return errors.Join(err, a.Stop(context.WithoutCancel(ctx)))
		}
	case <-ctx.Done():
	}

	return a.Stop(context.WithoutCancel(ctx))
}

// startBackground launches the license watcher and the metrics collector
func (a *Application) startBackground(ctx context.Context) {
	watcher, err := files.NewWatcher(a.Config.License.File, a.Logger)
	if err != nil {
		a.Logger.WarnContext(ctx, "license file changes will not be detected",
			slog.String("path", a.Config.License.File),
			slog.String("error", err.Error()))
	} else {
		go func() {
			if err := watcher.Run(ctx, a.Gate.Invalidate); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.ErrorContext(ctx, "license watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if a.Config.Metrics.Enabled {
		collector, err := infrastructure.NewSystemMetricsCollector(a.OTel.Meter, systemMetricsInterval)
		if err != nil {
			a.Logger.WarnContext(ctx, "system metrics disabled", slog.String("error", err.Error()))
			return
		}
		go collector.Run(ctx)
	}
}

// Stop gracefully stops the server and flushes telemetry
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown error: %w", err))
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}
