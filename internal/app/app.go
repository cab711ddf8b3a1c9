package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"blogcore/internal/config"
	"blogcore/internal/infrastructure"
	"blogcore/internal/messaging"
	"blogcore/internal/pipeline"
	"blogcore/internal/security"
	transport "blogcore/internal/transport/http"
	"blogcore/internal/websocket"
)

const sessionSweepInterval = time.Minute

// Application owns every long-lived component of the service.
type Application struct {
	Settings *config.Settings
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Metrics  *infrastructure.BusinessMetrics
	Strategy security.Strategy
	Backends *messaging.Backends
	Hub      *websocket.Hub
	Pipeline *pipeline.Pipeline
	Health   *transport.HealthHandler

	server          *http.Server
	shutdownTimeout time.Duration
}

// Option customises NewApplication.
type Option func(*appOptions)

type appOptions struct {
	logger   *slog.Logger
	registry *messaging.Registry
	otel     *infrastructure.OTelProviders
}

// WithLogger uses logger instead of one built from the Logging section.
func WithLogger(logger *slog.Logger) Option {
	return func(o *appOptions) { o.logger = logger }
}

// WithRegistry builds backends from registry instead of the default one.
func WithRegistry(registry *messaging.Registry) Option {
	return func(o *appOptions) { o.registry = registry }
}

// WithOTel uses the given providers instead of initializing new ones.
func WithOTel(providers *infrastructure.OTelProviders) Option {
	return func(o *appOptions) { o.otel = providers }
}

// Load reads bootstrap options and builds the settings tree.
func Load(ctx context.Context) (*config.Settings, error) {
	b, err := config.LoadBootstrap()
	if err != nil {
		return nil, err
	}
	return config.Load(ctx, b, slog.Default())
}

// NewApplication wires the components described by settings. Any error is
// boot-fatal; partially created resources are released before returning.
func NewApplication(ctx context.Context, settings *config.Settings, opts ...Option) (*Application, error) {
	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logCfg, err := settings.Logging()
		if err != nil {
			return nil, fmt.Errorf("invalid logging settings: %w", err)
		}
		if logger, err = infrastructure.InitializeLogger(logCfg); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	serverCfg, err := settings.Server()
	if err != nil {
		return nil, fmt.Errorf("invalid server settings: %w", err)
	}

	app := &Application{Settings: settings, Logger: logger, OTel: o.otel}
	if app.OTel == nil {
		if app.OTel, err = infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(settings.Environment()), logger); err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
	}
	if app.Metrics, err = infrastructure.CreateBusinessMetrics(app.OTel.Meter); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if app.Strategy, err = security.Select(settings, security.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to select authentication strategy: %w", err)
	}

	registry := o.registry
	if registry == nil {
		registry = messaging.DefaultRegistry()
	}
	if app.Backends, err = registry.Build(ctx, settings, logger, messaging.WithMetrics(app.Metrics)); err != nil {
		return nil, fmt.Errorf("failed to build messaging backends: %w", err)
	}

	if settings.Bool(config.KeyRealtimeEnabled) {
		app.Hub = websocket.NewHub(logger)
	}

	routeCfg := transport.RouteConfig{
		Strategy:  app.Strategy,
		Publisher: app.Backends,
		Backends:  app.Backends,
		Metrics:   app.OTel.PrometheusHTTP,
		LoadTest:  settings.Bool(config.KeyUseLoadTest),
		Logger:    logger,
	}
	if app.Hub != nil {
		routeCfg.Hub = app.Hub
	}
	routes, health := transport.Routes(routeCfg)
	app.Health = health

	popts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithRoutes(routes),
		pipeline.WithTelemetry(app.OTel, app.Metrics),
	}
	if app.Hub != nil {
		popts = append(popts, pipeline.WithNotifier(app.Hub))
	}
	if app.Pipeline, err = pipeline.Build(app.Strategy, app.Backends, settings, popts...); err != nil {
		_ = app.Backends.Close()
		return nil, err
	}
	health.SetStages(app.Pipeline.Stages())

	app.server = &http.Server{
		Addr:           serverCfg.Addr(),
		Handler:        app.Pipeline,
		ReadTimeout:    serverCfg.ReadTimeout,
		WriteTimeout:   serverCfg.WriteTimeout,
		IdleTimeout:    serverCfg.IdleTimeout,
		MaxHeaderBytes: serverCfg.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	app.shutdownTimeout = serverCfg.ShutdownTimeout

	logger.InfoContext(ctx, "application initialized",
		slog.String("environment", settings.Environment()),
		slog.String("strategy", app.Strategy.Name()),
		slog.Any("backends", app.Backends.Active()),
		slog.Any("stages", app.Pipeline.Stages()),
		slog.String("addr", app.server.Addr))
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}

// Addr returns the configured listen address.
func (a *Application) Addr() string {
	return a.server.Addr
}

// Run serves until ctx is done or the process receives SIGINT or SIGTERM,
// then shuts everything down. A listener failure is returned.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.Hub != nil {
		a.Hub.Start(gctx)
	}
	if store := a.Pipeline.Sessions(); store != nil {
		g.Go(func() error {
			return store.Run(gctx, sessionSweepInterval)
		})
	}

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown requested")
		return a.Stop()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Stop drains the HTTP server and releases the hub, backends and
// telemetry providers.
func (a *Application) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if err := a.Backends.Close(); err != nil {
		errs = append(errs, fmt.Errorf("messaging shutdown: %w", err))
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.Logger.Error("shutdown completed with errors", slog.String("error", err.Error()))
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}
