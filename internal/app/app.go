package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"keygate/internal/audit"
	"keygate/internal/config"
	apierrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/sweeper"
	ws "keygate/internal/websocket"
)

// Application is the server container.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Engine        *Engine
	KeyService    services.KeyService
	HealthService *services.HealthService
	Dispatcher    *audit.Dispatcher
	FeedHub       *ws.Hub // nil when the feed is disabled
	RateLimiter   *customMiddleware.RateLimiter
	Errors        *apierrors.ErrorHandler
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// NewApplication opens the store and wires every component. The returned
// application owns the store; Serve releases it on exit, otherwise call Close.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	a := &Application{Config: cfg, Logger: logger}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("store", cfg.Store.Driver))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = otelProviders

	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		// Metrics are optional; the recorders accept nil.
		logger.WarnContext(ctx, "Business metrics unavailable", slog.String("error", err.Error()))
	}
	a.Metrics = metrics

	store, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		_ = otelProviders.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	a.closers = append(a.closers, namedCloser{"store", store})

	a.Errors = apierrors.NewErrorHandler(logger, cfg.Telemetry.Environment == "development")

	var pruners []sweeper.Option
	if cfg.Security.RateLimit.Enabled {
		a.RateLimiter = customMiddleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Errors, logger)
		pruners = append(pruners, sweeper.WithPruner(a.RateLimiter))
	}
	a.Engine = NewEngine(store, cfg, logger,
		append(pruners, sweeper.WithObserver(services.SweepObserver(metrics)))...)

	if err := a.setupAudit(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.KeyService = services.NewKeyService(services.Deps{
		Store:     store,
		Issuer:    a.Engine.Issuer,
		Verifier:  a.Engine.Verifier,
		Sweeper:   a.Engine.Sweeper,
		Publisher: a.Dispatcher,
		Metrics:   metrics,
		Tracer:    otelProviders.Tracer,
		Logger:    logger,
	})

	a.HealthService = services.NewHealthService(config.AppVersion, store, logger)
	a.HealthService.AddReporter("audit", func() interface{} { return a.Dispatcher.Stats() })
	a.HealthService.AddReporter("attempt_guard", func() interface{} { return a.Engine.Guard.Stats() })
	if a.FeedHub != nil {
		a.HealthService.AddReporter("feed", func() interface{} { return a.FeedHub.Stats() })
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// setupAudit registers the configured sinks on a fresh dispatcher.
func (a *Application) setupAudit(ctx context.Context) error {
	cfg := a.Config.Audit
	a.Dispatcher = audit.NewDispatcher(cfg.QueueSize, a.Logger)

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.Dispatcher.Register("kafka", kp)
		a.closers = append(a.closers, namedCloser{"kafka", kp})
	}

	if cfg.SheetsSpreadsheetID != "" {
		sp, err := audit.NewSheetsPublisher(ctx, audit.SheetsConfig{
			SpreadsheetID:   cfg.SheetsSpreadsheetID,
			Range:           cfg.SheetsRange,
			CredentialsFile: cfg.SheetsCredentialsFile,
		})
		if err != nil {
			return fmt.Errorf("failed to create sheets publisher: %w", err)
		}
		a.Dispatcher.Register("sheets", sp)
	}

	if cfg.Feed {
		a.FeedHub = ws.NewHub(a.Logger)
		a.Dispatcher.Register("feed", a.FeedHub)
	}

	a.Logger.InfoContext(ctx, "Audit pipeline configured",
		slog.Int("sinks", a.Dispatcher.Stats().Sinks),
		slog.Bool("kafka", len(cfg.KafkaBrokers) > 0),
		slog.Bool("sheets", cfg.SheetsSpreadsheetID != ""),
		slog.Bool("feed", cfg.Feed))
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.Close(ctx)
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the application on ln. Background workers outlive the HTTP
// server by the shutdown drain so events from in-flight requests still reach
// the audit sinks. Resources are released before Serve returns.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	workers, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.Engine.Sweeper.Run(workers) })
	g.Go(func() error { return a.Dispatcher.Run(workers) })
	if a.FeedHub != nil {
		g.Go(func() error { return a.FeedHub.Run(workers) })
	}
	g.Go(func() error {
		<-gctx.Done()
		defer stopWorkers()
		return a.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Shutdown stops accepting requests and drains in-flight ones within the
// configured shutdown timeout.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Close releases audit sinks, the store and telemetry in reverse order of
// acquisition. It is safe to call more than once.
func (a *Application) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.Logger.WarnContext(ctx, "Close failed",
				slog.String("resource", nc.name),
				slog.String("error", err.Error()))
		}
	}
	a.closers = nil

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
		a.OTelProviders = nil
	}
	a.Logger.InfoContext(ctx, "Application shutdown complete")
}
