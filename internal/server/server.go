// Package server provides the service lifecycle runner: signal handling,
// config loading, observability init, health checks, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/careportal/prescription-auth/internal/config"
	"github.com/careportal/prescription-auth/internal/domain"
	"github.com/careportal/prescription-auth/internal/observability"
)

// Setup builds the service's HTTP routes once config and logging are ready.
// The returned cleanup runs during shutdown, after the HTTP server drains;
// either may be nil.
type Setup func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(context.Context) error, error)

// Params configures the lifecycle runner.
type Params struct {
	// Name identifies the service in logs and health responses.
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// Setup wires the service's dependencies and routes.
	Setup Setup
}

// Run executes the full service lifecycle. If ln is non-nil, it is used
// instead of creating a new listener from config (enables port-0 testing).
func Run(ctx context.Context, p Params, ln net.Listener) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: p.Name,
		Environment: cfg.Environment,
	})

	// --- Startup order: tracer -> metrics -> routes -> HTTP server ---

	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    p.Name,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    p.Name,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	var (
		routes  http.Handler
		cleanup func(context.Context) error
	)
	if p.Setup != nil {
		routes, cleanup, err = p.Setup(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
	}

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})
	if routes != nil {
		mux.Handle("/", routes)
	}

	// Bind listener (use injected listener or create from config).
	if ln == nil {
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", ln.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Shutdown trigger — waits for context cancellation, then drains.
	// Shutdown order is the explicit reverse of startup.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Mark shutting down — health checks return 503
		shuttingDown.Store(true)

		// 2. Drain delay — let load balancer propagate endpoint removal
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Drain HTTP server
		httpCtx, httpCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer httpCancel()
		if shutdownErr := server.Shutdown(httpCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}

		// 4. Service cleanup (store clients, connection pools)
		if cleanup != nil {
			if cleanupErr := cleanup(httpCtx); cleanupErr != nil {
				logger.Error("service cleanup error", slog.String("error", cleanupErr.Error()))
			}
		}

		// 5. Flush OTEL (reverse: metrics first, then tracer)
		otelCtx, otelCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer otelCancel()
		if shutdownErr := metricsProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", shutdownErr.Error()))
		}
		if shutdownErr := tracerProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", shutdownErr.Error()))
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
