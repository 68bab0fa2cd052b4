// Package app wires the moshi subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown drains
// live sessions and tears everything down in order.
//
// For testing, inject a pre-built metrics bundle via [WithMetrics]; without
// it, New initialises the global OpenTelemetry providers with a Prometheus
// exporter.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/eschmidbauer/moshi/internal/config"
	"github.com/eschmidbauer/moshi/internal/health"
	"github.com/eschmidbauer/moshi/internal/observe"
	"github.com/eschmidbauer/moshi/internal/server"
	"github.com/eschmidbauer/moshi/internal/session"
)

// shutdownTimeout bounds the drain of in-flight HTTP requests on stop.
const shutdownTimeout = 10 * time.Second

// App owns the ingest server, the operational endpoints, and all live
// sessions.
type App struct {
	cfg     *config.Config
	version string

	metrics  *observe.Metrics
	sessions *session.Manager

	ingest *http.Server
	ops    *http.Server

	// closers run in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics bundle instead of initialising the global
// OTel providers. Intended for tests using a manual reader.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the build version reported by the health endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together: telemetry providers,
// the session manager, the WebSocket ingest server, and the metrics/health
// listener.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		version: "dev",
	}
	for _, o := range opts {
		o(a)
	}

	// ── Telemetry ────────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "moshi",
			ServiceVersion: a.version,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		a.metrics = observe.DefaultMetrics()
	}

	// ── Sessions ─────────────────────────────────────────────────────────
	a.sessions = session.NewManager(cfg.TrackerSettings(), a.metrics)

	probes := health.New(a.version,
		health.Checker{Name: "sessions", Check: a.checkSessions},
	)

	// ── Ingest listener ──────────────────────────────────────────────────
	ingestMux := http.NewServeMux()
	server.New(a.sessions, a.metrics, cfg.Audio.DefaultFormat, cfg.VAD.SampleRate).
		Register(ingestMux)
	probes.Register(ingestMux)
	a.ingest = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(ingestMux),
	}

	// ── Metrics + health listener ────────────────────────────────────────
	opsMux := http.NewServeMux()
	opsMux.Handle("GET /metrics", promhttp.Handler())
	probes.Register(opsMux)
	a.ops = &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: observe.Middleware(a.metrics)(opsMux),
	}

	return a, nil
}

// Sessions exposes the session manager so callers can apply live tuning
// changes from a config reload.
func (a *App) Sessions() *session.Manager { return a.sessions }

// checkSessions is the readiness probe for the session layer.
func (a *App) checkSessions(context.Context) error {
	if a.sessions == nil {
		return errors.New("session manager not initialised")
	}
	return nil
}

// Run serves both listeners and blocks until ctx is cancelled or a listener
// fails. On cancellation both listeners stop accepting and drain.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("ingest listening", "addr", a.ingest.Addr)
		if err := a.ingest.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ingest server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("metrics and health listening", "addr", a.ops.Addr)
		if err := a.ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.ingest.Shutdown(stopCtx); err != nil {
			slog.Warn("ingest shutdown error", "err", err)
		}
		if err := a.ops.Shutdown(stopCtx); err != nil {
			slog.Warn("ops shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown drains live sessions and tears down subsystems in order. It
// respects the context deadline: expired contexts skip remaining closers.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len())

		a.sessions.Drain(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
