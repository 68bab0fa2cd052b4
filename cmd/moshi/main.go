// Command moshi is the streaming transcript assembly server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eschmidbauer/moshi/internal/app"
	"github.com/eschmidbauer/moshi/internal/config"
)

// version is stamped via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("moshi", version)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is mutable so config reloads can change verbosity live.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config watcher ────────────────────────────────────────────────────────
	// The watcher polls from its own goroutine, so the app pointer it reads on
	// reload is atomic: nil until New below publishes the built application.
	var application atomic.Pointer[app.App]

	watcher, err := config.NewWatcher(*configPath, reloadHandler(level, &application))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "moshi: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "moshi: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))
	if cfg.DetectorDisabled() {
		slog.Warn("vad is disabled (zero sample_rate or frame_length); segments only close on explicit finalize")
	}

	slog.Info("moshi starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"metrics_addr", cfg.Server.MetricsAddr,
		"sample_rate", cfg.VAD.SampleRate,
		"log_level", cfg.Server.LogLevel,
	)

	a, err := app.New(ctx, cfg, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	application.Store(a)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadHandler builds the config-change callback. It runs on the watcher's
// goroutine; application may still be nil when an early reload fires, in
// which case tuning changes are skipped (the app is built from the watcher's
// current config anyway).
func reloadHandler(level *slog.LevelVar, application *atomic.Pointer[app.App]) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.TuningChanged {
			if a := application.Load(); a != nil {
				a.Sessions().SetConfig(new.TrackerSettings())
				slog.Info("detector tuning changed, applies to new sessions")
			}
		}
		if d.FormatChanged {
			slog.Warn("default audio format change requires a restart", "format", d.NewFormat)
		}
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
