package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/eschmidbauer/moshi/internal/app"
	"github.com/eschmidbauer/moshi/internal/config"
	"github.com/eschmidbauer/moshi/internal/observe"
)

func testApp(t *testing.T) *app.App {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.MetricsAddr = "127.0.0.1:0"

	a, err := app.New(context.Background(), cfg, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestReloadHandler_AppliesLogLevel(t *testing.T) {
	level := new(slog.LevelVar)
	var application atomic.Pointer[app.App]
	handler := reloadHandler(level, &application)

	old := config.Default()
	updated := config.Default()
	updated.Server.LogLevel = config.LogDebug

	handler(old, updated)
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
}

func TestReloadHandler_TuningBeforeAppIsBuilt(t *testing.T) {
	level := new(slog.LevelVar)
	var application atomic.Pointer[app.App]
	handler := reloadHandler(level, &application)

	old := config.Default()
	updated := config.Default()
	updated.VAD.MinSilenceS = 1.2

	// The watcher can fire before the application exists; the handler must
	// skip the tuning update rather than dereference a nil app.
	handler(old, updated)

	application.Store(testApp(t))
	handler(old, updated)
}

func TestReloadHandler_ConcurrentWithAppPublish(t *testing.T) {
	level := new(slog.LevelVar)
	var application atomic.Pointer[app.App]
	handler := reloadHandler(level, &application)

	old := config.Default()
	updated := config.Default()
	updated.VAD.EnergyThreshold = 0.002

	a := testApp(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			handler(old, updated)
		}
	}()
	application.Store(a)
	wg.Wait()
}

func TestSlogLevel_Mapping(t *testing.T) {
	cases := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{config.LogLevel("bogus"), slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := slogLevel(tc.in); got != tc.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
