package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/docpipe/config"
	"github.com/c360studio/docpipe/llm"
	"github.com/c360studio/docpipe/pipeline"
)

// app bundles the wired stores and runner for a command invocation.
type app struct {
	cfg      *config.Config
	store    pipeline.Store
	tasks    pipeline.TaskStore
	settings pipeline.SettingsStore
	runner   *pipeline.Runner
	calls    *llm.CallLog

	nc *nats.Conn
}

// newApp connects stores against NATS when configured, otherwise falls back
// to in-memory stores for one-shot local runs.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, calls: llm.NewCallLog()}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return nil, wrapNATSError(err, cfg.NATS.URL)
		}
		a.nc = nc

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		store, err := pipeline.NewKVStore(ctx, js)
		if err != nil {
			nc.Close()
			return nil, err
		}
		tasks, err := pipeline.NewKVTaskStore(ctx, js)
		if err != nil {
			nc.Close()
			return nil, err
		}
		settings, err := pipeline.NewKVSettingsStore(ctx, js)
		if err != nil {
			nc.Close()
			return nil, err
		}
		a.store, a.tasks, a.settings = store, tasks, settings
		slog.Info("connected to NATS", "url", cfg.NATS.URL)
	} else {
		a.store = pipeline.NewMemoryStore()
		a.tasks = pipeline.NewMemoryTaskStore()
		a.settings = pipeline.NewMemorySettingsStore()
		slog.Warn("no NATS URL configured, using in-memory stores")
	}

	a.runner = pipeline.NewRunner(a.store, a.tasks, a.settings,
		pipeline.WithRunnerRetryConfig(cfg.RetryPolicy()),
		pipeline.WithWorkDir(cfg.WorkDir),
		pipeline.WithProviderOptions(
			llm.WithCallLog(a.calls),
			llm.WithRetryConfig(cfg.RetryPolicy()),
		),
	)
	return a, nil
}

func (a *app) close() {
	if a.nc != nil {
		a.nc.Close()
	}
}

// provider constructs a provider from the config file's provider section.
func (a *app) provider(kind llm.Kind) (llm.Provider, error) {
	return llm.New(a.cfg.ProviderSettings(kind),
		llm.WithCallLog(a.calls),
		llm.WithRetryConfig(a.cfg.RetryPolicy()),
	)
}

// serveMetrics exposes /metrics while a run is in flight.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Set --nats or DOCPIPE_NATS_URL to point to your NATS server, or omit it
to run with in-memory stores.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}
