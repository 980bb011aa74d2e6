package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jackzampolin/tally/internal/config"
	"github.com/jackzampolin/tally/internal/home"
	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/svcctx"
	"github.com/jackzampolin/tally/internal/trace"
)

// startServices loads config and brings up the provider registry and the
// trace pipeline. The returned shutdown flushes spans and closes clients.
func startServices(ctx context.Context, cfgFile string, h *home.Dir, logger *slog.Logger) (*svcctx.Services, func(), error) {
	if err := config.LoadEnvFiles(".env", h.EnvPath()); err != nil {
		return nil, nil, err
	}

	if cfgFile == "" {
		if _, err := os.Stat(home.ConfigFileName); err != nil && h.ConfigExists() {
			cfgFile = h.ConfigPath()
		}
	}
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cfg := mgr.Get()
	if f := mgr.ConfigFile(); f != "" {
		logger.Debug("loaded config", "file", f)
	}

	registry := providers.NewRegistry()
	registry.SetLogger(logger)
	registry.Reload(cfg.ToProviderRegistryConfig())

	mgr.OnChange(func(c *config.Config) {
		logger.Info("config changed, reloading providers")
		registry.Reload(c.ToProviderRegistryConfig())
	})
	mgr.OnError(func(err error) {
		logger.Warn("config reload failed, keeping previous config", "error", err)
	})
	mgr.WatchConfig()

	expCfg := cfg.ToExporterConfig()
	expCfg.JSONLPath = h.Resolve(expCfg.JSONLPath)
	expCfg.Logger = logger
	exporter, err := trace.NewExporter(ctx, expCfg)
	if err != nil {
		registry.Close()
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}

	svcs := &svcctx.Services{
		Logger:   logger,
		Config:   mgr,
		Registry: registry,
		Tracer:   trace.Nop(),
		Home:     h,
	}

	if exporter != nil {
		sinkCfg := cfg.ToSinkConfig(exporter)
		sinkCfg.Logger = logger
		sink := trace.NewSink(sinkCfg)
		sink.Start(ctx)
		svcs.Sink = sink
		svcs.Tracer = trace.New(sink, trace.WithLogger(logger))
		logger.Debug("tracing enabled", "exporter", expCfg.Type)
	}

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			if svcs.Sink != nil {
				svcs.Sink.Stop()
				if n := svcs.Sink.Dropped(); n > 0 {
					logger.Warn("spans dropped", "count", n)
				}
			}
			closeCtx := context.WithoutCancel(ctx)
			if err := trace.CloseExporter(closeCtx, exporter); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("failed to close trace exporter", "error", err)
			}
			registry.Close()
		})
	}
	return svcs, shutdown, nil
}
