// Package main is the entry point for the sandfleet MCP server.
//
// The sandfleet server sits between MCP callers and a remote
// sandbox-orchestration service. It maintains a bounded pool of long-lived
// sandbox sessions, enforces global and per-flavor concurrency limits,
// evicts idle sessions, and reconciles its local registry against the
// sandboxes the orchestrator actually runs.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/sandfleet/sandfleet/config"
	"github.com/sandfleet/sandfleet/fleet"
	"github.com/sandfleet/sandfleet/logger"
	"github.com/sandfleet/sandfleet/mcpserver"
	"github.com/sandfleet/sandfleet/orchestrator"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			newRegistry,
			newMetrics,
			newOrchestratorClient,
			newPool,
			newManager,
			newCoordinator,
			newReaper,
			newMCPServer,
		),

		fx.Invoke(run),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func newMetrics(reg *prometheus.Registry) *fleet.Metrics {
	return fleet.NewMetrics(reg)
}

func newOrchestratorClient(cfg *config.Config, log *zap.Logger) orchestrator.Client {
	return orchestrator.NewHTTPClient(cfg.Orchestrator.BaseURL, log,
		orchestrator.WithHTTPDoer(&http.Client{Timeout: cfg.GetRequestTimeout()}))
}

func newPool(cfg *config.Config, metrics *fleet.Metrics) *fleet.Pool {
	maxPer := make(map[fleet.Flavor]int, len(cfg.Fleet.MaxPerFlavor))
	for flavor, limit := range cfg.Fleet.MaxPerFlavor {
		maxPer[fleet.Flavor(flavor)] = limit
	}
	return fleet.NewPool(fleet.PoolConfig{
		MaxConcurrentSessions: cfg.Fleet.MaxConcurrentSessions,
		MaxPerFlavor:          maxPer,
	}, metrics)
}

func newManager(client orchestrator.Client, pool *fleet.Pool, log *zap.Logger, metrics *fleet.Metrics, cfg *config.Config) *fleet.Manager {
	return fleet.NewManager(client, pool, log, metrics, fleet.ManagerConfig{
		IdleTimeout:   cfg.GetSessionIdleTimeout(),
		SweepInterval: cfg.GetCleanupSweepInterval(),
	})
}

func newCoordinator(manager *fleet.Manager, client orchestrator.Client, log *zap.Logger, metrics *fleet.Metrics, cfg *config.Config) *fleet.Coordinator {
	return fleet.NewCoordinator(manager, client, log, metrics, fleet.CoordinatorConfig{
		DefaultTemplate: cfg.Fleet.DefaultTemplate,
		DefaultFlavor:   fleet.Flavor(cfg.Fleet.DefaultFlavor),
		DefaultTimeout:  cfg.GetDefaultTimeout(),
		MaxTimeout:      cfg.GetMaxTimeout(),
	})
}

func newReaper(manager *fleet.Manager, client orchestrator.Client, log *zap.Logger, metrics *fleet.Metrics, cfg *config.Config) *fleet.Reaper {
	return fleet.NewReaper(manager, client, log, metrics, fleet.ReaperConfig{
		Interval:    cfg.GetCleanupSweepInterval(),
		GracePeriod: cfg.GetOrphanGracePeriod(),
		MaxPerSweep: cfg.Fleet.MaxReapPerSweep,
	})
}

func newMCPServer(cfg *config.Config, log *zap.Logger, coordinator *fleet.Coordinator, manager *fleet.Manager, pool *fleet.Pool, reaper *fleet.Reaper) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, coordinator, manager, pool, reaper)
}

func run(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	manager *fleet.Manager,
	reaper *fleet.Reaper,
	srv *mcpserver.MCPServer,
	reg *prometheus.Registry,
) error {
	if cfg.Server.Transport != "stdio" && cfg.Server.Transport != "http" {
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			manager.Start()
			reaper.Start()

			if metricsSrv != nil {
				go func() {
					log.Info("starting metrics endpoint", zap.String("addr", metricsSrv.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics endpoint failed", zap.Error(err))
					}
				}()
			}

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := srv.ServeStdio(); err != nil {
						log.Fatal("stdio transport failed", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := srv.ServeHTTP(); err != nil {
						log.Fatal("http transport failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			reaper.Stop()
			manager.Stop(ctx)
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					log.Warn("metrics endpoint shutdown failed", zap.Error(err))
				}
			}
			return nil
		},
	})
	return nil
}
