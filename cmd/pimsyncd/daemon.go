package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livinlefevreloca/pimsync/internal/api"
	"github.com/livinlefevreloca/pimsync/internal/config"
	"github.com/livinlefevreloca/pimsync/internal/db"
	"github.com/livinlefevreloca/pimsync/internal/engine"
	"github.com/livinlefevreloca/pimsync/internal/network"
	"github.com/livinlefevreloca/pimsync/internal/notify"
	"github.com/livinlefevreloca/pimsync/internal/registry"
	"github.com/livinlefevreloca/pimsync/internal/scheduler"
	"github.com/livinlefevreloca/pimsync/internal/stats"
	"github.com/livinlefevreloca/pimsync/internal/status"
	"github.com/livinlefevreloca/pimsync/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

// runDaemon wires every component and blocks until SIGINT or SIGTERM
func runDaemon(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pimsyncd",
		"database", cfg.Database.DSN,
		"accounts_file", cfg.Registry.Path,
		"engine", cfg.Engine.Command)

	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if version, err := database.SchemaVersion(); err != nil {
		logger.Warn("failed to read schema version", "error", err)
	} else {
		logger.Info("database schema ready", "version", version)
	}

	taxonomy, err := status.New(cfg.Status)
	if err != nil {
		return fmt.Errorf("invalid status codes: %w", err)
	}

	reg, err := registry.Load(cfg.Registry, logger)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	eng, err := engine.NewExecEngine(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Shutdown()

	initial, err := network.ParseState(cfg.Network.Initial)
	if err != nil {
		return err
	}

	var monitor network.Monitor
	var probe *network.ProbeMonitor
	if cfg.Network.Probe {
		probe, err = network.NewProbeMonitor(cfg.Network, nil, logger)
		if err != nil {
			return fmt.Errorf("failed to create network monitor: %w", err)
		}
		probe.Start(ctx)
		defer func() {
			stop()
			probe.Wait()
		}()
		monitor = probe
	} else {
		monitor = network.NewStaticMonitor()
	}

	sched, err := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Engine:              eng,
		Registry:            reg,
		Taxonomy:            taxonomy,
		Store:               database,
		Notifier:            notify.New(logger),
		Monitor:             monitor,
		InitialConnectivity: initial,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	history, err := syncer.NewSyncer(cfg.Syncer, logger)
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}
	sched.Subscribe(history.Observe)
	history.Start(database)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		server = api.NewServer(sched, database, logger)
		go func() {
			serverErr <- server.ListenAndServe(cfg.HTTP.Addr())
		}()
	}

	go sched.Start(ctx)

	var collector *stats.StatsCollector
	if cfg.Stats.Enabled {
		collector, err = stats.NewStatsCollector(cfg.Stats, sched, history, database, logger)
		if err != nil {
			return fmt.Errorf("failed to create stats collector: %w", err)
		}
		collector.Start()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("pimsyncd is running", "accounts", len(reg.Accounts()))

	var runErr error
loop:
	for {
		select {
		case <-hup:
			logger.Info("reloading accounts", "path", cfg.Registry.Path)
			if err := reg.Reload(ctx); err != nil {
				logger.Error("failed to reload accounts", "error", err)
			}

		case err := <-serverErr:
			if err != nil {
				runErr = fmt.Errorf("control API failed: %w", err)
				break loop
			}

		case <-sched.Done():
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	logger.Info("shutting down gracefully")

	// Sample before the scheduler stops so the last period is complete
	if collector != nil {
		collector.SampleOnce()
		if err := collector.Stop(); err != nil {
			logger.Warn("stats flush failed", "error", err)
		}
	}

	sched.Shutdown()
	<-sched.Done()

	if err := history.Shutdown(); err != nil {
		logger.Warn("run history flush incomplete", "error", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control API shutdown failed", "error", err)
		}
	}

	stop()
	logger.Info("pimsyncd stopped")
	return runErr
}
