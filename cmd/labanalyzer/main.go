// Package main implements the LabAnalyzer daemon: a multi-port TCP receiver
// for clinical-instrument result messages with a local SQLite store and an
// outbound synchronizer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/harrisyn/LabAnalyzer/config"
	"github.com/harrisyn/LabAnalyzer/event"
	gatewayhttp "github.com/harrisyn/LabAnalyzer/gateway/http"
	"github.com/harrisyn/LabAnalyzer/metric"
	"github.com/harrisyn/LabAnalyzer/output/httpsync"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/supervisor"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "labanalyzer"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting LabAnalyzer",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	configManager, err := initializeConfiguration(cliCfg, logger)
	if err != nil {
		return err
	}
	cfg := configManager.Get()

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "listeners", len(cfg.Listeners))
		return nil
	}

	ctx := context.Background()

	// Shared infrastructure: store, metrics, observer bus
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	metricsRegistry := metric.NewRegistry()
	bus := event.NewBus(event.DefaultBufferSize)
	defer bus.Close()

	// Listener supervisor
	sup := supervisor.New(supervisor.Deps{
		Store:       db,
		Events:      bus,
		Metrics:     metricsRegistry,
		Logger:      logger,
		Instance:    cfg.InstanceID,
		AppName:     cfg.AppName,
		IdleTimeout: cfg.IdleTimeout(),
	})

	// Outbound sync engine, when enabled
	syncEngine, err := setupSyncEngine(ctx, cfg, db, bus, logger)
	if err != nil {
		return err
	}
	if syncEngine != nil {
		defer func() { _ = syncEngine.Stop(30 * time.Second) }()
	}

	// Status gateway
	gateway, err := setupGateway(ctx, cfg, sup, db, bus, metricsRegistry, syncEngine, logger)
	if err != nil {
		return err
	}
	if gateway != nil {
		defer func() { _ = gateway.Stop(5 * time.Second) }()
	}

	return runWithSignalHandling(ctx, cliCfg, configManager, sup)
}

// initializeConfiguration loads the config file, creating a default one on
// first run the way the desktop build does
func initializeConfiguration(cliCfg *CLIConfig, logger *slog.Logger) (*config.Manager, error) {
	if _, err := os.Stat(cliCfg.ConfigPath); os.IsNotExist(err) {
		slog.Info("No configuration found, writing defaults", "path", cliCfg.ConfigPath)
		defaults := config.DefaultConfig()
		defaults.Normalize()
		if werr := config.WriteFile(cliCfg.ConfigPath, defaults); werr != nil {
			return nil, fmt.Errorf("write default config: %w", werr)
		}
	}

	manager, err := config.NewManager(cliCfg.ConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return manager, nil
}

// setupSyncEngine starts the outbound synchronizer when configured
func setupSyncEngine(
	ctx context.Context,
	cfg *config.Config,
	db *store.Store,
	bus *event.Bus,
	logger *slog.Logger,
) (*httpsync.Engine, error) {
	if !cfg.ExternalServer.Enabled {
		slog.Info("External server sync disabled")
		return nil, nil
	}

	engine, err := httpsync.NewEngine(httpsync.Deps{
		Config:   cfg.ExternalServer,
		Store:    db,
		Events:   bus,
		Logger:   logger,
		Instance: cfg.InstanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("create sync engine: %w", err)
	}
	if err := engine.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize sync engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("start sync engine: %w", err)
	}
	return engine, nil
}

// setupGateway starts the status HTTP server when configured
func setupGateway(
	ctx context.Context,
	cfg *config.Config,
	sup *supervisor.Supervisor,
	db *store.Store,
	bus *event.Bus,
	metricsRegistry *metric.Registry,
	syncEngine *httpsync.Engine,
	logger *slog.Logger,
) (*gatewayhttp.Server, error) {
	if cfg.HTTP.Port <= 0 {
		slog.Info("Status gateway disabled")
		return nil, nil
	}

	gw := gatewayhttp.NewServer(gatewayhttp.Deps{
		Port:       cfg.HTTP.Port,
		Supervisor: sup,
		Store:      db,
		Events:     bus,
		Metrics:    metricsRegistry,
		Sync:       syncEngine,
		Logger:     logger,
		AppName:    cfg.AppName,
		InstanceID: cfg.InstanceID,
	})
	if err := gw.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return nil, fmt.Errorf("start gateway: %w", err)
	}
	return gw, nil
}

// runWithSignalHandling starts the listeners and blocks until shutdown.
// SIGHUP reloads the configuration and diffs the listener set.
func runWithSignalHandling(
	ctx context.Context,
	cliCfg *CLIConfig,
	configManager *config.Manager,
	sup *supervisor.Supervisor,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	cfg := configManager.Get()
	if err := sup.Start(signalCtx, cfg.Listeners); err != nil {
		return fmt.Errorf("start listeners: %w", err)
	}
	defer func() { _ = sup.Stop(cliCfg.ShutdownTimeout) }()

	configManager.Subscribe(func(next *config.Config) {
		if err := sup.Reload(next.Listeners); err != nil {
			slog.Error("Listener reload incomplete", "error", err)
		}
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	slog.Info("LabAnalyzer started", "listeners", len(cfg.Listeners))

	for {
		select {
		case <-hup:
			slog.Info("SIGHUP received, reloading configuration")
			if err := configManager.Reload(); err != nil {
				slog.Error("Reload failed, keeping previous configuration", "error", err)
			}
		case <-signalCtx.Done():
			slog.Info("Received shutdown signal")
			return nil
		}
	}
}
