package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/internal/config"
	"github.com/HerbHall/iotscan/internal/event"
	"github.com/HerbHall/iotscan/internal/iot"
	"github.com/HerbHall/iotscan/internal/mqttsink"
	"github.com/HerbHall/iotscan/internal/registry"
	"github.com/HerbHall/iotscan/internal/server"
	"github.com/HerbHall/iotscan/internal/store"
	"github.com/HerbHall/iotscan/internal/version"
	"github.com/HerbHall/iotscan/pkg/plugin"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("IoTScan server starting", zap.String("version", version.Short()))

	v, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg := config.New(v)

	var db *store.SQLiteStore
	if path := cfg.GetString("database.path"); path != "" {
		db, err = store.New(path)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()
	}

	bus := event.NewBus(logger.Named("event"))

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Compile-time composition: every plugin is linked in and switched on or
	// off by plugins.<name>.enabled.
	reg := registry.New(logger)
	candidates := []plugin.Plugin{
		iot.New(iot.WithRegisterer(metrics)),
		mqttsink.New(),
	}
	for _, p := range candidates {
		name := p.Info().Name
		if !cfg.GetBool("plugins." + name + ".enabled") {
			logger.Info("plugin disabled by config", zap.String("name", name))
			continue
		}
		if err := reg.Register(p); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Fatal("plugin validation failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	depsFor := func(name string) plugin.Dependencies {
		deps := plugin.Dependencies{
			Config: cfg.Sub("plugins." + name).Viper(),
			Logger: logger.Named(name),
			Bus:    bus,
		}
		if db != nil {
			deps.Store = db
		}
		return deps
	}
	if err := reg.InitAll(ctx, depsFor); err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}
	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	addr := cfg.GetString("server.host") + ":" + cfg.GetString("server.port")
	if addr == ":" {
		addr = "0.0.0.0:8080"
	}
	srv := server.New(addr, reg, metrics, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("IoTScan server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("IoTScan server stopped")
}
