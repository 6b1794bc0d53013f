package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/metrics"
	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/web"
	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("pulse-gateway starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)

	// Extra clusters and model aliases from the devices directory.
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		return err
	}
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()), "aliases", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithReadingRetention(cfg.Store.ReadingRetention))
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("opening ZBOSS NCP", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
	backend, err := ncp.NewZBOSS(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	extPanID, err := coordinator.ParseExtPanID(cfg.Network.ExtPanID)
	if err != nil {
		return err
	}
	panID, err := cfg.panID()
	if err != nil {
		return err
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, registry, deviceDB, events, coordinator.Config{
		Channel:  uint8(cfg.Network.Channel),
		PanID:    panID,
		ExtPanID: extPanID,
	}, coordinator.NCPConfig{
		Port: cfg.Serial.Port,
		Baud: cfg.Serial.Baud,
	}, logger)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	defer coord.Stop()

	var webOpts []web.ServerOption
	if cfg.Web.Metrics {
		collector := metrics.New(logger)
		collector.Attach(events)
		defer collector.Detach()
		webOpts = append(webOpts, web.WithMetrics(collector.Handler()))
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	// No-op when built with no_automation.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)
	defer auto.Stop()
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// No-op when built with no_mqtt or when mqtt.enabled is false.
	mqtt := initMQTT(coord, cfg, logger)
	defer mqtt.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case runErr = <-httpErr:
		logger.Error("http server", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return runErr
}

func newLogger(levelName, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
