package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/radio/bridge"
	"smarttile-coordinator/internal/store"
	"smarttile-coordinator/internal/thermal"
	"smarttile-coordinator/internal/web"
	"smarttile-coordinator/internal/zones"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLogger.Warn("load .env", "err", err)
	}

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

	logger, logCloser := newLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("smarttile-coordinator starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	a.serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	a.shutdown()
	return nil
}

// app holds everything started by newApp, in shutdown order.
type app struct {
	logger     *slog.Logger
	kv         store.KV
	transport  *radio.Transport
	coord      *coordinator.Coordinator
	mqtt       *mqttFeature
	auto       *autoStopper
	webServer  *web.Server
	httpServer *http.Server
}

// newApp builds and starts the fleet. Only the HTTP listener is left to serve.
func newApp(cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	kv := openStore(cfg.Store.Path, logger)
	a.kv = kv
	defer func() {
		if err != nil {
			kv.Close()
		}
	}()

	link, err := createLink(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create radio link: %w", err)
	}

	clk := clock.NewSystem()
	transport, err := radio.New(link, clk, radio.Config{
		Channel:   cfg.Radio.Channel,
		QueueSize: cfg.Radio.QueueSize,
	}, logger)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	a.transport = transport
	defer func() {
		if err != nil {
			transport.Close()
		}
	}()

	dir := directory.New(a.kv, clk, logger)

	zoneMap := zones.New(a.kv, logger)
	if err := zoneMap.Begin(cfg.Zones); err != nil {
		logger.Warn("persist configured zones", "err", err)
	}
	policy := thermal.NewPolicy(cfg.Thermal, logger)

	// The MQTT bridge is a telemetry sink, so it must exist before the
	// coordinator even though it connects afterwards.
	var mqttOpts []coordinator.Option
	a.mqtt, mqttOpts = initMQTT(cfg, logger)

	opts := []coordinator.Option{
		coordinator.WithThermalPolicy(policy),
		coordinator.WithZoneMap(zoneMap),
	}
	opts = append(opts, mqttOpts...)

	events := coordinator.NewEventBus(logger)
	a.coord, err = coordinator.New(a.transport, dir, clk, events, cfg.coordinatorConfig(), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = a.coord.Start(ctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("start coordinator: %w", err)
	}

	a.mqtt.Start(a.coord)

	// Start automation engine (no-op when built with no_automation tag).
	var autoWebOpts []web.ServerOption
	a.auto, autoWebOpts = initAutomation(a.coord, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithZones(zoneMap),
		web.WithThermal(policy),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	a.webServer = web.NewServer(a.coord, logger, webOpts...)
	a.httpServer = &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      a.webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return a, nil
}

func (a *app) serve() {
	go func() {
		a.logger.Info("web server starting", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server", "err", err)
		}
	}()
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.auto.Stop()
	a.mqtt.Stop()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown", "err", err)
	}
	a.webServer.Stop()
	a.coord.Stop()
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("close radio", "err", err)
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

// openStore opens the bolt database. When it cannot be opened the fleet
// keeps running with a memory-only directory.
func openStore(path string, logger *slog.Logger) store.KV {
	db, err := store.NewBoltKV(path)
	if err != nil {
		logger.Warn("store unavailable, node directory is memory-only", "path", path, "err", err)
		return store.NewMemoryKV()
	}
	return db
}

func createLink(cfg *Config, logger *slog.Logger) (radio.Link, error) {
	switch cfg.Radio.Type {
	case "serial":
		logger.Info("using serial radio bridge", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
		return bridge.Open(cfg.Radio.Port, cfg.Radio.Baud, logger)
	case "loopback":
		logger.Warn("using loopback radio, no frames leave this process")
		return radio.NewLoopback(), nil
	default:
		return nil, fmt.Errorf("unknown radio type: %q (supported: serial, loopback)", cfg.Radio.Type)
	}
}

// newLogger builds the configured logger. With log.file set, output is
// duplicated into a size-rotated file; the returned closer releases it.
func newLogger(cfg *Config) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
