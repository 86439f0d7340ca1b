package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
	"blemesh-relay/internal/store"
	"blemesh-relay/internal/transport"
	"blemesh-relay/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Bridge struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"bridge"`
	Scan struct {
		Enabled       bool   `yaml:"enabled"`
		BurstDuration string `yaml:"burst_duration"`
		MinInterval   string `yaml:"min_interval"`
		MaxInterval   string `yaml:"max_interval"`
		Cooldown      string `yaml:"cooldown"`
	} `yaml:"scan"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Bridge.Port == "" {
		return fmt.Errorf("bridge.port is required")
	}
	if c.Bridge.Baud <= 0 {
		return fmt.Errorf("bridge.baud must be positive, got %d", c.Bridge.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// scanConfig parses the duration strings into a scan.Config; empty fields
// keep the package defaults.
func (c *Config) scanConfig() (scan.Config, error) {
	cfg := scan.DefaultConfig()
	for _, f := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Scan.BurstDuration, "scan.burst_duration", &cfg.BurstDuration},
		{c.Scan.MinInterval, "scan.min_interval", &cfg.MinInterval},
		{c.Scan.MaxInterval, "scan.max_interval", &cfg.MaxInterval},
		{c.Scan.Cooldown, "scan.cooldown", &cfg.Cooldown},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return cfg, nil
}

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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("blemesh-relay starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect the BLE bridge
	bridge, err := transport.NewSerialBridge(cfg.Bridge.Port, cfg.Bridge.Baud, logger)
	if err != nil {
		logger.Error("open ble bridge", "err", err)
		os.Exit(1)
	}
	defer bridge.Close()

	// Build the relay core
	events := relay.NewEventBus(logger)
	queue, err := relay.NewQueue(db, events, logger)
	if err != nil {
		logger.Error("create queue", "err", err)
		os.Exit(1)
	}
	coord := relay.NewCoordinator(queue, bridge, relay.DefaultRetryPolicy(), events, logger)
	coord.Start()

	// Discovery burst scheduler
	var scheduler *scan.Scheduler
	if cfg.Scan.Enabled {
		scanCfg, err := cfg.scanConfig()
		if err != nil {
			logger.Error("invalid scan config", "err", err)
			os.Exit(1)
		}
		disc := &discoveryTap{DiscoveryControl: bridge, events: events}
		scheduler = scan.NewScheduler(scanCfg, disc, logger, func(event string, st scan.Status) {
			events.Emit(relay.Event{Type: relay.EventScanState, Data: map[string]interface{}{
				"event": event, "status": st,
			}})
		})
		scheduler.Start()
	}

	// Status aggregator
	var scanSrc relay.ScanSource
	if scheduler != nil {
		scanSrc = scheduler
	}
	status := relay.NewAggregator(queue, bridge, scanSrc, events, logger)
	status.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, queue, scheduler, bridge, events, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithPeers(bridge),
		web.WithVersion(version),
	}
	if scheduler != nil {
		webOpts = append(webOpts, web.WithScan(scheduler))
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, queue, status, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, status, events, scheduler, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	status.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// discoveryTap forwards peer discoveries to the event bus on their way to
// the scan scheduler, so WebSocket/MQTT consumers see them too.
type discoveryTap struct {
	transport.DiscoveryControl
	events *relay.EventBus
}

func (d *discoveryTap) OnPeerDiscovered(handler func(transport.PeerEvent)) {
	d.DiscoveryControl.OnPeerDiscovered(func(ev transport.PeerEvent) {
		d.events.Emit(relay.Event{Type: relay.EventPeerDiscovered, Data: map[string]interface{}{
			"peer_id": ev.PeerID, "rssi": ev.RSSI, "viable": ev.Viable,
		}})
		handler(ev)
	})
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "blemesh-relay.db"
	}
	if cfg.Bridge.Baud == 0 {
		cfg.Bridge.Baud = 115200
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "blemesh"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
