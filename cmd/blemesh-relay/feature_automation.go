//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"blemesh-relay/internal/automation"
	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
	"blemesh-relay/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *relay.Coordinator, queue *relay.Queue, scheduler *scan.Scheduler, peers relay.PeerSource, events *relay.EventBus, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	execTimeout := 10 * time.Second
	if cfg.Exec.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Exec.Timeout); err == nil {
			execTimeout = d
		} else {
			logger.Warn("invalid exec.timeout, using default", "value", cfg.Exec.Timeout, "default", execTimeout)
		}
	}

	engine := automation.NewEngine(automation.MeshAPI{
		Coordinator: coord,
		Queue:       queue,
		Scan:        scheduler,
		Peers:       peers,
		Events:      events,
	}, scriptMgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Exec.Allowlist,
			ExecTimeout:   execTimeout,
		},
		automation.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		},
	)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
