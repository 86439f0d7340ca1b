//go:build no_automation

package main

import (
	"log/slog"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
	"blemesh-relay/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *relay.Coordinator, _ *relay.Queue, _ *scan.Scheduler, _ relay.PeerSource, _ *relay.EventBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
