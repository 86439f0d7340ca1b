//go:build no_mqtt

package main

import (
	"log/slog"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/scan"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *relay.Coordinator, _ *relay.Aggregator, _ *relay.EventBus, _ *scan.Scheduler, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
