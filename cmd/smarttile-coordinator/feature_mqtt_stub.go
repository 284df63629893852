//go:build no_mqtt

package main

import (
	"log/slog"

	"smarttile-coordinator/internal/coordinator"
)

type mqttFeature struct{}

func (m *mqttFeature) Start(_ *coordinator.Coordinator) {}

func (m *mqttFeature) Stop() {}

func initMQTT(_ *Config, _ *slog.Logger) (*mqttFeature, []coordinator.Option) {
	return &mqttFeature{}, nil
}
