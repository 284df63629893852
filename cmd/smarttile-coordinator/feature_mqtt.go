//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "smarttile-coordinator/internal/mqtt"

	"smarttile-coordinator/internal/coordinator"
)

type mqttFeature struct {
	bridge *mqttbridge.Bridge
	logger *slog.Logger
}

func (m *mqttFeature) Start(coord *coordinator.Coordinator) {
	if m.bridge == nil {
		return
	}
	// paho keeps retrying in the background, so a failed first connect is not fatal.
	if err := m.bridge.Start(coord); err != nil {
		m.logger.Error("mqtt bridge", "err", err)
	}
}

func (m *mqttFeature) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(cfg *Config, logger *slog.Logger) (*mqttFeature, []coordinator.Option) {
	if !cfg.MQTT.Enabled {
		return &mqttFeature{}, nil
	}
	bridge := mqttbridge.New(mqttbridge.Config{
		Broker:    cfg.MQTT.Broker,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  cfg.MQTT.ClientID,
		Site:      cfg.MQTT.Site,
		CoordID:   cfg.MQTT.CoordID,
		Discovery: cfg.MQTT.Discovery,
		Version:   version,
	}, logger)
	return &mqttFeature{bridge: bridge, logger: logger}, []coordinator.Option{coordinator.WithTelemetry(bridge)}
}
