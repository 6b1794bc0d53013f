//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "pulsemeter-gateway/internal/mqtt"

	"pulsemeter-gateway/internal/coordinator"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
	broker *mqttbridge.Broker
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
	if m.broker != nil {
		m.broker.Close()
	}
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridgeCfg := mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}

	if cfg.MQTT.Embedded.Enabled {
		broker, err := mqttbridge.NewBroker(mqttbridge.BrokerConfig{Listen: cfg.MQTT.Embedded.Listen}, logger)
		if err != nil {
			logger.Error("mqtt broker", "err", err)
			return &mqttStopper{}
		}
		bridge := mqttbridge.NewEmbeddedBridge(coord, broker, bridgeCfg, logger)
		bridge.Start()
		return &mqttStopper{bridge: bridge, broker: broker}
	}

	bridge, err := mqttbridge.NewBridge(coord, bridgeCfg, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
