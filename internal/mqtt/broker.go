//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// BrokerConfig configures the embedded broker.
type BrokerConfig struct {
	// Listen is the TCP address for external clients. Empty serves the
	// inline client only.
	Listen string
}

// Broker is an embedded MQTT broker that accepts every client.
type Broker struct {
	server *mochi.Server
	logger *slog.Logger
}

// NewBroker starts an embedded broker.
func NewBroker(cfg BrokerConfig, logger *slog.Logger) (*Broker, error) {
	logger = logger.With("component", "mqtt_broker")
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger,
	})

	// Allow all connections.
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("mqtt broker auth hook: %w", err)
	}

	if cfg.Listen != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Listen})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("mqtt broker listen %s: %w", cfg.Listen, err)
		}
	}

	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("mqtt broker serve: %w", err)
	}
	logger.Info("embedded MQTT broker started", "listen", cfg.Listen)
	return &Broker{server: server, logger: logger}, nil
}

// Server exposes the underlying broker for inline subscriptions.
func (b *Broker) Server() *mochi.Server {
	return b.server
}

// Close stops all listeners and disconnects clients.
func (b *Broker) Close() error {
	err := b.server.Close()
	b.logger.Info("embedded MQTT broker stopped")
	return err
}
