//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// MessageHandler receives a message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// transport is the publish/subscribe surface the bridge needs.
type transport interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(filter string, handler MessageHandler) error
	Unsubscribe(filter string) error
	Close()
}

const publishTimeout = 5 * time.Second

// pahoTransport talks to an external broker.
type pahoTransport struct {
	client pahomqtt.Client
	logger *slog.Logger
}

type pahoOptions struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	WillTopic string
	OnConnect func()
}

func dialPaho(o pahoOptions, logger *slog.Logger) (*pahoTransport, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(o.WillTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			logger.Info("MQTT connected", "broker", o.Broker)
			if o.OnConnect != nil {
				o.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "err", err)
		})

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &pahoTransport{client: client, logger: logger}, nil
}

// Publish queues the message and returns; delivery failures are logged.
func (t *pahoTransport) Publish(topic string, payload []byte, retained bool) error {
	token := t.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			t.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			t.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

func (t *pahoTransport) Subscribe(filter string, handler MessageHandler) error {
	token := t.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	return token.Error()
}

func (t *pahoTransport) Unsubscribe(filter string) error {
	token := t.client.Unsubscribe(filter)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", filter)
	}
	return token.Error()
}

func (t *pahoTransport) Close() {
	t.client.Disconnect(1000)
}

// inlineTransport publishes through the embedded broker's inline client.
type inlineTransport struct {
	server *mochi.Server

	mu     sync.Mutex
	nextID int
	subIDs map[string]int
}

func newInlineTransport(server *mochi.Server) *inlineTransport {
	return &inlineTransport{server: server, subIDs: make(map[string]int)}
}

func (t *inlineTransport) Publish(topic string, payload []byte, retained bool) error {
	return t.server.Publish(topic, payload, retained, 1)
}

func (t *inlineTransport) Subscribe(filter string, handler MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subIDs[filter]; ok {
		return nil
	}
	t.nextID++
	id := t.nextID
	err := t.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
	if err != nil {
		return err
	}
	t.subIDs[filter] = id
	return nil
}

func (t *inlineTransport) Unsubscribe(filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.subIDs[filter]
	if !ok {
		return nil
	}
	delete(t.subIDs, filter)
	return t.server.Unsubscribe(filter, id)
}

// Close is a no-op; the broker owns the server.
func (t *inlineTransport) Close() {}
