//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Gateway is the part of the coordinator the bridge drives.
type Gateway interface {
	Context() context.Context
	Events() *coordinator.EventBus
	ListDevices() ([]*store.Device, error)
	GetDevice(ieee string) (*store.Device, error)
	ExposesFor(dev *store.Device) (pulsemeter.Variant, []pulsemeter.Expose, error)
	SetProperty(ctx context.Context, ieee, key string, value any) (pulsemeter.State, error)
}

const commandTimeout = 10 * time.Second

// Bridge connects the meter gateway to MQTT with HA autodiscovery.
type Bridge struct {
	gw     Gateway
	prefix string
	logger *slog.Logger
	unsub  func()

	mu             sync.Mutex
	tr             transport
	pendingConnect bool
}

func newBridge(gw Gateway, cfg Config, logger *slog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "pulsemeter"
	}
	return &Bridge{
		gw:     gw,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}
}

// NewBridge creates a bridge and connects it to an external broker.
func NewBridge(gw Gateway, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(gw, cfg, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pulsemeter-gateway"
	}
	tr, err := dialPaho(pahoOptions{
		Broker:    cfg.Broker,
		ClientID:  clientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		WillTopic: b.availabilityTopic(),
		OnConnect: b.onConnected,
	}, b.logger)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.tr = tr
	pending := b.pendingConnect
	b.mu.Unlock()
	if pending {
		b.onConnected()
	}
	return b, nil
}

// NewEmbeddedBridge creates a bridge that publishes through the inline
// client of an embedded broker.
func NewEmbeddedBridge(gw Gateway, broker *Broker, cfg Config, logger *slog.Logger) *Bridge {
	b := newBridge(gw, cfg, logger)
	b.tr = newInlineTransport(broker.Server())
	b.onConnected()
	return b
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if tr := b.transport(); tr != nil {
		tr.Close()
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) transport() transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tr
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/bridge/state"
}

// onConnected runs after every (re)connect: the broker may have lost our
// subscriptions and HA may have restarted.
func (b *Bridge) onConnected() {
	b.mu.Lock()
	if b.tr == nil {
		b.pendingConnect = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.publishBridgeState("online")
	b.subscribeCommands()
	b.publishAllDiscovery()
	b.publishDevices()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventReadingUpdate:
		if upd, ok := event.Data.(coordinator.ReadingUpdate); ok {
			b.handleReading(upd)
		}
	case coordinator.EventResetCounter:
		if ieee := eventIEEE(event); ieee != "" {
			b.publishStoredState(ieee)
		}
		b.publishEvent(event)
	case coordinator.EventDeviceInterviewed:
		b.publishEvent(event)
		if data, ok := event.Data.(map[string]interface{}); ok && data["supported"] == true {
			if dev, err := b.gw.GetDevice(eventIEEE(event)); err == nil {
				b.publishDeviceDiscovery(dev)
			}
		}
		b.publishDevices()
	case coordinator.EventDeviceJoined:
		b.publishEvent(event)
		b.publishDevices()
	case coordinator.EventDeviceLeft:
		b.publishEvent(event)
		b.handleDeviceLeft(eventIEEE(event))
		b.publishDevices()
	case coordinator.EventDeviceAnnounce, coordinator.EventDeviceConfigured,
		coordinator.EventReadingDropped, coordinator.EventPermitJoin, coordinator.EventNetworkState:
		b.publishEvent(event)
	}
}

func eventIEEE(event coordinator.Event) string {
	switch d := event.Data.(type) {
	case map[string]interface{}:
		ieee, _ := d["ieee"].(string)
		return ieee
	case coordinator.ReadingUpdate:
		return d.IEEE
	case coordinator.ConfigureResult:
		return d.IEEE
	}
	return ""
}

func (b *Bridge) handleReading(upd coordinator.ReadingUpdate) {
	dev, err := b.gw.GetDevice(upd.IEEE)
	if err != nil {
		b.logger.Debug("reading for unknown device", "ieee", upd.IEEE, "err", err)
		return
	}
	b.publishState(dev, upd.State, upd.Time)
}

func (b *Bridge) publishStoredState(ieee string) {
	dev, err := b.gw.GetDevice(ieee)
	if err != nil {
		return
	}
	b.publishState(dev, dev.State, dev.LastSeen)
}

// publishState publishes the full device state as one retained JSON object.
func (b *Bridge) publishState(dev *store.Device, state map[string]any, seen time.Time) {
	payload := make(map[string]any, len(state)+2)
	maps.Copy(payload, state)
	payload["linkquality"] = dev.LQI
	if !seen.IsZero() {
		payload["last_seen"] = seen.Format(time.RFC3339)
	}
	b.publish(b.prefix+"/"+deviceTopicName(dev), mustJSON(payload), true)
}

func (b *Bridge) handleDeviceLeft(ieee string) {
	if ieee == "" {
		return
	}
	for _, msg := range buildRemoveDiscovery(ieee) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("removed HA discovery", "ieee", ieee)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.availabilityTopic(), []byte(state), true)
}

// bridgeEvent is published on <prefix>/bridge/event.
type bridgeEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (b *Bridge) publishEvent(event coordinator.Event) {
	b.publish(b.prefix+"/bridge/event", mustJSON(bridgeEvent{Type: event.Type, Data: event.Data}), false)
}

// bridgeDevice is one entry of <prefix>/bridge/devices.
type bridgeDevice struct {
	IEEEAddress    string                 `json:"ieee_address"`
	FriendlyName   string                 `json:"friendly_name"`
	NetworkAddress uint16                 `json:"network_address"`
	Manufacturer   string                 `json:"manufacturer,omitempty"`
	ModelID        string                 `json:"model_id,omitempty"`
	PowerSource    string                 `json:"power_source,omitempty"`
	Interviewed    bool                   `json:"interview_completed"`
	Supported      bool                   `json:"supported"`
	Definition     *pulsemeter.Definition `json:"definition,omitempty"`
	Exposes        []pulsemeter.Expose    `json:"exposes,omitempty"`
}

func (b *Bridge) publishDevices() {
	devices, err := b.gw.ListDevices()
	if err != nil {
		b.logger.Error("list devices for bridge/devices", "err", err)
		return
	}
	list := make([]bridgeDevice, 0, len(devices))
	for _, dev := range devices {
		entry := bridgeDevice{
			IEEEAddress:    dev.IEEEAddress,
			FriendlyName:   deviceTopicName(dev),
			NetworkAddress: dev.ShortAddress,
			Manufacturer:   dev.Manufacturer,
			ModelID:        dev.Model,
			Interviewed:    dev.Interviewed,
		}
		if dev.PowerSource != nil {
			entry.PowerSource = pulsemeter.PowerSourceFromCode(*dev.PowerSource).String()
		} else {
			entry.PowerSource = dev.PowerSourceText
		}
		if v, exposes, err := b.gw.ExposesFor(dev); err == nil {
			def := v.Definition()
			entry.Supported = true
			entry.Definition = &def
			entry.Exposes = exposes
		}
		list = append(list, entry)
	}
	b.publish(b.prefix+"/bridge/devices", mustJSON(list), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.gw.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if dev.Interviewed {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	variant, exposes, err := b.gw.ExposesFor(dev)
	if err != nil {
		b.logger.Debug("no discovery for device", "ieee", dev.IEEEAddress, "err", err)
		return
	}
	for _, msg := range buildDiscovery(dev, variant, exposes, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	tr := b.transport()
	filter := b.prefix + "/+/set"
	if err := tr.Subscribe(filter, b.handleSetMessage); err != nil {
		b.logger.Error("subscribe commands", "topic", filter, "err", err)
	}
}

func (b *Bridge) handleSetMessage(topic string, payload []byte) {
	name, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	name, ok = strings.CutSuffix(name, "/set")
	if !ok || name == "" || name == "bridge" {
		return
	}
	dev := b.findByTopicName(name)
	if dev == nil {
		b.logger.Warn("command for unknown device", "name", name)
		return
	}
	b.handleCommand(dev, payload)
}

func (b *Bridge) findByTopicName(name string) *store.Device {
	devices, err := b.gw.ListDevices()
	if err != nil {
		b.logger.Error("list devices for command", "err", err)
		return nil
	}
	for _, dev := range devices {
		if deviceTopicName(dev) == name || dev.IEEEAddress == name {
			return dev
		}
	}
	return nil
}

func (b *Bridge) handleCommand(dev *store.Device, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "ieee", dev.IEEEAddress, "err", err)
		return
	}

	keys := make([]string, 0, len(cmd))
	for k := range cmd {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx, cancel := context.WithTimeout(b.gw.Context(), commandTimeout)
	defer cancel()

	changed := false
	for _, key := range keys {
		if _, err := b.gw.SetProperty(ctx, dev.IEEEAddress, key, cmd[key]); err != nil {
			b.logger.Warn("set command failed", "ieee", dev.IEEEAddress, "key", key, "err", err)
			continue
		}
		changed = true
	}
	if changed {
		b.publishStoredState(dev.IEEEAddress)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	tr := b.transport()
	if tr == nil {
		return
	}
	if err := tr.Publish(topic, payload, retained); err != nil {
		b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
