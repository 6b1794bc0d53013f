// Package coordinator runs the Zigbee network and turns pulse meter traffic
// into device state and reading history.
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
)

// Config holds coordinator configuration.
type Config struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// NCPConfig holds serial port configuration for display purposes.
type NCPConfig struct {
	Port string
	Baud int
}

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD" into [8]byte.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// ParseExtPanID parses "DD:DD:DD:DD:DD:DD:DD:DD" into [8]byte.
func ParseExtPanID(s string) ([8]byte, error) {
	return ParseIEEE(s)
}

// FormatIEEE renders an address the way devices are keyed in the store.
func FormatIEEE(addr [8]byte) string {
	return fmt.Sprintf("%016X", addr)
}

// Coordinator manages the Zigbee network via the NCP.
type Coordinator struct {
	ncp       ncp.NCP
	store     store.Store
	registry  *zcl.Registry
	deviceDB  *DeviceDB
	events    *EventBus
	devices   *DeviceManager
	logger    *slog.Logger
	config    Config
	ncpConfig NCPConfig

	ieeeMu    sync.RWMutex
	localIEEE [8]byte // cached at Start

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator around an NCP backend.
func New(backend ncp.NCP, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, events *EventBus, cfg Config, ncpCfg NCPConfig, logger *slog.Logger) *Coordinator {
	if deviceDB == nil {
		deviceDB = NewDeviceDB()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ncp:       backend,
		store:     st,
		registry:  registry,
		deviceDB:  deviceDB,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		ncpConfig: ncpCfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerIndicationHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the NCP and forms or resumes the network. A network
// stored with the same parameters is resumed from NCP NVRAM, since forming
// again would rotate the network key and orphan every joined meter.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing NCP...")

	if c.canResumeNetwork() {
		c.logger.Info("resuming existing network...")
		// A soft reset resynchronises the LL packet sequence with the NCP.
		if err := c.ncp.Reset(ctx); err != nil {
			return fmt.Errorf("ncp reset (resume): %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init: %w", err)
		}
		err := c.ncp.StartNetwork(ctx)
		if err == nil {
			c.cacheLocalIEEE(ctx)
			c.logger.Info("network resumed", "channel", c.config.Channel, "panID", fmt.Sprintf("0x%04X", c.config.PanID))
			c.events.Emit(Event{Type: EventNetworkState, Data: "started"})
			return nil
		}
		c.logger.Warn("network resume failed, re-forming", "err", err)
	}

	netCfg := ncp.NetworkConfig{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: c.config.ExtPanID,
	}

	c.logger.Info("forming new network...")
	if err := c.ncp.Reset(ctx); err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	if err := c.ncp.Init(ctx); err != nil {
		return fmt.Errorf("ncp init: %w", err)
	}
	if err := c.ncp.FormNetwork(ctx, netCfg); err != nil {
		// Stale NVRAM can block formation; erase it and try once more.
		c.logger.Warn("formation failed, trying factory reset", "err", err)
		if err := c.ncp.FactoryReset(ctx); err != nil {
			return fmt.Errorf("ncp factory reset: %w", err)
		}
		if err := c.ncp.Init(ctx); err != nil {
			return fmt.Errorf("ncp init after factory reset: %w", err)
		}
		if err := c.ncp.FormNetwork(ctx, netCfg); err != nil {
			return fmt.Errorf("form network: %w", err)
		}
	}
	if err := c.ncp.StartNetwork(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	c.saveNetworkState()
	c.cacheLocalIEEE(ctx)
	c.logger.Info("network formed", "channel", c.config.Channel, "panID", fmt.Sprintf("0x%04X", c.config.PanID))
	c.events.Emit(Event{Type: EventNetworkState, Data: "started"})
	return nil
}

func (c *Coordinator) cacheLocalIEEE(ctx context.Context) {
	ieee, err := c.ncp.GetLocalIEEE(ctx)
	if err != nil {
		c.logger.Warn("get coordinator IEEE", "err", err)
		return
	}
	c.ieeeMu.Lock()
	c.localIEEE = ieee
	c.ieeeMu.Unlock()
	c.logger.Info("coordinator IEEE", "ieee", FormatIEEE(ieee))
}

// LocalIEEE returns the coordinator's own IEEE address.
func (c *Coordinator) LocalIEEE() [8]byte {
	c.ieeeMu.RLock()
	defer c.ieeeMu.RUnlock()
	return c.localIEEE
}

func (c *Coordinator) saveNetworkState() {
	state := &store.NetworkState{
		Channel:  c.config.Channel,
		PanID:    c.config.PanID,
		ExtPanID: fmt.Sprintf("%X", c.config.ExtPanID),
		Formed:   true,
	}
	if info := c.ncp.Info(); info != nil && len(info.NetworkKey) > 0 {
		state.NetworkKey = hex.EncodeToString(info.NetworkKey)
	}
	if err := c.store.SaveNetworkState(state); err != nil {
		c.logger.Error("save network state", "err", err)
	}
}

// canResumeNetwork checks if the previously formed network matches current config.
func (c *Coordinator) canResumeNetwork() bool {
	ns, err := c.store.GetNetworkState()
	if err != nil || !ns.Formed {
		return false
	}
	return ns.Channel == c.config.Channel &&
		ns.PanID == c.config.PanID &&
		ns.ExtPanID == fmt.Sprintf("%X", c.config.ExtPanID)
}

// Stop cancels the coordinator context and waits for in-progress interviews.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAllInterviews()
}

// PermitJoin opens or closes the network for device joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.ncp.PermitJoin(ctx, duration); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	c.logger.Info("permit join", "duration", duration)
	c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]interface{}{"duration": duration}})
	return nil
}

// NetworkInfo returns current network information from cached config.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	info := map[string]interface{}{
		"channel":          c.config.Channel,
		"pan_id":           fmt.Sprintf("0x%04X", c.config.PanID),
		"ext_pan_id":       fmt.Sprintf("%X", c.config.ExtPanID),
		"port":             c.ncpConfig.Port,
		"baud":             c.ncpConfig.Baud,
		"coordinator_ieee": FormatIEEE(c.LocalIEEE()),
	}
	if ncpInfo := c.ncp.Info(); ncpInfo != nil {
		info["fw_version"] = ncpInfo.FWVersion
		info["stack_version"] = ncpInfo.StackVersion
		info["protocol_version"] = ncpInfo.ProtocolVersion
	}
	return info
}

// NCP returns the underlying NCP backend.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the model alias database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

// ListDevices returns all known devices.
func (c *Coordinator) ListDevices() ([]*store.Device, error) {
	return c.devices.ListDevices()
}

// GetDevice returns a device by IEEE address.
func (c *Coordinator) GetDevice(ieee string) (*store.Device, error) {
	return c.devices.GetDevice(ieee)
}

// FindDevice resolves an IEEE address or a friendly name.
func (c *Coordinator) FindDevice(ref string) (*store.Device, error) {
	return c.devices.FindDevice(ref)
}

// RemoveDevice asks the device to leave and forgets it.
func (c *Coordinator) RemoveDevice(ctx context.Context, ieee string) error {
	return c.devices.RemoveDevice(ctx, ieee)
}

// RenameDevice sets the friendly name of a device.
func (c *Coordinator) RenameDevice(ieee, name string) error {
	return c.devices.Rename(ieee, name)
}

func (c *Coordinator) registerIndicationHandlers() {
	c.ncp.OnDeviceJoined(c.devices.HandleJoin)
	c.ncp.OnDeviceLeft(c.devices.HandleLeave)
	c.ncp.OnDeviceAnnounce(c.devices.HandleAnnounce)
	c.ncp.OnAttributeReport(c.devices.HandleAttributeReport)
	c.ncp.OnNwkAddrUpdate(func(short uint16) {
		c.logger.Debug("nwk address update", "short", fmt.Sprintf("0x%04X", short))
	})
	c.ncp.OnNCPReset(func() {
		c.logger.Warn("NCP reset itself, network state lost until restart")
		c.events.Emit(Event{Type: EventNetworkState, Data: "ncp_reset"})
	})
}
