package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"pulsemeter-gateway/internal/ncp"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// Interview timing. Variables so tests can shorten them.
var (
	interviewTimeout    = 3 * time.Minute
	interviewRetryDelay = 5 * time.Second
	announceDebounce    = 3 * time.Second
)

const interviewAttempts = 3

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// addrEntry is what the short address index remembers about a device. The
// model is the one seen when the entry was written and may lag the store.
type addrEntry struct {
	ieee  string
	model string
}

// DeviceManager handles device lifecycle (join, leave, interview, configure)
// and turns attribute reports into readings.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	interviewMu      sync.Mutex
	interviewCancels map[string]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup

	// Debounce duplicate announces (unsecure then secure rejoin).
	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	addrMu    sync.RWMutex
	addrIndex map[uint16]addrEntry
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[string]interviewEntry),
		lastJoin:         make(map[string]time.Time),
		addrIndex:        make(map[uint16]addrEntry),
	}
}

// CancelAllInterviews cancels all running interview goroutines and waits for them.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for ieee, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
}

func (dm *DeviceManager) cancelInterview(ieee string) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[ieee]; ok {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16, model string) {
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	// A rejoin with a new short address leaves the old one stale. Its model
	// carries over until the interview reports one.
	for addr, e := range dm.addrIndex {
		if e.ieee != ieee {
			continue
		}
		if model == "" {
			model = e.model
		}
		if addr != shortAddr {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[shortAddr] = addrEntry{ieee: ieee, model: model}
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, e := range dm.addrIndex {
		if e.ieee == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr].ieee
}

// deviceName returns a human-readable display name for a device.
// Returns "Manufacturer Model" if available, or empty string for unknown devices.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" || dev.Model != "" {
		name := dev.Manufacturer
		if dev.Model != "" {
			if name != "" {
				name += " "
			}
			name += dev.Model
		}
		return name
	}
	return ""
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = addrEntry{ieee: d.IEEEAddress, model: d.Model}
	}
	dm.addrMu.Unlock()
}

// lookupOrRebuild resolves a short address, reloading the index from the
// store once when the address is unknown.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) addrEntry {
	dm.addrMu.RLock()
	entry, ok := dm.addrIndex[shortAddr]
	dm.addrMu.RUnlock()
	if ok {
		return entry
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	if entry, ok = dm.addrIndex[shortAddr]; ok {
		return entry
	}

	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return addrEntry{}
	}
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = addrEntry{ieee: d.IEEEAddress, model: d.Model}
	}
	return dm.addrIndex[shortAddr]
}

// HandleJoin records a join or rejoin. The interview waits for the announce,
// which only arrives once the device holds the network key.
func (dm *DeviceManager) HandleJoin(evt ncp.DeviceJoinedEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	dm.updateAddrIndex(ieee, evt.ShortAddr, "")

	now := time.Now()
	dev, err := dm.coord.Store().GetDevice(ieee)
	switch {
	case err == nil:
		dev.ShortAddress = evt.ShortAddr
		dev.LastSeen = now
	case errors.Is(err, store.ErrNotFound):
		dev = &store.Device{
			IEEEAddress:  ieee,
			ShortAddress: evt.ShortAddr,
			JoinedAt:     now,
			LastSeen:     now,
		}
	default:
		dm.logger.Error("get device on join", "err", err, "ieee", ieee)
		return
	}

	dm.logger.Info("device joined", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", deviceName(dev))

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "ieee", ieee)
		return
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceJoined,
		Data: map[string]interface{}{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr,
		},
	})
}

// HandleLeave cancels any interview and forgets the device and its history.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeftEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	dev, _ := dm.coord.Store().GetDevice(ieee)
	name := deviceName(dev)
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	dm.cancelInterview(ieee)

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()

	// ShortAddr is zero for NWK leave indications, so go by IEEE.
	dm.removeFromAddrIndex(ieee)

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	} else {
		dm.logger.Info("device removed from store", "ieee", ieee, "name", name)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]interface{}{"ieee": ieee, "name": name},
	})
}

// HandleAnnounce updates the address and starts an interview unless one is
// already running or started within the debounce window.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := FormatIEEE(evt.IEEEAddr)
	dm.updateAddrIndex(ieee, evt.ShortAddr, "")

	now := time.Now()
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("get device on announce", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: now}
	}
	dev.ShortAddress = evt.ShortAddr
	dev.LastSeen = now
	dm.logger.Info("device announce", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", deviceName(dev))

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device on announce", "err", err)
	}

	dm.coord.Events().Emit(Event{
		Type: EventDeviceAnnounce,
		Data: map[string]interface{}{
			"ieee":       ieee,
			"short_addr": evt.ShortAddr,
		},
	})

	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[ieee]
	dm.interviewMu.Unlock()
	if interviewing {
		dm.logger.Info("announce during interview, address updated", "ieee", ieee,
			"short", fmt.Sprintf("0x%04X", evt.ShortAddr))
		return
	}

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && time.Since(last) < announceDebounce {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = now
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.interviewWg.Add(1)
	go dm.Interview(ieee)
}

// Interview discovers endpoints and identity of a device, then configures it
// when the model is a known pulse meter. The device is re-read on every
// attempt to pick up short address changes from rejoins.
func (dm *DeviceManager) Interview(ieee string) {
	gen := dm.interviewGen.Add(1)

	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[ieee]; ok && entry.gen == gen {
			delete(dm.interviewCancels, ieee)
		}
		dm.interviewMu.Unlock()
		dm.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(dm.coord.Context(), interviewTimeout)
	defer cancel()

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[ieee]; ok {
		prev.cancel()
	}
	dm.interviewCancels[ieee] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	for attempt := 1; attempt <= interviewAttempts; attempt++ {
		dev, err := dm.coord.Store().GetDevice(ieee)
		if err != nil {
			dm.logger.Error("interview: device not found", "ieee", ieee)
			return
		}

		dm.logger.Info("starting interview", "ieee", ieee, "name", deviceName(dev),
			"short", fmt.Sprintf("0x%04X", dev.ShortAddress), "attempt", attempt)

		if err := dm.interviewOnce(ctx, dev); err != nil {
			dm.logger.Warn("interview attempt failed", "err", err, "ieee", ieee, "attempt", attempt)
			if ctx.Err() != nil {
				return
			}
			if attempt < interviewAttempts && !dm.sleepJitter(ctx) {
				return
			}
			continue
		}

		variant, known := dm.variantOf(dev)
		if known {
			if err := dm.configureMeter(ctx, ieee); err != nil {
				dm.logger.Warn("configure failed", "err", err, "ieee", ieee, "model", dev.Model)
			}
		} else {
			dm.logger.Info("not a pulse meter, skipping configure",
				"ieee", ieee, "manufacturer", dev.Manufacturer, "model", dev.Model)
		}

		dm.logger.Info("interview complete", "ieee", ieee, "name", deviceName(dev), "endpoints", len(dev.Endpoints))
		dm.coord.Events().Emit(Event{
			Type: EventDeviceInterviewed,
			Data: map[string]interface{}{
				"ieee":      ieee,
				"name":      deviceName(dev),
				"model":     dev.Model,
				"variant":   variant.ID,
				"supported": known,
			},
		})
		return
	}

	dm.logger.Error("interview failed after retries", "ieee", ieee, "attempts", interviewAttempts)
}

// sleepJitter waits the retry delay plus up to three seconds. It returns
// false when ctx ends first.
func (dm *DeviceManager) sleepJitter(ctx context.Context) bool {
	delay := interviewRetryDelay
	if delay > 0 {
		delay += time.Duration(rand.IntN(3001)) * time.Millisecond
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// interviewOnce runs one pass of endpoint discovery and Basic cluster reads
// and stores the result. dev is updated in place.
func (dm *DeviceManager) interviewOnce(ctx context.Context, dev *store.Device) error {
	n := dm.coord.NCP()
	endpoints, err := n.ActiveEndpoints(ctx, dev.ShortAddress)
	if err != nil {
		return fmt.Errorf("active endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("active endpoints: device reported none")
	}

	dev.Endpoints = make([]store.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		sd, err := n.SimpleDescriptor(ctx, dev.ShortAddress, ep)
		if err != nil {
			dm.logger.Warn("interview: simple desc", "err", err, "ieee", dev.IEEEAddress, "ep", ep)
			continue
		}
		dev.Endpoints = append(dev.Endpoints, store.Endpoint{
			ID:          ep,
			ProfileID:   sd.ProfileID,
			DeviceID:    sd.DeviceID,
			InClusters:  sd.InClusters,
			OutClusters: sd.OutClusters,
		})
		dm.logger.Info("endpoint discovered",
			"ieee", dev.IEEEAddress, "ep", ep,
			"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
			"device", fmt.Sprintf("0x%04X", sd.DeviceID),
			"in_clusters", len(sd.InClusters),
			"out_clusters", len(sd.OutClusters),
		)
	}

	basicEP := endpoints[0]
	for _, ep := range dev.Endpoints {
		if hasInCluster(ep, clusters.BasicID) {
			basicEP = ep.ID
			break
		}
	}
	if err := dm.readBasicAttributes(ctx, dev, basicEP); err != nil {
		return err
	}

	if _, alias, ok := dm.coord.DeviceDB().Resolve(dev.Model); ok && alias != nil {
		if alias.FriendlyName != "" && dev.FriendlyName == "" {
			dev.FriendlyName = alias.FriendlyName
		}
		if dev.PowerSource == nil && alias.PowerSource != "" {
			dev.PowerSourceText = alias.PowerSource
		}
	}
	if dev.FriendlyName == "" && dev.Model != "" {
		dev.FriendlyName = dev.Model
	}
	dev.Interviewed = true

	interviewed := *dev
	err = dm.coord.Store().UpdateDevice(dev.IEEEAddress, func(d *store.Device) error {
		d.Manufacturer = interviewed.Manufacturer
		d.Model = interviewed.Model
		d.FriendlyName = interviewed.FriendlyName
		d.Endpoints = interviewed.Endpoints
		d.PowerSource = interviewed.PowerSource
		d.PowerSourceText = interviewed.PowerSourceText
		d.Interviewed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("save interview: %w", err)
	}
	dm.updateAddrIndex(dev.IEEEAddress, dev.ShortAddress, dev.Model)
	return nil
}

func (dm *DeviceManager) readBasicAttributes(ctx context.Context, dev *store.Device, ep uint8) error {
	results, err := dm.coord.NCP().ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   dev.ShortAddress,
		DstEP:     ep,
		ClusterID: clusters.BasicID,
		AttrIDs:   []uint16{clusters.AttrBasicManufacturer, clusters.AttrBasicModelIdentifier, clusters.AttrBasicPowerSource},
	})
	if err != nil {
		return fmt.Errorf("read basic attributes: %w", err)
	}

	values := decodeRecords(results)
	if s, ok := values[clusters.AttrBasicManufacturer].(string); ok {
		dev.Manufacturer = s
	}
	if s, ok := values[clusters.AttrBasicModelIdentifier].(string); ok {
		dev.Model = s
	}
	if code, ok := zcl.ToUint64(values[clusters.AttrBasicPowerSource]); ok {
		c := uint8(code)
		dev.PowerSource = &c
		dev.PowerSourceText = ""
	}
	if dev.Model == "" {
		return fmt.Errorf("read basic attributes: no model identifier")
	}
	return nil
}

// variantOf resolves the meter variant for a stored device.
func (dm *DeviceManager) variantOf(dev *store.Device) (pulsemeter.Variant, bool) {
	v, _, ok := dm.coord.DeviceDB().Resolve(dev.Model)
	return v, ok
}

// configureMeter runs the pulse meter configure procedure and stores the
// metering scale it reads back. The current values read at the end are fed
// through the report pipeline.
func (dm *DeviceManager) configureMeter(ctx context.Context, ieee string) error {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return err
	}
	result := ConfigureResult{IEEE: ieee, Name: deviceName(dev), Model: dev.Model}
	fail := func(err error) error {
		result.Error = err.Error()
		dm.coord.Events().Emit(Event{Type: EventDeviceConfigured, Data: result})
		return err
	}

	md, err := newMeterDevice(dm.coord.NCP(), dev)
	if err != nil {
		return fail(err)
	}
	coordEP := localEndpoint{ieee: dm.coord.LocalIEEE()}
	logger := dm.logger.With("ieee", ieee)

	seed, err := pulsemeter.Configure(ctx, md, coordEP, logger)
	if err != nil {
		return fail(fmt.Errorf("configure %s: %w", ieee, err))
	}

	err = dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		scale, err := mergeMeteringScale(d.Metering, seed.Scale)
		if err != nil {
			return err
		}
		d.Metering = scale
		d.ConfiguredKey = pulsemeter.ConfigureKey
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("store metering scale: %w", err))
	}
	logger.Info("meter configured", "model", dev.Model, "scale", seed.Scale)

	dm.coord.Events().Emit(Event{Type: EventDeviceConfigured, Data: result})
	if len(seed.Values) > 0 {
		dm.applyReport(addrEntry{ieee: ieee, model: dev.Model}, clusters.MeteringID, seed.Values, 0, 0)
	}
	return nil
}

func hasInCluster(ep store.Endpoint, cluster uint16) bool {
	for _, c := range ep.InClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// RemoveDevice sends a ZDO leave request, cancels any in-progress interview,
// removes from addr index, and deletes the device and its history.
func (dm *DeviceManager) RemoveDevice(ctx context.Context, ieee string) error {
	dm.cancelInterview(ieee)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return err
	}
	if addr, parseErr := ParseIEEE(ieee); parseErr == nil {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if leaveErr := dm.coord.NCP().MgmtLeave(ctx, dev.ShortAddress, addr); leaveErr != nil {
			dm.logger.Warn("mgmt leave request failed", "ieee", ieee, "name", deviceName(dev), "err", leaveErr)
		} else {
			dm.logger.Info("device removed from network", "ieee", ieee, "name", deviceName(dev))
		}
	}

	dm.removeFromAddrIndex(ieee)
	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		return err
	}
	dm.coord.Events().Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]interface{}{"ieee": ieee, "name": deviceName(dev)},
	})
	return nil
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}

// FindDevice resolves an IEEE address or a friendly name.
func (dm *DeviceManager) FindDevice(ref string) (*store.Device, error) {
	if dev, err := dm.coord.Store().GetDevice(ref); err == nil {
		return dev, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.FriendlyName == ref {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %s: %w", ref, store.ErrNotFound)
}

// Rename sets the friendly name of a device.
func (dm *DeviceManager) Rename(ieee, name string) error {
	var old string
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		old = deviceName(d)
		d.FriendlyName = name
		return nil
	})
	if err != nil {
		return err
	}
	dm.coord.Events().Emit(Event{
		Type: EventDeviceRenamed,
		Data: map[string]interface{}{"ieee": ieee, "name": name, "old_name": old},
	})
	return nil
}
