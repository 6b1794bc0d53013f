package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

// ErrUnsupportedDevice is returned for meter commands sent to a device whose
// model does not resolve to a pulse meter variant.
var ErrUnsupportedDevice = errors.New("device is not a pulse meter")

// SetProperty converts a property write into Zigbee traffic. Only
// reset_counter is writable. The returned state is merged into the device.
func (c *Coordinator) SetProperty(ctx context.Context, ieee, key string, value any) (pulsemeter.State, error) {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return nil, err
	}
	if _, _, ok := c.deviceDB.Resolve(dev.Model); !ok {
		return nil, fmt.Errorf("%s (%q): %w", ieee, dev.Model, ErrUnsupportedDevice)
	}
	md, err := newMeterDevice(c.ncp, dev)
	if err != nil {
		return nil, err
	}

	state, err := pulsemeter.ConvertSet(ctx, md, md.firstEndpoint(), key, value)
	if err != nil {
		c.logger.Warn("set property failed", "ieee", ieee, "key", key, "err", err)
		return nil, fmt.Errorf("set %s on %s: %w", key, ieee, err)
	}

	err = c.store.UpdateDevice(ieee, func(d *store.Device) error {
		if d.State == nil {
			d.State = make(map[string]any, len(state))
		}
		maps.Copy(d.State, state)
		return nil
	})
	if err != nil {
		c.logger.Warn("store state after set", "ieee", ieee, "err", err)
	}

	if key == pulsemeter.ResetKey && value != nil && value != "" {
		c.logger.Info("meter counter reset", "ieee", ieee, "name", deviceName(dev))
		c.events.Emit(Event{
			Type: EventResetCounter,
			Data: map[string]interface{}{"ieee": ieee, "name": deviceName(dev), "model": dev.Model},
		})
	}
	return state, nil
}

// ResetCounter zeroes the pulse counter of a meter.
func (c *Coordinator) ResetCounter(ctx context.Context, ieee string) error {
	_, err := c.SetProperty(ctx, ieee, pulsemeter.ResetKey, "RESET")
	return err
}

// Reconfigure reruns binding, reporting setup and scale reads on a meter.
func (c *Coordinator) Reconfigure(ctx context.Context, ieee string) error {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return err
	}
	if _, _, ok := c.deviceDB.Resolve(dev.Model); !ok {
		return fmt.Errorf("%s (%q): %w", ieee, dev.Model, ErrUnsupportedDevice)
	}
	return c.devices.configureMeter(ctx, ieee)
}

// Exposes returns the variant of a meter and the quantities it exposes.
func (c *Coordinator) Exposes(ieee string) (pulsemeter.Variant, []pulsemeter.Expose, error) {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return pulsemeter.Variant{}, nil, err
	}
	return c.ExposesFor(dev)
}

// ExposesFor is Exposes for an already loaded device.
func (c *Coordinator) ExposesFor(dev *store.Device) (pulsemeter.Variant, []pulsemeter.Expose, error) {
	v, _, ok := c.deviceDB.Resolve(dev.Model)
	if !ok {
		return pulsemeter.Variant{}, nil, fmt.Errorf("%s (%q): %w", dev.IEEEAddress, dev.Model, ErrUnsupportedDevice)
	}
	return v, pulsemeter.BuildExposes(v, pulsemeter.HasBatteryPower(devicePowerSource(dev))), nil
}

// Readings returns the stored history of a device, newest first.
func (c *Coordinator) Readings(ieee string, limit int) ([]*store.Reading, error) {
	if _, err := c.store.GetDevice(ieee); err != nil {
		return nil, err
	}
	return c.store.ListReadings(ieee, limit)
}
