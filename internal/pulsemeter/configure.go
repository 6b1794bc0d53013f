package pulsemeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// ErrNoEndpoint is returned when a device has no usable endpoint 1.
var ErrNoEndpoint = errors.New("pulsemeter: endpoint 1 not found")

// Reporting bounds, in seconds.
const (
	meteringMinInterval = 10
	meteringMaxInterval = 300
	batteryMinInterval  = 10
	batteryMaxInterval  = 21600
)

// ScaleAttributes are read back after configuration to seed the metering factor.
var ScaleAttributes = []uint16{
	clusters.AttrMultiplier,
	clusters.AttrDivisor,
	clusters.AttrSummationFormatting,
	clusters.AttrDemandFormatting,
	clusters.AttrUnitOfMeasure,
}

// ValueAttributes are read back after configuration to seed the initial state.
var ValueAttributes = []uint16{
	clusters.AttrCurrentSummationDelivered,
	clusters.AttrInstantaneousDemand,
}

// Seed holds the metering attributes read at the end of Configure.
type Seed struct {
	Scale  map[uint16]any
	Values map[uint16]any
}

// Configure binds the meter to the coordinator, sets up reporting and reads
// back scale and current values. Steps run in order and the first failure
// aborts the rest.
func Configure(ctx context.Context, dev Device, coordinator Endpoint, logger *slog.Logger) (*Seed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ep := dev.Endpoint(PrimaryEndpoint)
	if ep == nil {
		return nil, ErrNoEndpoint
	}
	battery := HasBatteryPower(dev.PowerSource())

	bind := []uint16{clusters.MeteringID}
	if battery {
		bind = append([]uint16{clusters.PowerConfigurationID}, bind...)
	}
	for _, c := range bind {
		if err := ep.Bind(ctx, c, coordinator); err != nil {
			return nil, fmt.Errorf("bind 0x%04X: %w", c, err)
		}
	}

	metering := []ReportingItem{
		{AttrID: clusters.AttrInstantaneousDemand, Type: zcl.TypeInt24, MinInterval: meteringMinInterval, MaxInterval: meteringMaxInterval},
		{AttrID: clusters.AttrCurrentSummationDelivered, Type: zcl.TypeUint48, MinInterval: meteringMinInterval, MaxInterval: meteringMaxInterval},
	}
	for _, item := range metering {
		if err := ep.ConfigureReporting(ctx, clusters.MeteringID, []ReportingItem{item}); err != nil {
			return nil, fmt.Errorf("configure reporting 0x%04X: %w", item.AttrID, err)
		}
	}

	if battery {
		power := []ReportingItem{
			{AttrID: clusters.AttrBatteryPercentageRemaining, Type: zcl.TypeUint8, MinInterval: batteryMinInterval, MaxInterval: batteryMaxInterval},
			{AttrID: clusters.AttrBatteryVoltage, Type: zcl.TypeUint8, MinInterval: batteryMinInterval, MaxInterval: batteryMaxInterval},
		}
		for _, item := range power {
			if err := ep.ConfigureReporting(ctx, clusters.PowerConfigurationID, []ReportingItem{item}); err != nil {
				return nil, fmt.Errorf("configure reporting 0x%04X: %w", item.AttrID, err)
			}
		}
	} else {
		logger.Info(fmt.Sprintf("Skipping battery reporting (powerSource=%s)", dev.PowerSource()))
	}

	seed := &Seed{}
	var err error
	if seed.Scale, err = ep.Read(ctx, clusters.MeteringID, ScaleAttributes); err != nil {
		return nil, fmt.Errorf("read metering scale: %w", err)
	}
	if seed.Values, err = ep.Read(ctx, clusters.MeteringID, ValueAttributes); err != nil {
		return nil, fmt.Errorf("read metering values: %w", err)
	}
	return seed, nil
}
