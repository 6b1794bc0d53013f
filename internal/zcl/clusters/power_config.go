package clusters

import "pulsemeter-gateway/internal/zcl"

const (
	PowerConfigurationID           uint16 = 0x0001
	AttrBatteryVoltage             uint16 = 0x0020 // 100 mV units
	AttrBatteryPercentageRemaining uint16 = 0x0021 // half-percent units
)

var PowerConfiguration = zcl.ClusterDef{
	ID:   PowerConfigurationID,
	Name: "genPowerCfg",
	Attributes: []zcl.AttributeDef{
		{ID: AttrBatteryVoltage, Name: "batteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: AttrBatteryPercentageRemaining, Name: "batteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
	},
}
