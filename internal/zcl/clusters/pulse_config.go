package clusters

import "pulsemeter-gateway/internal/zcl"

// Vendor configuration cluster exposed by the ESP32 pulse meter firmware.
// Writing true to reset_counter zeroes the stored pulse total.
const (
	PulseConfigID             uint16 = 0xFD10
	PulseConfigMfgCode        uint16 = 0x1234
	AttrPulseConfigResetCount uint16 = 0x0008
)

var PulseConfig = zcl.ClusterDef{
	ID:               PulseConfigID,
	Name:             "pulseMeterConfig",
	ManufacturerCode: PulseConfigMfgCode,
	Attributes: []zcl.AttributeDef{
		{ID: AttrPulseConfigResetCount, Name: "reset_counter", Type: zcl.TypeBool, Access: zcl.AccessWrite, ManufacturerCode: PulseConfigMfgCode},
	},
}
