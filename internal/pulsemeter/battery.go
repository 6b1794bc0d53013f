package pulsemeter

import (
	"math"
	"strings"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// PowerSourceBattery is the Basic cluster PowerSource code for battery power.
const PowerSourceBattery uint8 = 0x03

var powerSourceNames = map[uint8]string{
	0x00: "Unknown",
	0x01: "Mains (single phase)",
	0x02: "Mains (3 phase)",
	0x03: "Battery",
	0x04: "DC Source",
	0x05: "Emergency mains constantly powered",
	0x06: "Emergency mains and transfer switch",
}

// PowerSource describes how a device is powered, either as the numeric Basic
// cluster code or as free text from configuration.
type PowerSource struct {
	Code        *uint8 `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

// PowerSourceFromCode builds a PowerSource with the standard description for code.
func PowerSourceFromCode(code uint8) PowerSource {
	c := code
	name, ok := powerSourceNames[code&0x7F]
	if !ok {
		name = "Unknown"
	}
	return PowerSource{Code: &c, Description: name}
}

func (p PowerSource) String() string {
	if p.Description != "" {
		return p.Description
	}
	if p.Code != nil {
		return PowerSourceFromCode(*p.Code).Description
	}
	return "unknown"
}

// HasBatteryPower reports whether a device runs on battery. A numeric code
// decides on its own; otherwise the description is matched case-insensitively.
func HasBatteryPower(p PowerSource) bool {
	if p.Code != nil {
		return *p.Code == PowerSourceBattery
	}
	src := strings.ToLower(p.Description)
	switch {
	case src == "":
		return false
	case strings.Contains(src, "battery"):
		return true
	case strings.Contains(src, "dc"), strings.Contains(src, "mains"), strings.Contains(src, "ac"):
		return false
	}
	return false
}

// DecodeBattery converts Power Configuration attributes. Percentage arrives in
// half-percent units and voltage in 100 mV units; 0xFF marks an invalid value.
func DecodeBattery(attrs map[uint16]any) Reading {
	out := Reading{}
	if v, ok := attrs[clusters.AttrBatteryPercentageRemaining]; ok {
		if raw, ok := zcl.ToUint64(v); ok && raw != 0xFF {
			pct := math.Round(float64(raw) / 2)
			out[KeyBattery] = math.Min(pct, 100)
		}
	}
	if v, ok := attrs[clusters.AttrBatteryVoltage]; ok {
		if raw, ok := zcl.ToUint64(v); ok && raw != 0xFF {
			out[KeyVoltage] = float64(raw) / 10
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
