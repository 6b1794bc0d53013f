package pulsemeter

import (
	"fmt"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// Scale is the metering multiplier/divisor pair last read from a device.
// A zero field means the value is unknown.
type Scale struct {
	Multiplier uint32 `json:"multiplier,omitempty"`
	Divisor    uint32 `json:"divisor,omitempty"`
}

// Factor returns multiplier/divisor when both are known.
func (s Scale) Factor() (float64, bool) {
	if s.Multiplier == 0 || s.Divisor == 0 {
		return 0, false
	}
	return float64(s.Multiplier) / float64(s.Divisor), true
}

// Merge updates s with multiplier and divisor values found in attrs.
func (s Scale) Merge(attrs map[uint16]any) (Scale, error) {
	if v, ok := attrs[clusters.AttrMultiplier]; ok {
		m, err := scaleValue("multiplier", v)
		if err != nil {
			return s, err
		}
		s.Multiplier = m
	}
	if v, ok := attrs[clusters.AttrDivisor]; ok {
		d, err := scaleValue("divisor", v)
		if err != nil {
			return s, err
		}
		s.Divisor = d
	}
	return s, nil
}

func scaleValue(name string, v any) (uint32, error) {
	i, ok := zcl.ToInt64(v)
	if !ok {
		return 0, fmt.Errorf("metering %s: non-numeric value %v", name, v)
	}
	if i < 0 || i > 0xFFFFFF {
		return 0, fmt.Errorf("metering %s: out of range %d", name, i)
	}
	return uint32(i), nil
}

// DecodeMetering converts metering cluster attributes into energy and power.
// energy = summation × factor and power = demand × factor × 1000; without a
// known factor the raw register values are reported. Non-numeric registers are
// passed through for the normalizer to reject.
func DecodeMetering(attrs map[uint16]any, cached Scale) (Reading, error) {
	scale, err := cached.Merge(attrs)
	if err != nil {
		return nil, err
	}
	factor, hasFactor := scale.Factor()

	out := Reading{}
	if v, ok := attrs[clusters.AttrInstantaneousDemand]; ok {
		out[KeyPower] = v
		if f, ok := zcl.ToFloat64(v); ok && hasFactor {
			out[KeyPower] = f * factor * 1000
		} else if ok {
			out[KeyPower] = f
		}
	}
	if v, ok := attrs[clusters.AttrCurrentSummationDelivered]; ok {
		out[KeyEnergy] = v
		if f, ok := zcl.ToFloat64(v); ok && hasFactor {
			out[KeyEnergy] = f * factor
		} else if ok {
			out[KeyEnergy] = f
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Formatting is a decoded SummationFormatting or DemandFormatting bitmap.
type Formatting struct {
	DigitsRight         uint8 `json:"digits_right"`
	DigitsLeft          uint8 `json:"digits_left"`
	SuppressLeadingZero bool  `json:"suppress_leading_zero"`
}

// DecodeFormatting splits a formatting map8: bits 0-2 right digits, bits 3-6
// left digits, bit 7 suppress leading zeros.
func DecodeFormatting(b uint8) Formatting {
	return Formatting{
		DigitsRight:         b & 0x07,
		DigitsLeft:          (b >> 3) & 0x0F,
		SuppressLeadingZero: b&0x80 != 0,
	}
}
