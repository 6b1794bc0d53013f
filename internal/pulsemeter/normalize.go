package pulsemeter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/big"

	"pulsemeter-gateway/internal/zcl"
)

// Reading keys.
const (
	KeyEnergy  = "energy"
	KeyPower   = "power"
	KeyBattery = "battery"
	KeyVoltage = "voltage"
)

// Reading is a decoded set of state values keyed by property.
type Reading map[string]any

// Float returns a numeric value from the reading.
func (r Reading) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// DecodeFunc produces the raw reading that Normalize post-processes.
type DecodeFunc func() (Reading, error)

// Identity carries every place a model identifier may arrive from.
// Upstream propagation is not consistent, so all three are consulted.
type Identity struct {
	ResultModel  string // model of the matched definition
	DeviceModel  string // model stored for the device
	MessageModel string // model attached to the inbound message
}

// IsFlow reports whether any identity field names a flow variant.
func (id Identity) IsFlow() bool {
	return IsFlowModel(id.ResultModel) || IsFlowModel(id.DeviceModel) || IsFlowModel(id.MessageModel)
}

// Result is the outcome of Normalize. Err is set when the decode step failed;
// a nil Reading with nil Err means the message carried nothing to report.
type Result struct {
	Reading Reading
	Err     error
}

// Ok reports whether the result should produce a state update.
func (r Result) Ok() bool { return r.Err == nil && r.Reading != nil }

var errRound = errors.New("rounding produced a non-finite value")

// Normalize runs decode and rounds its energy and power values to three
// decimals. Flow variants report power in thousandths of the display unit and
// are scaled down first. Nil values are dropped silently, other invalid values
// with a warning, and decode failures yield an empty Result.
func Normalize(decode DecodeFunc, id Identity, logger *slog.Logger) (res Result) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Warn("metering decode panicked", "panic", p)
			res = Result{Err: errors.New("metering decode panicked")}
		}
	}()

	reading, err := decode()
	if err != nil {
		logger.Warn("metering decode failed", "err", err)
		return Result{Err: err}
	}
	if reading == nil {
		return Result{}
	}

	flow := id.IsFlow()
	normalizeKey(reading, KeyEnergy, 1, logger)
	if flow {
		normalizeKey(reading, KeyPower, 1000, logger)
	} else {
		normalizeKey(reading, KeyPower, 1, logger)
	}
	return Result{Reading: reading}
}

func normalizeKey(r Reading, key string, divide float64, logger *slog.Logger) {
	raw, ok := r[key]
	if !ok {
		return
	}
	if raw == nil {
		delete(r, key)
		return
	}
	v, ok := toFinite(raw)
	if !ok {
		logger.Warn("ignoring invalid metering value", "key", key, "value", raw)
		delete(r, key)
		return
	}
	rounded, err := precisionRound(v/divide, 3)
	if err != nil {
		logger.Warn("rounding failed", "key", key, "value", v, "err", err)
		delete(r, key)
		return
	}
	r[key] = rounded
}

// toFinite coerces wide integer types to float64 and rejects NaN and infinities.
func toFinite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return 0, false
		}
		f, _ = new(big.Float).SetInt(n).Float64()
	case *big.Float:
		if n == nil {
			return 0, false
		}
		f, _ = n.Float64()
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		var ok bool
		if f, ok = zcl.ToFloat64(v); !ok {
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func precisionRound(v float64, precision int) (float64, error) {
	factor := math.Pow10(precision)
	// Halves round toward positive infinity.
	out := math.Floor(v*factor+0.5) / factor
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, errRound
	}
	return out, nil
}
