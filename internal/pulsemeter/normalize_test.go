package pulsemeter

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func decoded(r Reading) DecodeFunc {
	return func() (Reading, error) { return r, nil }
}

func TestNormalizeGasRescalesPower(t *testing.T) {
	res := Normalize(decoded(Reading{KeyEnergy: 12.34567, KeyPower: 4567.0}),
		Identity{ResultModel: "ESP32-PulseMeter-Gas"}, discardLogger())

	require.True(t, res.Ok())
	assert.Equal(t, Reading{KeyEnergy: 12.346, KeyPower: 4.567}, res.Reading)
}

func TestNormalizeElectricKeepsPower(t *testing.T) {
	res := Normalize(decoded(Reading{KeyEnergy: 12.34567, KeyPower: 4567.0}),
		Identity{ResultModel: "ESP32-PulseMeter-Electric"}, discardLogger())

	require.True(t, res.Ok())
	assert.Equal(t, Reading{KeyEnergy: 12.346, KeyPower: 4567.0}, res.Reading)
}

func TestNormalizeFlowFromAnyIdentityField(t *testing.T) {
	ids := []Identity{
		{ResultModel: "ESP32-PulseMeter-Water"},
		{DeviceModel: "ESP32-PulseMeter-Water"},
		{MessageModel: "ESP32-PulseMeter-Gas"},
		{ResultModel: "unknown", DeviceModel: "ESP32-PulseMeter-Electric", MessageModel: "ESP32-PulseMeter-Gas"},
	}
	for _, id := range ids {
		res := Normalize(decoded(Reading{KeyPower: 1500.0}), id, discardLogger())
		require.True(t, res.Ok())
		assert.Equal(t, 1.5, res.Reading[KeyPower], "identity %+v", id)
	}

	res := Normalize(decoded(Reading{KeyPower: 1500.0}), Identity{}, discardLogger())
	assert.Equal(t, 1500.0, res.Reading[KeyPower])
}

func TestNormalizeDropsInvalidValues(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	for _, bad := range []any{math.NaN(), math.Inf(1), math.Inf(-1), "12", struct{}{}} {
		logs.Reset()
		res := Normalize(decoded(Reading{KeyEnergy: bad, KeyPower: bad, KeyBattery: 50.0}), Identity{}, logger)
		require.True(t, res.Ok())
		assert.NotContains(t, res.Reading, KeyEnergy, "value %v", bad)
		assert.NotContains(t, res.Reading, KeyPower, "value %v", bad)
		assert.Equal(t, 50.0, res.Reading[KeyBattery])
		assert.Contains(t, logs.String(), "ignoring invalid metering value")
	}
}

func TestNormalizeRoundingOverflowDropsField(t *testing.T) {
	res := Normalize(decoded(Reading{KeyEnergy: math.MaxFloat64}), Identity{}, discardLogger())
	require.True(t, res.Ok())
	assert.NotContains(t, res.Reading, KeyEnergy)
}

func TestNormalizeCoercesWideIntegers(t *testing.T) {
	wide := new(big.Int).SetUint64(123456789)
	res := Normalize(decoded(Reading{
		KeyEnergy: wide,
		KeyPower:  uint64(2500),
	}), Identity{DeviceModel: "ESP32-PulseMeter-Water"}, discardLogger())

	require.True(t, res.Ok())
	assert.Equal(t, 123456789.0, res.Reading[KeyEnergy])
	assert.Equal(t, 2.5, res.Reading[KeyPower])

	res = Normalize(decoded(Reading{KeyEnergy: json.Number("1.23456")}), Identity{}, discardLogger())
	assert.Equal(t, 1.235, res.Reading[KeyEnergy])
}

func TestNormalizeDecodeFailureYieldsNoResult(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	res := Normalize(func() (Reading, error) { return nil, errors.New("boom") }, Identity{}, logger)
	assert.False(t, res.Ok())
	assert.Nil(t, res.Reading)
	assert.EqualError(t, res.Err, "boom")
	assert.Contains(t, logs.String(), "metering decode failed")

	res = Normalize(func() (Reading, error) { panic("bad frame") }, Identity{}, logger)
	assert.False(t, res.Ok())
	assert.Error(t, res.Err)
}

func TestNormalizeEmptyDecode(t *testing.T) {
	res := Normalize(decoded(nil), Identity{}, discardLogger())
	assert.False(t, res.Ok())
	assert.NoError(t, res.Err)
}

func TestNormalizeNilValuesDropped(t *testing.T) {
	res := Normalize(decoded(Reading{KeyEnergy: nil, KeyPower: nil, "voltage": 3.1}), Identity{}, discardLogger())
	require.True(t, res.Ok())
	assert.Equal(t, Reading{"voltage": 3.1}, res.Reading)
}

func TestNormalizeRoundsHalvesUp(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.0625, 0.063},
		{-0.0625, -0.062},
		{-2.0625, -2.062},
		{-0.0005, 0},
		{-1.2344, -1.234},
		{-1.2346, -1.235},
	}
	for _, tt := range tests {
		res := Normalize(decoded(Reading{KeyPower: tt.in}),
			Identity{ResultModel: "ESP32-PulseMeter-Electric"}, discardLogger())
		require.True(t, res.Ok())
		assert.InDelta(t, tt.want, res.Reading[KeyPower], 1e-9, "power %v", tt.in)
	}
}
