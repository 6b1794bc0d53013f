package pulsemeter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

func TestConvertSetEmptyValuesIssueNoWrite(t *testing.T) {
	ep := &fakeEndpoint{id: 1}
	dev := &fakeDevice{endpoints: map[uint8]*fakeEndpoint{1: ep}}

	for _, v := range []any{nil, ""} {
		state, err := ConvertSet(context.Background(), dev, ep, ResetKey, v)
		require.NoError(t, err)
		assert.Equal(t, State{ResetKey: nil}, state)
	}
	assert.Empty(t, ep.calls)
}

func TestConvertSetWritesVendorAttribute(t *testing.T) {
	ep1 := &fakeEndpoint{id: 1}
	entity := &fakeEndpoint{id: 2}
	dev := &fakeDevice{endpoints: map[uint8]*fakeEndpoint{1: ep1, 2: entity}}

	state, err := ConvertSet(context.Background(), dev, entity, ResetKey, "RESET")
	require.NoError(t, err)
	assert.Equal(t, State{ResetKey: nil}, state)

	require.Len(t, ep1.calls, 1)
	assert.Empty(t, entity.calls)
	c := ep1.calls[0]
	assert.Equal(t, "write", c.op)
	assert.Equal(t, clusters.PulseConfigID, c.cluster)
	assert.Equal(t, map[uint16]AttributeValue{0x0008: {Value: 1, Type: zcl.TypeBool}}, c.write)
	assert.Equal(t, WriteOptions{ManufacturerCode: 0x1234, DisableDefaultResponse: true}, c.opts)
}

func TestConvertSetFallsBackToEntity(t *testing.T) {
	entity := &fakeEndpoint{id: 3}
	dev := &fakeDevice{}

	_, err := ConvertSet(context.Background(), dev, entity, ResetKey, "RESET")
	require.NoError(t, err)
	assert.Len(t, entity.calls, 1)

	_, err = ConvertSet(context.Background(), nil, entity, ResetKey, true)
	require.NoError(t, err)
	assert.Len(t, entity.calls, 2)
}

func TestConvertSetPropagatesWriteError(t *testing.T) {
	ep := &fakeEndpoint{id: 1, failOn: "write"}
	dev := &fakeDevice{endpoints: map[uint8]*fakeEndpoint{1: ep}}

	state, err := ConvertSet(context.Background(), dev, nil, ResetKey, "RESET")
	assert.Error(t, err)
	assert.Nil(t, state)
	assert.Len(t, ep.calls, 1)
}

func TestConvertSetRejectsOtherKeys(t *testing.T) {
	_, err := ConvertSet(context.Background(), nil, &fakeEndpoint{}, "energy", 1)
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ConvertSet(context.Background(), &fakeDevice{}, nil, ResetKey, "RESET")
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
