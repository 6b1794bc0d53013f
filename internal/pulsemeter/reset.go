package pulsemeter

import (
	"context"
	"errors"
	"fmt"

	"pulsemeter-gateway/internal/zcl"
	"pulsemeter-gateway/internal/zcl/clusters"
)

// ErrUnsupportedKey is returned by ConvertSet for keys other than reset_counter.
var ErrUnsupportedKey = errors.New("pulsemeter: unsupported key")

// State is the logical state produced by a write.
type State map[string]any

// ConvertSet encodes a write of key. For reset_counter any non-empty value
// issues one manufacturer-specific write of true to the vendor cluster on
// endpoint 1, falling back to entity. The property never holds a value, so the
// returned state is always {reset_counter: nil}. Write errors are returned as is.
func ConvertSet(ctx context.Context, dev Device, entity Endpoint, key string, value any) (State, error) {
	if key != ResetKey {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKey, key)
	}
	state := State{ResetKey: nil}
	if isEmpty(value) {
		return state, nil
	}

	target := entity
	if dev != nil {
		if ep := dev.Endpoint(PrimaryEndpoint); ep != nil {
			target = ep
		}
	}
	if target == nil {
		return nil, ErrNoEndpoint
	}

	err := target.Write(ctx, clusters.PulseConfigID, map[uint16]AttributeValue{
		clusters.AttrPulseConfigResetCount: {Value: 1, Type: zcl.TypeBool},
	}, WriteOptions{ManufacturerCode: ManufacturerCode, DisableDefaultResponse: true})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func isEmpty(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == ""
	}
	return false
}
