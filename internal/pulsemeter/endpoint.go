package pulsemeter

import "context"

// AttributeValue is a typed value for a write request.
type AttributeValue struct {
	Value any
	Type  uint8
}

// WriteOptions tune a Write Attributes request.
type WriteOptions struct {
	ManufacturerCode       uint16
	DisableDefaultResponse bool
}

// ReportingItem configures reporting for one attribute. Change is encoded
// with the attribute's type.
type ReportingItem struct {
	AttrID      uint16
	Type        uint8
	MinInterval uint16
	MaxInterval uint16
	Change      uint64
}

// Endpoint is a remote (or coordinator) application endpoint.
type Endpoint interface {
	ID() uint8
	Bind(ctx context.Context, clusterID uint16, target Endpoint) error
	ConfigureReporting(ctx context.Context, clusterID uint16, items []ReportingItem) error
	Read(ctx context.Context, clusterID uint16, attrIDs []uint16) (map[uint16]any, error)
	Write(ctx context.Context, clusterID uint16, attrs map[uint16]AttributeValue, opts WriteOptions) error
}

// Device is a joined meter as seen by the converters.
type Device interface {
	// Endpoint returns nil when the device has no such endpoint.
	Endpoint(id uint8) Endpoint
	ModelID() string
	PowerSource() PowerSource
}
