package store

import "errors"

// ErrNotFound is returned when a device is not in the store.
var ErrNotFound = errors.New("not found")

// DeviceStore persists joined meters keyed by IEEE address.
type DeviceStore interface {
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice runs fn on the stored device and saves the result in one
	// transaction. It returns ErrNotFound for unknown addresses.
	UpdateDevice(ieee string, fn func(dev *Device) error) error
}

// ReadingStore keeps a bounded history of normalized readings per device.
type ReadingStore interface {
	AppendReading(r *Reading) error
	// ListReadings returns the newest first; limit <= 0 means all.
	ListReadings(ieee string, limit int) ([]*Reading, error)
}

// Store is everything the coordinator persists.
type Store interface {
	DeviceStore
	ReadingStore

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	Close() error
}
