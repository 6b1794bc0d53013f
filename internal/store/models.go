package store

import "time"

// Device is a joined meter.
type Device struct {
	IEEEAddress  string     `json:"ieee_address"`
	ShortAddress uint16     `json:"short_address"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	FriendlyName string     `json:"friendly_name,omitempty"`
	Endpoints    []Endpoint `json:"endpoints,omitempty"`
	Interviewed  bool       `json:"interviewed"`

	// PowerSource is the Basic cluster code; PowerSourceText is a
	// configured override used when the device does not report one.
	PowerSource     *uint8 `json:"power_source,omitempty"`
	PowerSourceText string `json:"power_source_text,omitempty"`

	// ConfiguredKey is the configure revision last applied; zero means never.
	ConfiguredKey int            `json:"configured_key,omitempty"`
	Metering      *MeteringScale `json:"metering,omitempty"`
	State         map[string]any `json:"state,omitempty"`

	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
	LQI      uint8     `json:"lqi,omitempty"`
	RSSI     int8      `json:"rssi,omitempty"`
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// MeteringScale is the metering cluster scaling read from a device.
type MeteringScale struct {
	Multiplier          uint32 `json:"multiplier,omitempty"`
	Divisor             uint32 `json:"divisor,omitempty"`
	SummationFormatting uint8  `json:"summation_formatting,omitempty"`
	DemandFormatting    uint8  `json:"demand_formatting,omitempty"`
	UnitOfMeasure       uint8  `json:"unit_of_measure"`
}

// Reading is one normalized state update kept in the history.
type Reading struct {
	Seq     uint64    `json:"seq"`
	IEEE    string    `json:"ieee_address"`
	Time    time.Time `json:"time"`
	Energy  *float64  `json:"energy,omitempty"`
	Power   *float64  `json:"power,omitempty"`
	Battery *float64  `json:"battery,omitempty"`
	Voltage *float64  `json:"voltage,omitempty"`
	LQI     uint8     `json:"linkquality,omitempty"`
}

// NetworkState holds persisted network configuration.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NetworkState struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"-"`
	Formed     bool   `json:"formed"`
}

// networkStateStorage is the on-disk form of NetworkState, which keeps the key.
type networkStateStorage struct {
	Channel    uint8  `json:"channel"`
	PanID      uint16 `json:"pan_id"`
	ExtPanID   string `json:"ext_pan_id"`
	NetworkKey string `json:"network_key,omitempty"`
	Formed     bool   `json:"formed"`
}
