// Package ncp drives the Zigbee network co-processor that the gateway uses as
// its coordinator radio. The only backend is a ZBOSS NCP over a serial port.
package ncp

import (
	"context"

	"pulsemeter-gateway/internal/zcl"
)

// NCP is the coordinator radio as seen by the rest of the gateway.
type NCP interface {
	// Network management
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Init(ctx context.Context) error
	FormNetwork(ctx context.Context, cfg NetworkConfig) error
	StartNetwork(ctx context.Context) error
	PermitJoin(ctx context.Context, duration uint8) error
	NetworkInfo(ctx context.Context) (*NetworkInfo, error)
	GetLocalIEEE(ctx context.Context) ([8]byte, error)

	// ZDO
	ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error)
	Bind(ctx context.Context, req BindRequest) error
	Unbind(ctx context.Context, req BindRequest) error
	MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error

	// ZCL over APS
	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]zcl.AttributeRecord, error)
	WriteAttributes(ctx context.Context, req WriteAttributesRequest) error
	ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error

	// Indications
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnAttributeReport(handler func(AttributeReportEvent))
	OnNwkAddrUpdate(handler func(uint16))
	OnNCPReset(handler func())

	Info() *Info
	Close() error
}

// Info holds firmware and stack versions reported by the NCP.
type Info struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"`
	ProtocolVersion uint32 `json:"protocol_version"`
	NetworkKey      []byte `json:"-"` // set by FormNetwork
}

// NetworkConfig holds parameters for network formation.
type NetworkConfig struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// NetworkInfo holds the current network parameters.
type NetworkInfo struct {
	Channel  uint8   `json:"channel"`
	PanID    uint16  `json:"pan_id"`
	ExtPanID [8]byte `json:"ext_pan_id"`
}

// SimpleDescriptor describes an endpoint.
type SimpleDescriptor struct {
	Endpoint      uint8
	ProfileID     uint16
	DeviceID      uint16
	DeviceVersion uint8
	InClusters    []uint16
	OutClusters   []uint16
}

// HasInCluster reports whether the endpoint serves clusterID.
func (sd *SimpleDescriptor) HasInCluster(clusterID uint16) bool {
	for _, c := range sd.InClusters {
		if c == clusterID {
			return true
		}
	}
	return false
}

// BindRequest is a ZDO bind/unbind request. The destination is always an IEEE address.
type BindRequest struct {
	TargetShortAddr uint16
	SrcIEEE         [8]byte
	SrcEP           uint8
	ClusterID       uint16
	DstIEEE         [8]byte
	DstEP           uint8
}

// ReadAttributesRequest reads attributes from a remote endpoint.
type ReadAttributesRequest struct {
	DstAddr          uint16
	DstEP            uint8
	ClusterID        uint16
	AttrIDs          []uint16
	ManufacturerCode uint16
}

// WriteAttributesRequest writes attributes on a remote endpoint. Records carry
// encoded values. With NoResponse set the call returns once the frame is sent.
type WriteAttributesRequest struct {
	DstAddr                uint16
	DstEP                  uint8
	ClusterID              uint16
	Records                []zcl.AttributeRecord
	ManufacturerCode       uint16
	DisableDefaultResponse bool
	NoResponse             bool
}

// ConfigureReportingRequest sets up reporting for one or more attributes.
type ConfigureReportingRequest struct {
	DstAddr          uint16
	DstEP            uint8
	ClusterID        uint16
	Records          []zcl.ReportingConfig
	ManufacturerCode uint16
}

// DeviceJoinedEvent is emitted when a device joins or rejoins.
type DeviceJoinedEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// DeviceLeftEvent is emitted when a device leaves. ShortAddr is zero when
// only the IEEE address is known.
type DeviceLeftEvent struct {
	ShortAddr uint16
	IEEEAddr  [8]byte
}

// DeviceAnnounceEvent is emitted on ZDO device announce.
type DeviceAnnounceEvent struct {
	ShortAddr  uint16
	IEEEAddr   [8]byte
	Capability uint8
}

// AttributeReportEvent carries the attribute records of one inbound frame:
// a Report Attributes command or an unsolicited Read Attributes Response.
type AttributeReportEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	Records   []zcl.AttributeRecord
	LQI       uint8
	RSSI      int8
}
