package zcl

// Foundation (global) command IDs.
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationConfigReporting        uint8 = 0x06
	FoundationConfigReportingResp    uint8 = 0x07
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
)

// ZCL status codes
const (
	StatusSuccess          uint8 = 0x00
	StatusFailure          uint8 = 0x01
	StatusUnsupportedAttr  uint8 = 0x86
	StatusInvalidValue     uint8 = 0x87
	StatusReadOnly         uint8 = 0x88
	StatusInvalidDataType  uint8 = 0x8D
	StatusUnreportable     uint8 = 0x8C
	StatusNoImageAvailable uint8 = 0x98
)

// Profile and endpoint constants used by the gateway.
const (
	ProfileHA           uint16 = 0x0104
	CoordinatorEndpoint uint8  = 1
)
