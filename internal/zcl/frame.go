package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame control bits.
const (
	FrameTypeGlobal            uint8 = 0x00
	FrameTypeCluster           uint8 = 0x01
	FlagManufacturerSpecific   uint8 = 0x04
	FlagServerToClient         uint8 = 0x08
	FlagDisableDefaultResponse uint8 = 0x10
)

// ErrShortFrame is returned when a frame ends before its header or a record completes.
var ErrShortFrame = errors.New("zcl: short frame")

// Header is a ZCL frame header.
type Header struct {
	FrameControl     uint8
	ManufacturerCode uint16 // only meaningful with FlagManufacturerSpecific
	Seq              uint8
	Command          uint8
}

// FrameType returns the two frame type bits.
func (h Header) FrameType() uint8 { return h.FrameControl & 0x03 }

// IsGlobal reports whether the command is a foundation command.
func (h Header) IsGlobal() bool { return h.FrameType() == FrameTypeGlobal }

// IsManufacturerSpecific reports whether the manufacturer code field is present.
func (h Header) IsManufacturerSpecific() bool {
	return h.FrameControl&FlagManufacturerSpecific != 0
}

// Len returns the encoded header length.
func (h Header) Len() int {
	if h.IsManufacturerSpecific() {
		return 5
	}
	return 3
}

// Encode appends payload to the encoded header.
func (h Header) Encode(payload []byte) []byte {
	buf := make([]byte, 0, h.Len()+len(payload))
	buf = append(buf, h.FrameControl)
	if h.IsManufacturerSpecific() {
		buf = binary.LittleEndian.AppendUint16(buf, h.ManufacturerCode)
	}
	buf = append(buf, h.Seq, h.Command)
	return append(buf, payload...)
}

// DecodeFrame splits a ZCL frame into its header and payload.
func DecodeFrame(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < 3 {
		return h, nil, ErrShortFrame
	}
	h.FrameControl = data[0]
	pos := 1
	if h.IsManufacturerSpecific() {
		if len(data) < 5 {
			return h, nil, ErrShortFrame
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(data[1:3])
		pos = 3
	}
	h.Seq = data[pos]
	h.Command = data[pos+1]
	return h, data[pos+2:], nil
}

// FrameOptions adjusts the header of outgoing foundation frames.
type FrameOptions struct {
	ManufacturerCode       uint16 // non-zero sets the manufacturer-specific bit
	DisableDefaultResponse bool
}

func (o FrameOptions) header(seq, cmd uint8) Header {
	h := Header{FrameControl: FrameTypeGlobal, Seq: seq, Command: cmd}
	if o.ManufacturerCode != 0 {
		h.FrameControl |= FlagManufacturerSpecific
		h.ManufacturerCode = o.ManufacturerCode
	}
	if o.DisableDefaultResponse {
		h.FrameControl |= FlagDisableDefaultResponse
	}
	return h
}

// AttributeRecord is one attribute in a read response, a report or a write request.
// Value holds the raw wire encoding for DataType.
type AttributeRecord struct {
	AttrID   uint16
	Status   uint8
	DataType uint8
	Value    []byte
}

// Decode converts the raw value with DecodeValue.
func (r AttributeRecord) Decode() (interface{}, error) {
	if r.Status != StatusSuccess {
		return nil, fmt.Errorf("zcl: attribute 0x%04X status 0x%02X", r.AttrID, r.Status)
	}
	v, _, err := DecodeValue(r.DataType, r.Value)
	return v, err
}

// ReportingConfig is one record of a Configure Reporting command.
type ReportingConfig struct {
	AttrID      uint16
	DataType    uint8
	MinInterval uint16
	MaxInterval uint16
	Change      []byte // omitted for discrete types
}

// BuildReadAttributes builds a Read Attributes frame.
func BuildReadAttributes(seq uint8, attrIDs []uint16, opts FrameOptions) []byte {
	payload := make([]byte, 0, 2*len(attrIDs))
	for _, id := range attrIDs {
		payload = binary.LittleEndian.AppendUint16(payload, id)
	}
	return opts.header(seq, FoundationReadAttributes).Encode(payload)
}

// BuildWriteAttributes builds a Write Attributes frame.
func BuildWriteAttributes(seq uint8, records []AttributeRecord, opts FrameOptions) []byte {
	var payload []byte
	for _, rec := range records {
		payload = binary.LittleEndian.AppendUint16(payload, rec.AttrID)
		payload = append(payload, rec.DataType)
		payload = append(payload, rec.Value...)
	}
	return opts.header(seq, FoundationWriteAttributes).Encode(payload)
}

// BuildConfigureReporting builds a Configure Reporting frame (direction: device reports).
func BuildConfigureReporting(seq uint8, records []ReportingConfig, opts FrameOptions) []byte {
	var payload []byte
	for _, rec := range records {
		payload = append(payload, 0x00)
		payload = binary.LittleEndian.AppendUint16(payload, rec.AttrID)
		payload = append(payload, rec.DataType)
		payload = binary.LittleEndian.AppendUint16(payload, rec.MinInterval)
		payload = binary.LittleEndian.AppendUint16(payload, rec.MaxInterval)
		payload = append(payload, rec.Change...)
	}
	return opts.header(seq, FoundationConfigReporting).Encode(payload)
}

// BuildClusterCommand builds a cluster-specific command frame.
func BuildClusterCommand(seq, cmd uint8, serverToClient bool, payload []byte) []byte {
	fc := FrameTypeCluster | FlagDisableDefaultResponse
	if serverToClient {
		fc |= FlagServerToClient
	}
	return Header{FrameControl: fc, Seq: seq, Command: cmd}.Encode(payload)
}

// ParseReadAttributesResponse parses Read Attributes Response records.
// Parsing stops at the first record whose type width is unknown.
func ParseReadAttributesResponse(data []byte) []AttributeRecord {
	var out []AttributeRecord
	for len(data) >= 3 {
		rec := AttributeRecord{
			AttrID: binary.LittleEndian.Uint16(data[0:2]),
			Status: data[2],
		}
		data = data[3:]
		if rec.Status != StatusSuccess {
			out = append(out, rec)
			continue
		}
		if len(data) < 1 {
			break
		}
		rec.DataType = data[0]
		n, ok := valueWidth(rec.DataType, data[1:])
		if !ok {
			break
		}
		rec.Value = append([]byte(nil), data[1:1+n]...)
		data = data[1+n:]
		out = append(out, rec)
	}
	return out
}

// ParseReportAttributes parses Report Attributes records.
func ParseReportAttributes(data []byte) []AttributeRecord {
	var out []AttributeRecord
	for len(data) >= 3 {
		rec := AttributeRecord{
			AttrID:   binary.LittleEndian.Uint16(data[0:2]),
			DataType: data[2],
		}
		n, ok := valueWidth(rec.DataType, data[3:])
		if !ok {
			break
		}
		rec.Value = append([]byte(nil), data[3:3+n]...)
		data = data[3+n:]
		out = append(out, rec)
	}
	return out
}

// ParseWriteAttributesResponse returns the per-attribute failures of a
// Write Attributes Response. A single success byte means every write succeeded.
func ParseWriteAttributesResponse(data []byte) ([]AttributeRecord, error) {
	if len(data) == 0 {
		return nil, ErrShortFrame
	}
	if len(data) == 1 {
		if data[0] == StatusSuccess {
			return nil, nil
		}
		return []AttributeRecord{{Status: data[0]}}, nil
	}
	var out []AttributeRecord
	for len(data) >= 3 {
		out = append(out, AttributeRecord{Status: data[0], AttrID: binary.LittleEndian.Uint16(data[1:3])})
		data = data[3:]
	}
	return out, nil
}

// ParseDefaultResponse returns the command ID and status of a Default Response.
func ParseDefaultResponse(data []byte) (uint8, uint8, error) {
	if len(data) < 2 {
		return 0, 0, ErrShortFrame
	}
	return data[0], data[1], nil
}

// valueWidth returns the encoded width of the value at the head of data.
func valueWidth(dataType uint8, data []byte) (int, bool) {
	size := TypeSize(dataType)
	switch size {
	case SizeUnknown:
		return 0, false
	case SizeString:
		if len(data) < 1 {
			return 0, false
		}
		n := int(data[0])
		if n == 0xFF {
			n = 0
		}
		size = 1 + n
	case SizeString16:
		if len(data) < 2 {
			return 0, false
		}
		n := int(binary.LittleEndian.Uint16(data))
		if n == 0xFFFF {
			n = 0
		}
		size = 2 + n
	}
	if len(data) < size {
		return 0, false
	}
	return size, true
}
