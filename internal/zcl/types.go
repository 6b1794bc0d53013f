package zcl

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeData8      uint8 = 0x08
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeUint56     uint8 = 0x26
	TypeUint64     uint8 = 0x27
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeInt48      uint8 = 0x2D
	TypeInt64      uint8 = 0x2F
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
)

// Size markers returned by TypeSize for types without a fixed width.
const (
	SizeString   = -1 // 1-byte length prefix
	SizeString16 = -3 // 2-byte length prefix
	SizeUnknown  = -2
)

type typeKind int

const (
	kindNone typeKind = iota
	kindBool
	kindUnsigned
	kindSigned
	kindFloat
	kindString
	kindOctets
	kindEUI64
)

type typeInfo struct {
	name string
	size int
	kind typeKind
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:     {"nodata", 0, kindNone},
	TypeData8:      {"data8", 1, kindUnsigned},
	TypeBool:       {"bool", 1, kindBool},
	TypeBitmap8:    {"map8", 1, kindUnsigned},
	TypeBitmap16:   {"map16", 2, kindUnsigned},
	TypeBitmap24:   {"map24", 3, kindUnsigned},
	TypeBitmap32:   {"map32", 4, kindUnsigned},
	TypeUint8:      {"uint8", 1, kindUnsigned},
	TypeUint16:     {"uint16", 2, kindUnsigned},
	TypeUint24:     {"uint24", 3, kindUnsigned},
	TypeUint32:     {"uint32", 4, kindUnsigned},
	TypeUint40:     {"uint40", 5, kindUnsigned},
	TypeUint48:     {"uint48", 6, kindUnsigned},
	TypeUint56:     {"uint56", 7, kindUnsigned},
	TypeUint64:     {"uint64", 8, kindUnsigned},
	TypeInt8:       {"int8", 1, kindSigned},
	TypeInt16:      {"int16", 2, kindSigned},
	TypeInt24:      {"int24", 3, kindSigned},
	TypeInt32:      {"int32", 4, kindSigned},
	TypeInt48:      {"int48", 6, kindSigned},
	TypeInt64:      {"int64", 8, kindSigned},
	TypeEnum8:      {"enum8", 1, kindUnsigned},
	TypeEnum16:     {"enum16", 2, kindUnsigned},
	TypeFloat32:    {"single", 4, kindFloat},
	TypeFloat64:    {"double", 8, kindFloat},
	TypeOctetStr:   {"octstr", SizeString, kindOctets},
	TypeCharStr:    {"string", SizeString, kindString},
	TypeOctetStr16: {"octstr16", SizeString16, kindOctets},
	TypeCharStr16:  {"string16", SizeString16, kindString},
	TypeUTC:        {"UTC", 4, kindUnsigned},
	TypeClusterID:  {"clusterId", 2, kindUnsigned},
	TypeAttrID:     {"attribId", 2, kindUnsigned},
	TypeEUI64:      {"EUI64", 8, kindEUI64},
}

// TypeSize returns the wire width of a ZCL type, SizeString/SizeString16 for
// length-prefixed types and SizeUnknown otherwise.
func TypeSize(typeID uint8) int {
	if ti, ok := typeTable[typeID]; ok {
		return ti.size
	}
	return SizeUnknown
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if ti, ok := typeTable[typeID]; ok {
		return ti.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// IsAnalog reports whether typeID is an analog type. Configure Reporting
// carries a reportable change only for analog attributes.
func IsAnalog(typeID uint8) bool {
	switch {
	case typeID >= TypeUint8 && typeID <= TypeInt64:
		return true
	case typeID >= 0x38 && typeID <= TypeFloat64:
		return true
	case typeID >= 0xE0 && typeID <= TypeUTC:
		return true
	}
	return false
}

// DecodeValue decodes a typed value and returns it with the number of bytes consumed.
// Unsigned integers decode to uint64, signed to int64, strings to string,
// octet strings to []byte and EUI64 to [8]byte. Booleans and floats keep their Go type.
func DecodeValue(typeID uint8, data []byte) (interface{}, int, error) {
	ti, ok := typeTable[typeID]
	if !ok {
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	}
	switch ti.size {
	case 0:
		return nil, 0, nil
	case SizeString, SizeString16:
		return decodeString(ti, data)
	}
	if len(data) < ti.size {
		return nil, 0, fmt.Errorf("zcl: short %s: need %d, have %d", ti.name, ti.size, len(data))
	}

	switch ti.kind {
	case kindBool:
		return data[0] != 0, 1, nil
	case kindUnsigned:
		return readUint(data, ti.size), ti.size, nil
	case kindSigned:
		u := readUint(data, ti.size)
		shift := uint(64 - 8*ti.size)
		return int64(u<<shift) >> shift, ti.size, nil
	case kindFloat:
		if ti.size == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), 4, nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case kindEUI64:
		var addr [8]byte
		copy(addr[:], data[:8])
		return addr, 8, nil
	}
	return nil, 0, fmt.Errorf("zcl: cannot decode %s", ti.name)
}

func decodeString(ti typeInfo, data []byte) (interface{}, int, error) {
	prefix := 1
	if ti.size == SizeString16 {
		prefix = 2
	}
	if len(data) < prefix {
		return nil, 0, fmt.Errorf("zcl: %s missing length", ti.name)
	}
	n := int(readUint(data, prefix))
	if n == int(readUint([]byte{0xFF, 0xFF}, prefix)) {
		return nil, prefix, nil
	}
	if len(data) < prefix+n {
		return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", ti.name, n, len(data)-prefix)
	}
	body := data[prefix : prefix+n]
	if ti.kind == kindString {
		return string(body), prefix + n, nil
	}
	return append([]byte(nil), body...), prefix + n, nil
}

// EncodeValue encodes a Go value into ZCL wire format.
func EncodeValue(typeID uint8, val interface{}) ([]byte, error) {
	ti, ok := typeTable[typeID]
	if !ok {
		return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
	}

	switch ti.kind {
	case kindNone:
		return nil, nil
	case kindBool:
		b, ok := ToBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case kindUnsigned:
		v, ok := ToUint64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size < 8 && v >= 1<<(8*uint(ti.size)) {
			return nil, fmt.Errorf("zcl: value %d overflows %s", v, ti.name)
		}
		return putUint(v, ti.size), nil
	case kindSigned:
		v, ok := ToInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size < 8 {
			limit := int64(1) << (8*uint(ti.size) - 1)
			if v < -limit || v >= limit {
				return nil, fmt.Errorf("zcl: value %d overflows %s", v, ti.name)
			}
		}
		return putUint(uint64(v), ti.size), nil
	case kindFloat:
		f, ok := ToFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		if ti.size == 4 {
			return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case kindString, kindOctets:
		var body []byte
		switch v := val.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, ti.name)
		}
		prefix := 1
		if ti.size == SizeString16 {
			prefix = 2
		}
		if max := 1<<(8*uint(prefix)) - 2; len(body) > max {
			return nil, fmt.Errorf("zcl: %s too long: %d (max %d)", ti.name, len(body), max)
		}
		return append(putUint(uint64(len(body)), prefix), body...), nil
	case kindEUI64:
		switch a := val.(type) {
		case [8]byte:
			return append([]byte(nil), a[:]...), nil
		case []byte:
			if len(a) != 8 {
				return nil, fmt.Errorf("zcl: EUI64 requires 8 bytes, got %d", len(a))
			}
			return append([]byte(nil), a...), nil
		}
		return nil, fmt.Errorf("zcl: cannot convert %T to EUI64", val)
	}
	return nil, fmt.Errorf("zcl: encode not implemented for %s", ti.name)
}

func readUint(data []byte, size int) uint64 {
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	return v
}

func putUint(v uint64, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf
}

// ToBool converts JSON-ish values (bool, numbers) to bool.
func ToBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case uint8:
		return val != 0, true
	}
	return false, false
}

// ToUint64 converts integer and float values to uint64; negatives fail.
func ToUint64(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case json.Number:
		i, err := val.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	if i, ok := ToInt64(v); ok && i >= 0 {
		return uint64(i), true
	}
	return 0, false
}

// ToInt64 converts integer and float values to int64.
func ToInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if math.IsNaN(val) || val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	case json.Number:
		i, err := val.Int64()
		return i, err == nil
	}
	return 0, false
}

// ToFloat64 converts any numeric value to float64.
func ToFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	if u, ok := v.(uint64); ok {
		return float64(u), true
	}
	return 0, false
}
