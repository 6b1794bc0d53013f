package zcl

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteAttributesManufacturerSpecific(t *testing.T) {
	frame := BuildWriteAttributes(7, []AttributeRecord{
		{AttrID: 0x0008, DataType: TypeBool, Value: []byte{0x01}},
	}, FrameOptions{ManufacturerCode: 0x1234, DisableDefaultResponse: true})

	want := []byte{
		FlagManufacturerSpecific | FlagDisableDefaultResponse,
		0x34, 0x12, // manufacturer code
		7, FoundationWriteAttributes,
		0x08, 0x00, TypeBool, 0x01,
	}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}

	hdr, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !hdr.IsManufacturerSpecific() || hdr.ManufacturerCode != 0x1234 {
		t.Errorf("header = %+v", hdr)
	}
	if hdr.Seq != 7 || hdr.Command != FoundationWriteAttributes || !hdr.IsGlobal() {
		t.Errorf("header = %+v", hdr)
	}
	if len(payload) != 4 {
		t.Errorf("payload = % X", payload)
	}
}

func TestReadAttributesFrame(t *testing.T) {
	frame := BuildReadAttributes(3, []uint16{0x0301, 0x0302}, FrameOptions{})
	if frame[0] != FrameTypeGlobal || frame[1] != 3 || frame[2] != FoundationReadAttributes {
		t.Fatalf("header = % X", frame[:3])
	}
	if binary.LittleEndian.Uint16(frame[3:]) != 0x0301 || binary.LittleEndian.Uint16(frame[5:]) != 0x0302 {
		t.Errorf("attrs = % X", frame[3:])
	}
}

func TestConfigureReportingFrame(t *testing.T) {
	frame := BuildConfigureReporting(9, []ReportingConfig{
		{AttrID: 0x0400, DataType: TypeInt24, MinInterval: 10, MaxInterval: 300, Change: []byte{0, 0, 0}},
	}, FrameOptions{})

	rec := frame[3:]
	if rec[0] != 0x00 {
		t.Errorf("direction = %d", rec[0])
	}
	if binary.LittleEndian.Uint16(rec[1:3]) != 0x0400 || rec[3] != TypeInt24 {
		t.Errorf("attr/type = % X", rec[1:4])
	}
	if binary.LittleEndian.Uint16(rec[4:6]) != 10 || binary.LittleEndian.Uint16(rec[6:8]) != 300 {
		t.Errorf("intervals = % X", rec[4:8])
	}
	if len(rec) != 11 {
		t.Errorf("record length = %d, want 11", len(rec))
	}
}

func TestParseReadAttributesResponse(t *testing.T) {
	data := []byte{
		0x01, 0x03, 0x00, TypeUint24, 0x01, 0x00, 0x00, // multiplier = 1
		0x02, 0x03, 0x00, TypeUint24, 0xE8, 0x03, 0x00, // divisor = 1000
		0x04, 0x03, 0x86, // demandFormatting unsupported
		0x05, 0x00, 0x00, TypeCharStr, 3, 'G', 'a', 's',
	}
	recs := ParseReadAttributesResponse(data)
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}
	if v, err := recs[1].Decode(); err != nil || v.(uint64) != 1000 {
		t.Errorf("divisor = %v, %v", v, err)
	}
	if recs[2].Status != StatusUnsupportedAttr {
		t.Errorf("status = 0x%02X", recs[2].Status)
	}
	if _, err := recs[2].Decode(); err == nil {
		t.Error("decode of failed record should error")
	}
	if v, _ := recs[3].Decode(); v.(string) != "Gas" {
		t.Errorf("model = %v", v)
	}
}

func TestParseReportAttributesStopsOnUnknownType(t *testing.T) {
	data := []byte{
		0x00, 0x00, TypeUint48, 0x39, 0x30, 0, 0, 0, 0, // 12345
		0x00, 0x04, 0x4C, 0x01, // struct: unknown width
	}
	recs := ParseReportAttributes(data)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if v, _ := recs[0].Decode(); v.(uint64) != 12345 {
		t.Errorf("value = %v", v)
	}
}

func TestParseWriteAttributesResponse(t *testing.T) {
	fails, err := ParseWriteAttributesResponse([]byte{StatusSuccess})
	if err != nil || fails != nil {
		t.Errorf("success: %v %v", fails, err)
	}
	fails, _ = ParseWriteAttributesResponse([]byte{StatusReadOnly, 0x08, 0x00})
	if len(fails) != 1 || fails[0].AttrID != 0x0008 || fails[0].Status != StatusReadOnly {
		t.Errorf("failure = %+v", fails)
	}
	if _, err := ParseWriteAttributesResponse(nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestDecodeFrameShort(t *testing.T) {
	if _, _, err := DecodeFrame([]byte{0x00, 0x01}); err == nil {
		t.Error("expected error for 2-byte frame")
	}
	if _, _, err := DecodeFrame([]byte{FlagManufacturerSpecific, 0x34, 0x12}); err == nil {
		t.Error("expected error for truncated manufacturer frame")
	}
}

func TestClusterCommandServerToClient(t *testing.T) {
	frame := BuildClusterCommand(0x22, 0x02, true, []byte{StatusNoImageAvailable})
	want := []byte{FrameTypeCluster | FlagServerToClient | FlagDisableDefaultResponse, 0x22, 0x02, 0x98}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}
}
