package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	battery := uint8(3)
	dev := &Device{
		IEEEAddress:  "0CAE5FFFFE2A3B4C",
		ShortAddress: 0x5A21,
		Manufacturer: "EfektaLab",
		Model:        "EFEKTA_PWS_Gas",
		Interviewed:  true,
		PowerSource:  &battery,
		Metering:     &MeteringScale{Multiplier: 1, Divisor: 1000, UnitOfMeasure: 1},
		State:        map[string]any{"energy": 12.346},
		JoinedAt:     time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
		Endpoints: []Endpoint{
			{ID: 1, ProfileID: 0x0104, DeviceID: 0x0053, InClusters: []uint16{0x0000, 0x0001, 0x0702, 0xFD10}},
		},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}

	if got.ShortAddress != dev.ShortAddress {
		t.Errorf("short = 0x%04X, want 0x%04X", got.ShortAddress, dev.ShortAddress)
	}
	if got.Model != dev.Model {
		t.Errorf("model = %q, want %q", got.Model, dev.Model)
	}
	if !got.Interviewed {
		t.Error("interviewed = false, want true")
	}
	if got.PowerSource == nil || *got.PowerSource != 3 {
		t.Errorf("power_source = %v, want 3", got.PowerSource)
	}
	if got.Metering == nil || got.Metering.Divisor != 1000 || got.Metering.UnitOfMeasure != 1 {
		t.Errorf("metering = %+v", got.Metering)
	}
	if got.State["energy"] != 12.346 {
		t.Errorf("state energy = %v, want 12.346", got.State["energy"])
	}
	if len(got.Endpoints) != 1 || len(got.Endpoints[0].InClusters) != 4 {
		t.Fatalf("endpoints = %+v", got.Endpoints)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("FFFFFFFFFFFFFFFF")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "0000000000000001", ShortAddress: 0x0001}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("0000000000000001", func(dev *Device) error {
		dev.ShortAddress = 0x0BEE
		dev.FriendlyName = "kitchen_gas"
		dev.IEEEAddress = "tampered"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("0000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != 0x0BEE || got.FriendlyName != "kitchen_gas" {
		t.Errorf("got %+v", got)
	}
	if _, err := s.GetDevice("tampered"); !errors.Is(err, ErrNotFound) {
		t.Error("update must not rename the device key")
	}
}

func TestUpdateDeviceAbortsOnError(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "0000000000000001", Model: "before"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := s.UpdateDevice("0000000000000001", func(dev *Device) error {
		dev.Model = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetDevice("0000000000000001")
	if got.Model != "before" {
		t.Errorf("model = %q, want unchanged", got.Model)
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("0000000000000009", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{IEEEAddress: "0000000000000001", ShortAddress: 0x0001},
		{IEEEAddress: "0000000000000002", ShortAddress: 0x0002},
		{IEEEAddress: "0000000000000003", ShortAddress: 0x0003},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	found := make(map[string]bool)
	for _, d := range list {
		found[d.IEEEAddress] = true
	}
	for _, d := range devs {
		if !found[d.IEEEAddress] {
			t.Errorf("device %s not in list", d.IEEEAddress)
		}
	}
}

func TestReadingsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 3; i++ {
		r := &Reading{IEEE: "0000000000000001", Time: time.Now(), Energy: f64(float64(i))}
		if err := s.AppendReading(r); err != nil {
			t.Fatal(err)
		}
		if r.Seq != uint64(i) {
			t.Errorf("seq = %d, want %d", r.Seq, i)
		}
	}

	got, err := s.ListReadings("0000000000000001", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("readings = %d, want 3", len(got))
	}
	if *got[0].Energy != 3 || *got[2].Energy != 1 {
		t.Errorf("order = %v, %v", *got[0].Energy, *got[2].Energy)
	}

	limited, err := s.ListReadings("0000000000000001", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Seq != 3 {
		t.Errorf("limited = %d readings, first seq %d", len(limited), limited[0].Seq)
	}
}

func TestReadingsRetention(t *testing.T) {
	s := newTestStore(t, WithReadingRetention(3))

	for i := 1; i <= 5; i++ {
		if err := s.AppendReading(&Reading{IEEE: "0000000000000001", Power: f64(float64(i))}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListReadings("0000000000000001", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("readings = %d, want 3", len(got))
	}
	if got[0].Seq != 5 || got[2].Seq != 3 {
		t.Errorf("kept seqs %d..%d, want 5..3", got[0].Seq, got[2].Seq)
	}
}

func TestReadingsRetentionHoldsAfterEveryAppend(t *testing.T) {
	s := newTestStore(t, WithReadingRetention(1))

	for i := 1; i <= 6; i++ {
		if err := s.AppendReading(&Reading{IEEE: "0000000000000001", Power: f64(float64(i))}); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListReadings("0000000000000001", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("after append %d: readings = %d, want 1", i, len(got))
		}
		if got[0].Seq != uint64(i) {
			t.Errorf("after append %d: kept seq %d", i, got[0].Seq)
		}
	}
}

func TestReadingsUnknownDevice(t *testing.T) {
	s := newTestStore(t)

	got, err := s.ListReadings("0000000000000042", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("readings = %d, want 0", len(got))
	}
	if err := s.AppendReading(&Reading{}); err == nil {
		t.Error("expected error for reading without ieee")
	}
}

func TestDeleteDeviceDropsReadings(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "0000000000000001", ShortAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendReading(&Reading{IEEE: dev.IEEEAddress, Energy: f64(1)}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(dev.IEEEAddress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	got, err := s.ListReadings(dev.IEEEAddress, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("readings after delete = %d, want 0", len(got))
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetNetworkState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}

	state := &NetworkState{
		Channel:    15,
		PanID:      0x1A62,
		ExtPanID:   "DDDDDDDDDDDDDDDD",
		NetworkKey: "aabbccddeeff0011",
		Formed:     true,
	}
	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}
	if got.Channel != state.Channel {
		t.Errorf("channel = %d, want %d", got.Channel, state.Channel)
	}
	if got.PanID != state.PanID {
		t.Errorf("pan_id = 0x%04X, want 0x%04X", got.PanID, state.PanID)
	}
	if got.NetworkKey != state.NetworkKey {
		t.Errorf("network_key = %q, want %q", got.NetworkKey, state.NetworkKey)
	}
	if !got.Formed {
		t.Error("formed = false, want true")
	}
}
