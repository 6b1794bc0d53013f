package coordinator

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/zcl"
)

func TestDeviceDBResolveBuiltin(t *testing.T) {
	db := NewDeviceDB()

	v, alias, ok := db.Resolve("ESP32-PulseMeter-Water")
	if !ok {
		t.Fatal("builtin model not resolved")
	}
	if alias != nil {
		t.Errorf("alias = %+v, want nil for builtin", alias)
	}
	if v.Category != pulsemeter.CategoryWater {
		t.Errorf("category = %q, want water", v.Category)
	}

	if _, _, ok := db.Resolve("lumi.sensor_ht"); ok {
		t.Error("unknown model resolved")
	}
}

func TestDeviceDBAddAlias(t *testing.T) {
	db := NewDeviceDB()

	if err := db.Add(Alias{Model: "PM-GAS-2", Variant: "ESP32-PulseMeter-Gas", PowerSource: "Battery"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Add(Alias{Model: "PM-X", Variant: "ESP32-PulseMeter-Steam"}); err == nil {
		t.Error("expected error for unknown variant")
	}
	if err := db.Add(Alias{Variant: "ESP32-PulseMeter-Gas"}); err == nil {
		t.Error("expected error for empty model")
	}

	v, alias, ok := db.Resolve("PM-GAS-2")
	if !ok || v.ID != "ESP32-PulseMeter-Gas" {
		t.Fatalf("resolve = %v, %v", v.ID, ok)
	}
	if alias == nil || alias.PowerSource != "Battery" {
		t.Errorf("alias = %+v", alias)
	}
	if db.Len() != 1 {
		t.Errorf("len = %d, want 1", db.Len())
	}
}

func TestDeviceDBDefinitions(t *testing.T) {
	db := NewDeviceDB()
	_ = db.Add(Alias{Model: "PM-EL-B", Variant: "ESP32-PulseMeter-Electric"})
	_ = db.Add(Alias{Model: "PM-EL-A", Variant: "ESP32-PulseMeter-Electric"})

	defs := db.Definitions()
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	el := defs[2]
	if el.Model != "ESP32-PulseMeter-Electric" {
		t.Fatalf("defs[2] = %q", el.Model)
	}
	want := []string{"ESP32-PulseMeter-Electric", "PM-EL-A", "PM-EL-B"}
	if len(el.ZigbeeModels) != len(want) {
		t.Fatalf("zigbee models = %v, want %v", el.ZigbeeModels, want)
	}
	for i := range want {
		if el.ZigbeeModels[i] != want[i] {
			t.Errorf("zigbee models[%d] = %q, want %q", i, el.ZigbeeModels[i], want[i])
		}
	}
	if len(defs[0].ZigbeeModels) != 1 {
		t.Errorf("gas models = %v, want only the builtin id", defs[0].ZigbeeModels)
	}
}

func TestLoadDeviceDir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := zcl.NewRegistry(logger)

	// Pre-register metering so we can test merge
	registry.Register(zcl.ClusterDef{
		ID:   0x0702,
		Name: "seMetering",
		Attributes: []zcl.AttributeDef{
			{ID: 0, Name: "currentSummDelivered", Type: zcl.TypeUint48, Access: zcl.AccessRead},
		},
	})

	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "clusters.json"), []byte(`{
		"clusters": [
			{
				"id": 1794,
				"attributes": [
					{"id": 1024, "name": "instantaneousDemand", "type": 42, "access": 5}
				]
			}
		]
	}`), 0644)

	os.WriteFile(filepath.Join(dir, "aliases.json"), []byte(`{
		"aliases": [
			{"model": "PulseMeter-Gas-v2", "variant": "ESP32-PulseMeter-Gas", "friendly_name": "Gas meter"},
			{"model": "PulseMeter-Water-v2", "variant": "ESP32-PulseMeter-Water", "power_source": "DC Source"}
		]
	}`), 0644)

	db, err := LoadDeviceDir(dir, registry, logger)
	if err != nil {
		t.Fatal(err)
	}

	metering := registry.Get(0x0702)
	if len(metering.Attributes) != 2 {
		t.Errorf("metering attrs = %d, want 2", len(metering.Attributes))
	}

	if db.Len() != 2 {
		t.Fatalf("alias count = %d, want 2", db.Len())
	}
	_, gas, ok := db.Resolve("PulseMeter-Gas-v2")
	if !ok || gas.FriendlyName != "Gas meter" {
		t.Errorf("gas alias = %+v, %v", gas, ok)
	}
	v, water, ok := db.Resolve("PulseMeter-Water-v2")
	if !ok || v.Category != pulsemeter.CategoryWater || water.PowerSource != "DC Source" {
		t.Errorf("water alias = %+v, %+v, %v", v, water, ok)
	}
}

func TestLoadDeviceDirBadVariant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"aliases":[{"model":"x","variant":"nope"}]}`), 0644)

	if _, err := LoadDeviceDir(dir, zcl.NewRegistry(logger), logger); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestLoadDeviceDirMissing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	registry := zcl.NewRegistry(logger)

	// Non-existent directory should return empty DB, no error.
	db, err := LoadDeviceDir("/nonexistent/dir", registry, logger)
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 0 {
		t.Errorf("len = %d, want 0", db.Len())
	}
}
