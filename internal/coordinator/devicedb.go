package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/zcl"
)

// Alias maps an extra model identifier onto one of the meter variants. Meters
// flashed with a customised firmware report their own model string.
type Alias struct {
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Variant      string `json:"variant"`
	FriendlyName string `json:"friendly_name,omitempty"`
	// PowerSource is used when the device does not report a Basic power source.
	PowerSource string `json:"power_source,omitempty"`
}

// DeviceDB resolves model identifiers to meter variants.
type DeviceDB struct {
	mu      sync.RWMutex
	aliases map[string]Alias
}

// NewDeviceDB creates a database that knows only the built-in variants.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{aliases: make(map[string]Alias)}
}

// Add registers an alias. The target variant must exist.
func (db *DeviceDB) Add(a Alias) error {
	if a.Model == "" {
		return fmt.Errorf("alias: empty model")
	}
	if _, ok := pulsemeter.Lookup(a.Variant); !ok {
		return fmt.Errorf("alias %q: unknown variant %q", a.Model, a.Variant)
	}
	db.mu.Lock()
	db.aliases[a.Model] = a
	db.mu.Unlock()
	return nil
}

// Resolve returns the variant for model. The alias is nil when model is one
// of the built-in identifiers.
func (db *DeviceDB) Resolve(model string) (pulsemeter.Variant, *Alias, bool) {
	if v, ok := pulsemeter.Lookup(model); ok {
		return v, nil, true
	}
	if db == nil {
		return pulsemeter.Variant{}, nil, false
	}
	db.mu.RLock()
	a, ok := db.aliases[model]
	db.mu.RUnlock()
	if !ok {
		return pulsemeter.Variant{}, nil, false
	}
	v, _ := pulsemeter.Lookup(a.Variant)
	return v, &a, true
}

// Aliases returns the extra model identifiers mapped to variant, sorted.
func (db *DeviceDB) Aliases(variant string) []string {
	if db == nil {
		return nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []string
	for model, a := range db.aliases {
		if a.Variant == variant {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}

// Definitions returns the metadata for every variant including its aliases.
func (db *DeviceDB) Definitions() []pulsemeter.Definition {
	vs := pulsemeter.Variants()
	out := make([]pulsemeter.Definition, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Definition(db.Aliases(v.ID)...))
	}
	return out
}

// Len returns the number of aliases.
func (db *DeviceDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.aliases)
}

// deviceFile is the JSON structure for files in the devices directory.
type deviceFile struct {
	Clusters []zcl.ClusterDef `json:"clusters,omitempty"`
	Aliases  []Alias          `json:"aliases,omitempty"`
}

// LoadDeviceDir reads all *.json files from a directory, registering custom
// clusters into the ZCL registry and loading aliases into a DeviceDB.
// Returns an empty DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device alias files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range df.Clusters {
			registry.Register(c)
		}
		for _, a := range df.Aliases {
			if err := db.Add(a); err != nil {
				return db, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
		}
		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", len(df.Clusters), "aliases", len(df.Aliases))
	}

	logger.Info("device database loaded", "files", len(matches), "aliases", db.Len())
	return db, nil
}
