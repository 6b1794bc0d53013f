// Package pulsemeter holds the device definitions and value conversions for
// the ESP32 Zigbee pulse meters (gas, water and electric variants).
package pulsemeter

import "sort"

// Category is the physical quantity a meter counts.
type Category string

const (
	CategoryGas      Category = "gas"
	CategoryWater    Category = "water"
	CategoryElectric Category = "electric"
)

// IsFlow reports whether the category measures a volume flow rather than electrical energy.
func (c Category) IsFlow() bool {
	return c == CategoryGas || c == CategoryWater
}

// Device metadata shared by every variant.
const (
	Vendor           = "Custom"
	ConfigureKey     = 15
	ManufacturerCode = uint16(0x1234)
	PrimaryEndpoint  = uint8(1)
)

// Variant is one model of the meter family.
type Variant struct {
	ID          string   `json:"model"`
	EnergyUnit  string   `json:"energy_unit"`
	PowerUnit   string   `json:"power_unit"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
}

// IsFlow reports whether the variant is a gas or water meter.
func (v Variant) IsFlow() bool { return v.Category.IsFlow() }

var variants = [...]Variant{
	{ID: "ESP32-PulseMeter-Gas", EnergyUnit: "m³", PowerUnit: "m³/h", Description: "Zigbee gas pulse meter", Category: CategoryGas},
	{ID: "ESP32-PulseMeter-Water", EnergyUnit: "m³", PowerUnit: "m³/h", Description: "Zigbee water pulse meter", Category: CategoryWater},
	{ID: "ESP32-PulseMeter-Electric", EnergyUnit: "kWh", PowerUnit: "kW", Description: "Zigbee electric pulse meter", Category: CategoryElectric},
}

// Variants returns the three variants in declaration order.
func Variants() []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants[:])
	return out
}

// Lookup returns the variant whose model identifier is model.
func Lookup(model string) (Variant, bool) {
	for _, v := range variants {
		if v.ID == model {
			return v, true
		}
	}
	return Variant{}, false
}

// IsFlowModel reports whether model names a flow-category variant.
func IsFlowModel(model string) bool {
	v, ok := Lookup(model)
	return ok && v.IsFlow()
}

// Definition is the device metadata surface published for a variant.
type Definition struct {
	Model            string   `json:"model"`
	ZigbeeModels     []string `json:"zigbee_models"`
	Vendor           string   `json:"vendor"`
	Description      string   `json:"description"`
	Category         Category `json:"category"`
	ConfigureKey     int      `json:"configure_key"`
	ManufacturerCode uint16   `json:"manufacturer_code"`
	OTA              bool     `json:"ota"`
}

// Definition returns the metadata for v. aliases are extra model identifiers
// that should resolve to the same variant.
func (v Variant) Definition(aliases ...string) Definition {
	models := append([]string{v.ID}, aliases...)
	sort.Strings(models[1:])
	return Definition{
		Model:            v.ID,
		ZigbeeModels:     models,
		Vendor:           Vendor,
		Description:      v.Description,
		Category:         v.Category,
		ConfigureKey:     ConfigureKey,
		ManufacturerCode: ManufacturerCode,
		OTA:              true,
	}
}
