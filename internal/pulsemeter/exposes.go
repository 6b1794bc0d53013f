package pulsemeter

// Access is the expose access bitmask.
type Access uint8

const (
	AccessState Access = 1 << iota // value is published in state
	AccessSet                      // value can be written
	AccessGet                      // value can be read on demand
)

// ResetKey is the write-only property that clears the pulse counter.
const ResetKey = "reset_counter"

// Expose describes one quantity a device publishes or accepts.
type Expose struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Property    string   `json:"property"`
	Description string   `json:"description,omitempty"`
	Access      Access   `json:"access"`
	Unit        string   `json:"unit,omitempty"`
	ValueMin    *float64 `json:"value_min,omitempty"`
	ValueMax    *float64 `json:"value_max,omitempty"`
	ValueStep   *float64 `json:"value_step,omitempty"`
	Values      []string `json:"values,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
	StateClass  string   `json:"state_class,omitempty"`
}

func num(v float64) *float64 { return &v }

func numeric(name, property, description, unit string) Expose {
	return Expose{
		Type:        "numeric",
		Name:        name,
		Property:    property,
		Description: description,
		Access:      AccessState,
		Unit:        unit,
		ValueMin:    num(0),
	}
}

// BuildExposes lists what a device of variant v exposes. The battery pair is
// only present when the concrete device runs on battery, so the list must be
// built per device.
func BuildExposes(v Variant, batteryCapable bool) []Expose {
	var list []Expose
	if v.Category == CategoryElectric {
		energy := numeric("energy", KeyEnergy, "Sum of consumed energy", v.EnergyUnit)
		energy.ValueStep = num(0.001)
		energy.DeviceClass, energy.StateClass = "energy", "total_increasing"

		power := numeric("power", KeyPower, "Instantaneous measured power", v.PowerUnit)
		power.ValueStep = num(0.001)
		power.DeviceClass, power.StateClass = "power", "measurement"

		list = append(list, energy, power)
	} else {
		name := string(v.Category)
		total := numeric(name, KeyEnergy, "Total consumption", v.EnergyUnit)
		total.ValueStep = num(0.001)
		total.DeviceClass, total.StateClass = name, "total_increasing"

		flow := numeric(name+"_flow", KeyPower, "Flow rate", v.PowerUnit)
		flow.ValueStep = num(0.001)
		flow.DeviceClass, flow.StateClass = "volume_flow_rate", "measurement"

		list = append(list, total, flow)
	}

	if batteryCapable {
		battery := numeric("battery", KeyBattery, "Remaining battery in %", "%")
		battery.Access = AccessState | AccessGet
		battery.ValueMax = num(100)
		battery.DeviceClass, battery.StateClass = "battery", "measurement"

		voltage := numeric("battery_voltage", KeyVoltage, "Battery voltage", "V")
		voltage.ValueStep = num(0.1)
		voltage.DeviceClass, voltage.StateClass = "voltage", "measurement"

		list = append(list, battery, voltage)
	}

	return append(list, Expose{
		Type:        "enum",
		Name:        ResetKey,
		Property:    ResetKey,
		Description: "Reset counter (write-only)",
		Access:      AccessSet,
		Values:      []string{"RESET"},
	})
}

// FindExpose returns the expose whose name or property matches key.
func FindExpose(list []Expose, key string) (Expose, bool) {
	for _, e := range list {
		if e.Name == key || e.Property == key {
			return e, true
		}
	}
	return Expose{}, false
}
