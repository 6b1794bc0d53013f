//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/pulsemeter_0CAE.../gas/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ieee string) string {
	return "pulsemeter_" + ieee
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(dev.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return dev.IEEEAddress
}

// resetPayload is what the HA reset button publishes on the command topic.
var resetPayload = fmt.Sprintf(`{"%s":"RESET"}`, pulsemeter.ResetKey)

// buildDiscovery generates HA discovery messages from the exposes of a meter.
func buildDiscovery(dev *store.Device, variant pulsemeter.Variant, exposes []pulsemeter.Expose, prefix string) []discoveryMsg {
	if !dev.Interviewed {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	nodeID := deviceIdentifier(dev.IEEEAddress)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: pulsemeter.Vendor,
		Model:        variant.Description + " (" + variant.ID + ")",
		Name:         displayName,
		ViaDevice:    prefix + "_bridge",
	}

	var msgs []discoveryMsg
	for _, e := range exposes {
		switch {
		case e.Property == pulsemeter.ResetKey && e.Access&pulsemeter.AccessSet != 0:
			msgs = append(msgs, buildButton(nodeID, displayName, avail, haDev, stateTopic+"/set", e))
		case e.Type == "numeric" && e.Access&pulsemeter.AccessState != 0:
			msgs = append(msgs, buildSensor(nodeID, displayName, stateTopic, avail, haDev,
				e.Name, humanize(e.Name), e.DeviceClass, e.Unit, e.StateClass,
				"{{ value_json."+e.Property+" }}"))
		}
	}

	// Link quality sensor for all devices.
	// No device_class: "signal_strength" requires dB/dBm units and LQI is unitless.
	lqi := buildSensor(nodeID, displayName, stateTopic, avail, haDev,
		"linkquality", "Link Quality", "", "lqi", "measurement",
		"{{ value_json.linkquality }}")
	msgs = append(msgs, lqi)

	return msgs
}

func humanize(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	if objectID == "linkquality" {
		payload.EntityCategory = "diagnostic"
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, displayName, avail string, haDev haDevice, cmdTopic string, e pulsemeter.Expose) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, e.Name)
	payload := haDiscovery{
		Name:              displayName + " " + humanize(e.Name),
		UniqueID:          nodeID + "_" + e.Name,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      resetPayload,
		EntityCategory:    "config",
		Icon:              "mdi:counter",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
// Every entity any variant can expose is cleared, since the model of a device
// that already left may be unknown.
func buildRemoveDiscovery(ieee string) []discoveryMsg {
	nodeID := deviceIdentifier(ieee)

	seen := map[string]bool{}
	var msgs []discoveryMsg
	add := func(comp, obj string) {
		topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, nodeID, obj)
		if seen[topic] {
			return
		}
		seen[topic] = true
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: nil}) // empty retained = delete
	}
	for _, v := range pulsemeter.Variants() {
		for _, e := range pulsemeter.BuildExposes(v, true) {
			if e.Property == pulsemeter.ResetKey {
				add("button", e.Name)
			} else {
				add("sensor", e.Name)
			}
		}
	}
	add("sensor", "linkquality")
	return msgs
}
