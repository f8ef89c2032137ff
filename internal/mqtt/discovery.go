//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/irbt_0123ABCD/battery/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Schema            string   `json:"schema,omitempty"`
	SupportedFeatures []string `json:"supported_features,omitempty"`
	Device            haDevice `json:"device"`
}

// vacuumFeatures are the HA vacuum features the robot command set covers.
var vacuumFeatures = []string{"start", "stop", "pause", "return_home", "locate", "status"}

// topicName returns a topic-safe form of a device id.
func topicName(deviceID string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, deviceID)
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(deviceID string) string {
	return "irbt_" + topicName(deviceID)
}

func reportedString(state map[string]any, key string) string {
	if v, ok := state[key].(string); ok {
		return v
	}
	return ""
}

// buildDiscovery generates HA discovery messages for one robot from its
// last reported state.
func buildDiscovery(deviceID string, state map[string]any, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + topicName(deviceID)
	nodeID := deviceIdentifier(deviceID)

	displayName := reportedString(state, "name")
	if displayName == "" {
		displayName = deviceID
	}
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "iRobot",
		Model:        reportedString(state, "sku"),
		SWVersion:    reportedString(state, "softwareVer"),
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		buildVacuum(nodeID, displayName, stateTopic, avail, haDev),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"battery", "Battery", "battery", "%", "measurement",
			"{{ value_json.batPct }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"phase", "Mission Phase", "", "", "",
			"{{ value_json.cleanMissionStatus.phase }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"bin_full", "Bin Full", "problem",
			"{{ 'ON' if value_json.bin.full else 'OFF' }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"bin_present", "Bin Present", "",
			"{{ 'ON' if value_json.bin.present else 'OFF' }}"),
	}
	return msgs
}

func buildVacuum(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/vacuum/%s/vacuum/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_vacuum",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: avail,
		Schema:            "state",
		SupportedFeatures: vacuumFeatures,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
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
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
