//go:build !no_mqtt

package mqtt

import "fmt"

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/smarttile_LDDEEFF/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
	Connections  [][2]string `json:"connections,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

func discoveryID(light string) string {
	return "smarttile_" + light
}

// buildDiscovery describes a paired light: the light entity driven through
// the node command topic, and sensors fed by node telemetry.
func buildDiscovery(light, addr string, t topics) []discoveryMsg {
	id := discoveryID(light)
	avail := t.coordStatus()
	dev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: "SmartTile",
		Model:        "tile node",
		Name:         "Tile " + light,
	}
	if addr != "" {
		dev.Connections = [][2]string{{"mac", addr}}
	}

	msgs := []discoveryMsg{{
		Topic: fmt.Sprintf("homeassistant/light/%s/light/config", id),
		Payload: mustJSON(haDiscovery{
			Name:                dev.Name,
			UniqueID:            id + "_light",
			StateTopic:          t.lightState(light),
			CommandTopic:        t.nodeCommand(light),
			AvailabilityTopic:   avail,
			Brightness:          true,
			BrightnessScale:     255,
			SupportedColorModes: []string{"brightness"},
			Schema:              "json",
			Device:              dev,
		}),
	}}
	if addr == "" {
		return msgs
	}
	telemetry := t.nodeTelemetry(addr)
	msgs = append(msgs,
		buildSensor(id, dev, telemetry, avail, "temperature", "Temperature", "temperature", "°C", "{{ value_json.temp_c }}"),
		buildSensor(id, dev, telemetry, avail, "battery_voltage", "Battery Voltage", "voltage", "mV", "{{ value_json.vbat_mv }}"),
	)
	return msgs
}

func buildSensor(id string, dev haDevice, stateTopic, avail, objectID, suffix, deviceClass, unit, valueTmpl string) discoveryMsg {
	return discoveryMsg{
		Topic: fmt.Sprintf("homeassistant/sensor/%s/%s/config", id, objectID),
		Payload: mustJSON(haDiscovery{
			Name:              dev.Name + " " + suffix,
			UniqueID:          id + "_" + objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     valueTmpl,
			UnitOfMeasurement: unit,
			DeviceClass:       deviceClass,
			StateClass:        "measurement",
			Device:            dev,
		}),
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a light from HA.
func buildRemoveDiscovery(light string) []discoveryMsg {
	id := discoveryID(light)
	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"sensor", "temperature"},
		{"sensor", "battery_voltage"},
	}
	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, id, c.obj),
		})
	}
	return msgs
}
