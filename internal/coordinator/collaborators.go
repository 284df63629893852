package coordinator

import "smarttile-coordinator/internal/wire"

// ThermalPolicy supplies the brightness cap (0..100) for a node.
type ThermalPolicy interface {
	DerationLevel(addr wire.Address) uint8
}

// ThermalObserver is implemented by policies that derive the cap from
// reported temperatures. ObserveTemperature returns the new level.
type ThermalObserver interface {
	ObserveTemperature(addr wire.Address, tempC float64) uint8
}

// NodeForgetter is implemented by policies that keep per-node state which
// must not outlive the node's directory record.
type NodeForgetter interface {
	Forget(addr wire.Address)
	Reset()
}

// ZoneMap resolves a presence zone to the lights it controls.
type ZoneMap interface {
	LightsForZone(zone string) []string
}

// LightStateTracker is implemented by zone maps that remember which lights are on.
type LightStateTracker interface {
	SetLightActive(light string, active bool)
}

// RegistrationListener is told about every newly admitted node.
type RegistrationListener interface {
	NodeRegistered(addr wire.Address, lightID string)
}

// TelemetrySink receives derived state for an external broker.
type TelemetrySink interface {
	PublishLightState(lightID string, value uint8)
	PublishNodeStatus(addr wire.Address, status wire.NodeStatus)
}

// StatusDisplay renders status slots on the indicator hardware.
type StatusDisplay interface {
	SetSlot(index int, color RGB, flash bool)
}

// ButtonKind is a debounced gesture from the physical button.
type ButtonKind string

const (
	ButtonPress         ButtonKind = "press"
	ButtonRelease       ButtonKind = "release"
	ButtonLongPress     ButtonKind = "long"
	ButtonVeryLongPress ButtonKind = "very_long"
)

// ParseButtonKind accepts the names used on the API and in scripts.
func ParseButtonKind(s string) (ButtonKind, bool) {
	switch k := ButtonKind(s); k {
	case ButtonPress, ButtonRelease, ButtonLongPress, ButtonVeryLongPress:
		return k, true
	}
	return "", false
}
