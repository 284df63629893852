// Package zones maps presence zones to the lights they control.
package zones

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"

	"smarttile-coordinator/internal/store"
)

const namespace = "zones"

var ErrUnknownZone = errors.New("unknown zone")

// Map is a many-to-many zone/light table with per-light active flags.
type Map struct {
	mu           sync.RWMutex
	kv           store.KV
	logger       *slog.Logger
	zoneToLights map[string][]string
	lightToZones map[string][]string
	active       map[string]bool
}

// New creates an empty map. A nil kv keeps zones in memory only.
func New(kv store.KV, logger *slog.Logger) *Map {
	return &Map{
		kv:           kv,
		logger:       logger.With("component", "zones"),
		zoneToLights: make(map[string][]string),
		lightToZones: make(map[string][]string),
		active:       make(map[string]bool),
	}
}

// Begin loads persisted zones. When nothing is stored the seed table is
// applied and written back.
func (m *Map) Begin(seed map[string][]string) error {
	loaded, err := m.load()
	if err != nil {
		m.logger.Warn("load zones failed, using configured table", "err", err)
	}
	if loaded {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for zone, lights := range seed {
		m.zoneToLights[zone] = nil
		for _, l := range lights {
			m.addLightLocked(zone, l)
		}
	}
	if len(seed) == 0 {
		return nil
	}
	return m.persistLocked()
}

func (m *Map) load() (bool, error) {
	if m.kv == nil {
		return false, nil
	}
	count, err := m.kv.GetUint(namespace, "count")
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		prefix := "z" + strconv.FormatUint(i, 10)
		zone, err := m.kv.GetString(namespace, prefix+"_id")
		if err != nil {
			return true, fmt.Errorf("zone %d: %w", i, err)
		}
		m.zoneToLights[zone] = nil
		n, _ := m.kv.GetUint(namespace, prefix+"_count")
		for j := uint64(0); j < n; j++ {
			light, err := m.kv.GetString(namespace, prefix+"_l"+strconv.FormatUint(j, 10))
			if err != nil {
				continue
			}
			m.addLightLocked(zone, light)
		}
	}
	m.logger.Info("zones loaded", "zones", len(m.zoneToLights))
	return true, nil
}

func (m *Map) persistLocked() error {
	if m.kv == nil {
		return nil
	}
	entries := map[string]string{"count": strconv.Itoa(len(m.zoneToLights))}
	for i, zone := range m.zoneIDsLocked() {
		prefix := "z" + strconv.Itoa(i)
		lights := m.zoneToLights[zone]
		entries[prefix+"_id"] = zone
		entries[prefix+"_count"] = strconv.Itoa(len(lights))
		for j, l := range lights {
			entries[prefix+"_l"+strconv.Itoa(j)] = l
		}
	}
	if err := m.kv.Replace(namespace, entries); err != nil {
		return fmt.Errorf("persist zones: %w", err)
	}
	return nil
}

func (m *Map) zoneIDsLocked() []string {
	ids := make([]string, 0, len(m.zoneToLights))
	for z := range m.zoneToLights {
		ids = append(ids, z)
	}
	sort.Strings(ids)
	return ids
}

func (m *Map) addLightLocked(zone, light string) bool {
	if slices.Contains(m.zoneToLights[zone], light) {
		return false
	}
	m.zoneToLights[zone] = append(m.zoneToLights[zone], light)
	m.lightToZones[light] = append(m.lightToZones[light], zone)
	return true
}

// AddZone creates an empty zone. Adding an existing zone is a no-op.
func (m *Map) AddZone(zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zoneToLights[zone]; ok {
		return nil
	}
	m.zoneToLights[zone] = nil
	return m.persistLocked()
}

// RemoveZone deletes zone and its light links.
func (m *Map) RemoveZone(zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lights, ok := m.zoneToLights[zone]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zone)
	}
	for _, l := range lights {
		m.lightToZones[l] = slices.DeleteFunc(m.lightToZones[l], func(z string) bool { return z == zone })
		if len(m.lightToZones[l]) == 0 {
			delete(m.lightToZones, l)
		}
	}
	delete(m.zoneToLights, zone)
	return m.persistLocked()
}

// AddLight links light to zone, creating the zone if needed.
func (m *Map) AddLight(zone, light string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zoneToLights[zone]; !ok {
		m.zoneToLights[zone] = nil
	}
	if !m.addLightLocked(zone, light) {
		return nil
	}
	return m.persistLocked()
}

// RemoveLight unlinks light from zone.
func (m *Map) RemoveLight(zone, light string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lights, ok := m.zoneToLights[zone]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zone)
	}
	m.zoneToLights[zone] = slices.DeleteFunc(lights, func(l string) bool { return l == light })
	m.lightToZones[light] = slices.DeleteFunc(m.lightToZones[light], func(z string) bool { return z == zone })
	if len(m.lightToZones[light]) == 0 {
		delete(m.lightToZones, light)
	}
	return m.persistLocked()
}

// LightsForZone returns a copy of the lights in zone, nil when the zone
// does not exist and empty when it has no lights.
func (m *Map) LightsForZone(zone string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lights, ok := m.zoneToLights[zone]
	if !ok {
		return nil
	}
	return append([]string{}, lights...)
}

// ZonesForLight returns a copy of the zones light belongs to.
func (m *Map) ZonesForLight(light string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.lightToZones[light])
}

func (m *Map) SetLightActive(light string, active bool) {
	m.mu.Lock()
	m.active[light] = active
	m.mu.Unlock()
}

func (m *Map) IsLightActive(light string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[light]
}

// All returns a copy of the whole table.
func (m *Map) All() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.zoneToLights))
	for z, lights := range m.zoneToLights {
		out[z] = slices.Clone(lights)
	}
	return out
}
