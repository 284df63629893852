package zones

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"smarttile-coordinator/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSeedAndLookup(t *testing.T) {
	m := New(store.NewMemoryKV(), newTestLogger())
	err := m.Begin(map[string][]string{
		"hall":    {"L1", "L2"},
		"kitchen": {"L2", "L3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.LightsForZone("hall"); !reflect.DeepEqual(got, []string{"L1", "L2"}) {
		t.Errorf("LightsForZone(hall) = %v", got)
	}
	zones := m.ZonesForLight("L2")
	if len(zones) != 2 {
		t.Errorf("ZonesForLight(L2) = %v", zones)
	}
	if got := m.LightsForZone("garage"); len(got) != 0 {
		t.Errorf("unknown zone = %v", got)
	}
}

func TestLightsForZoneReturnsCopy(t *testing.T) {
	m := New(nil, newTestLogger())
	m.AddLight("hall", "L1")
	got := m.LightsForZone("hall")
	got[0] = "mutated"
	if m.LightsForZone("hall")[0] != "L1" {
		t.Error("caller mutation leaked into the map")
	}
}

func TestPersistenceReload(t *testing.T) {
	kv := store.NewMemoryKV()
	m := New(kv, newTestLogger())
	m.Begin(map[string][]string{"hall": {"L1"}})
	m.AddLight("porch", "L9")
	m.RemoveLight("hall", "L1")

	// Stored zones take precedence over the seed.
	m2 := New(kv, newTestLogger())
	if err := m2.Begin(map[string][]string{"ignored": {"LX"}}); err != nil {
		t.Fatal(err)
	}
	all := m2.All()
	want := map[string][]string{"hall": nil, "porch": {"L9"}}
	if len(all) != 2 || len(all["hall"]) != 0 || !reflect.DeepEqual(all["porch"], want["porch"]) {
		t.Errorf("reloaded = %v, want %v", all, want)
	}
	if _, ok := all["ignored"]; ok {
		t.Error("seed applied over stored zones")
	}
}

func TestRemoveZone(t *testing.T) {
	m := New(nil, newTestLogger())
	m.AddLight("hall", "L1")
	m.AddLight("porch", "L1")
	if err := m.RemoveZone("hall"); err != nil {
		t.Fatal(err)
	}
	if got := m.ZonesForLight("L1"); !reflect.DeepEqual(got, []string{"porch"}) {
		t.Errorf("ZonesForLight = %v", got)
	}
	if err := m.RemoveZone("hall"); !errors.Is(err, ErrUnknownZone) {
		t.Errorf("second RemoveZone err = %v", err)
	}
}

func TestActiveFlags(t *testing.T) {
	m := New(nil, newTestLogger())
	if m.IsLightActive("L1") {
		t.Error("light active by default")
	}
	m.SetLightActive("L1", true)
	if !m.IsLightActive("L1") {
		t.Error("SetLightActive not recorded")
	}
}

func TestEmptyZoneIsKnown(t *testing.T) {
	m := New(nil, newTestLogger())
	if err := m.AddZone("attic"); err != nil {
		t.Fatal(err)
	}
	if got := m.LightsForZone("attic"); got == nil || len(got) != 0 {
		t.Errorf("empty zone = %#v, want non-nil empty", got)
	}
	if got := m.LightsForZone("cellar"); got != nil {
		t.Errorf("unknown zone = %#v, want nil", got)
	}
}
