package thermal

import (
	"io"
	"log/slog"
	"testing"

	"smarttile-coordinator/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLimitsLevel(t *testing.T) {
	tests := []struct {
		temp float64
		want uint8
	}{
		{-10, 100},
		{69.9, 100},
		{70, 100},
		{77.5, 65},
		{80, 53},
		{84.99, 30},
		{85, 30},
		{120, 30},
	}
	for _, tt := range tests {
		if got := DefaultLimits.Level(tt.temp); got != tt.want {
			t.Errorf("Level(%.2f) = %d, want %d", tt.temp, got, tt.want)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits.Validate(); err != nil {
		t.Errorf("default limits invalid: %v", err)
	}
	if err := (Limits{StartC: 80, MaxC: 80, FloorLevel: 30}).Validate(); err == nil {
		t.Error("expected error for empty range")
	}
	if err := (Limits{StartC: 70, MaxC: 80, FloorLevel: 101}).Validate(); err == nil {
		t.Error("expected error for floor above 100")
	}
}

func TestPolicy(t *testing.T) {
	p := NewPolicy(DefaultLimits, newTestLogger())
	addr := wire.Address{1, 2, 3, 4, 5, 6}

	if got := p.DerationLevel(addr); got != 100 {
		t.Errorf("unknown node level = %d, want 100", got)
	}
	if got := p.ObserveTemperature(addr, 90); got != 30 {
		t.Errorf("ObserveTemperature(90) = %d, want 30", got)
	}
	if got := p.DerationLevel(addr); got != 30 {
		t.Errorf("DerationLevel = %d, want 30", got)
	}
	r, ok := p.Reading(addr)
	if !ok || !r.Derated || r.TempC != 90 {
		t.Errorf("Reading = %+v, %v", r, ok)
	}

	// A per-node curve with a higher ceiling lifts the cap immediately.
	if err := p.SetNodeLimits(addr, Limits{StartC: 95, MaxC: 105, FloorLevel: 50}); err != nil {
		t.Fatal(err)
	}
	if got := p.DerationLevel(addr); got != 100 {
		t.Errorf("after per-node limits level = %d, want 100", got)
	}

	other := wire.Address{9}
	p.ObserveTemperature(other, 77.5)
	if err := p.SetGlobalLimits(Limits{StartC: 60, MaxC: 70, FloorLevel: 10}); err != nil {
		t.Fatal(err)
	}
	if got := p.DerationLevel(other); got != 10 {
		t.Errorf("after global change level = %d, want 10", got)
	}
	if got := p.DerationLevel(addr); got != 100 {
		t.Errorf("per-node limits should win, level = %d", got)
	}

	p.Forget(addr)
	if got := p.DerationLevel(addr); got != 100 {
		t.Errorf("after Forget level = %d, want 100", got)
	}
	p.Reset()
	if got := p.DerationLevel(other); got != 100 {
		t.Errorf("after Reset level = %d, want 100", got)
	}
}

func TestGlobalLimits(t *testing.T) {
	p := NewPolicy(DefaultLimits, newTestLogger())
	if p.GlobalLimits() != DefaultLimits {
		t.Errorf("global = %+v", p.GlobalLimits())
	}
	l := Limits{StartC: 50, MaxC: 60, FloorLevel: 10}
	if err := p.SetGlobalLimits(l); err != nil {
		t.Fatal(err)
	}
	if p.GlobalLimits() != l {
		t.Errorf("global = %+v, want %+v", p.GlobalLimits(), l)
	}
}
