// Package thermal derives per-node brightness caps from reported temperature.
package thermal

import (
	"fmt"
	"log/slog"
	"sync"

	"smarttile-coordinator/internal/wire"
)

// Limits is a derating curve: full output below StartC, FloorLevel at or
// above MaxC, linear in between.
type Limits struct {
	StartC     float64 `yaml:"start_c" json:"start_c"`
	MaxC       float64 `yaml:"max_c" json:"max_c"`
	FloorLevel uint8   `yaml:"floor_level" json:"floor_level"`
}

// DefaultLimits matches the fixture rating of the reference tiles.
var DefaultLimits = Limits{StartC: 70, MaxC: 85, FloorLevel: 30}

func (l Limits) Validate() error {
	if l.MaxC <= l.StartC {
		return fmt.Errorf("thermal: max_c (%.1f) must be above start_c (%.1f)", l.MaxC, l.StartC)
	}
	if l.FloorLevel > 100 {
		return fmt.Errorf("thermal: floor_level %d out of range 0-100", l.FloorLevel)
	}
	return nil
}

// Level computes the deration level 0..100 for tempC.
func (l Limits) Level(tempC float64) uint8 {
	if tempC < l.StartC {
		return 100
	}
	if tempC >= l.MaxC {
		return l.FloorLevel
	}
	progress := (tempC - l.StartC) / (l.MaxC - l.StartC)
	return uint8(100 - float64(100-l.FloorLevel)*progress)
}

// Reading is the latest thermal state of one node.
type Reading struct {
	TempC   float64 `json:"temp_c"`
	Level   uint8   `json:"level"`
	Derated bool    `json:"derated"`
	Custom  bool    `json:"custom_limits"`
}

// Policy tracks node temperatures and answers deration queries.
type Policy struct {
	mu       sync.RWMutex
	global   Limits
	perNode  map[wire.Address]Limits
	readings map[wire.Address]Reading
	logger   *slog.Logger
}

func NewPolicy(global Limits, logger *slog.Logger) *Policy {
	return &Policy{
		global:   global,
		perNode:  make(map[wire.Address]Limits),
		readings: make(map[wire.Address]Reading),
		logger:   logger.With("component", "thermal"),
	}
}

// DerationLevel returns the cap for addr, 100 if no temperature was reported.
func (p *Policy) DerationLevel(addr wire.Address) uint8 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.readings[addr]
	if !ok {
		return 100
	}
	return r.Level
}

// ObserveTemperature records tempC for addr and returns the new level.
func (p *Policy) ObserveTemperature(addr wire.Address, tempC float64) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observeLocked(addr, tempC)
}

func (p *Policy) observeLocked(addr wire.Address, tempC float64) uint8 {
	limits, custom := p.perNode[addr]
	if !custom {
		limits = p.global
	}
	level := limits.Level(tempC)
	prev, seen := p.readings[addr]
	p.readings[addr] = Reading{TempC: tempC, Level: level, Derated: level < 100, Custom: custom}
	if !seen || prev.Level != level {
		p.logger.Info("deration changed", "addr", addr, "temp_c", tempC, "level", level)
	}
	return level
}

// Reading returns the last state for addr.
func (p *Policy) Reading(addr wire.Address) (Reading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.readings[addr]
	return r, ok
}

// GlobalLimits returns the curve applied to nodes without an override.
func (p *Policy) GlobalLimits() Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.global
}

// SetNodeLimits overrides the curve for one node and re-evaluates its level.
func (p *Policy) SetNodeLimits(addr wire.Address, l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perNode[addr] = l
	if r, ok := p.readings[addr]; ok {
		p.observeLocked(addr, r.TempC)
	}
	return nil
}

// SetGlobalLimits replaces the default curve and re-evaluates all nodes.
func (p *Policy) SetGlobalLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = l
	for addr, r := range p.readings {
		p.observeLocked(addr, r.TempC)
	}
	return nil
}

// Forget drops all state for addr.
func (p *Policy) Forget(addr wire.Address) {
	p.mu.Lock()
	delete(p.readings, addr)
	delete(p.perNode, addr)
	p.mu.Unlock()
}

// Reset drops all per-node state.
func (p *Policy) Reset() {
	p.mu.Lock()
	clear(p.readings)
	clear(p.perNode)
	p.mu.Unlock()
}
