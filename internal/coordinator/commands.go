package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/wire"
)

var (
	ErrUnknownLight = errors.New("unknown light")
	ErrUnknownNode  = errors.New("unknown node")
	ErrUnknownZone  = errors.New("unknown zone")
	ErrNoZoneMap    = errors.New("no zone map configured")
)

// The methods below mutate loop-owned state. Callers outside the loop
// goroutine must go through Do.

// OpenPairing opens the admission window on both the directory and the
// radio gate for the configured duration.
func (c *Coordinator) OpenPairing() {
	c.OpenPairingFor(c.cfg.PairingDuration)
}

// OpenPairingFor opens the window for d, or the configured duration when d
// is not positive.
func (c *Coordinator) OpenPairingFor(d time.Duration) {
	if d <= 0 {
		d = c.cfg.PairingDuration
	}
	c.dir.StartPairing(d)
	c.radio.EnablePairing(d)
	c.syncPairing()
}

func (c *Coordinator) ClosePairing() {
	c.dir.StopPairing()
	c.radio.DisablePairing()
	c.syncPairing()
}

func (c *Coordinator) commandID(addr wire.Address) string {
	return fmt.Sprintf("%d-%s", c.clock.Millis(), addr.Suffix())
}

// syncDeration pulls the policy's current cap for addr into the directory
// record, which is the only cap applyLight reads.
func (c *Coordinator) syncDeration(addr wire.Address, level uint8) {
	rec, ok := c.dir.Get(addr)
	if !ok || rec.DerationLevel == min(level, directory.FullDeration) {
		return
	}
	if err := c.HandleThermal(addr, level); err != nil {
		c.logger.Warn("re-apply after deration failed", "addr", addr, "err", err)
	}
}

// SetLight commands light to percent (0..100) of full brightness, capped by
// the node's deration level.
func (c *Coordinator) SetLight(lightID string, percent uint8, reason string) error {
	rec, ok := c.dir.ByLight(lightID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLight, lightID)
	}
	percent = min(percent, 100)
	c.requested[lightID] = percent
	return c.applyLight(rec, percent, reason)
}

func (c *Coordinator) applyLight(rec directory.Record, percent uint8, reason string) error {
	capped := min(percent, rec.DerationLevel)
	value := uint8(uint16(capped) * 255 / 100)
	cmd := wire.SetLight{
		CmdID:   c.commandID(rec.Addr),
		LightID: rec.LightID,
		W:       value,
		Value:   value,
		FadeMS:  uint16(c.cfg.FadeDuration.Milliseconds()),
		Reason:  reason,
		TTLMS:   uint16(c.cfg.CommandTTL.Milliseconds()),
	}
	if err := c.send(rec.Addr, cmd); err != nil {
		c.logger.Warn("set light failed", "light", rec.LightID, "addr", rec.Addr, "err", err)
		c.events.Emit(Event{Type: EventSendFailed, Data: map[string]interface{}{
			"address":  rec.Addr.String(),
			"light_id": rec.LightID,
			"cmd_id":   cmd.CmdID,
		}})
		return err
	}

	c.dir.SetDuty(rec.Addr, value)
	if t, ok := c.zones.(LightStateTracker); ok {
		t.SetLightActive(rec.LightID, value > 0)
	}
	if c.telemetry != nil {
		c.telemetry.PublishLightState(rec.LightID, value)
	}
	c.logger.Debug("light commanded", "light", rec.LightID, "requested", percent, "capped", capped, "value", value, "reason", reason)
	c.events.Emit(Event{Type: EventLightCommand, Data: map[string]interface{}{
		"light_id":  rec.LightID,
		"address":   rec.Addr.String(),
		"requested": percent,
		"value":     value,
		"reason":    reason,
		"cmd_id":    cmd.CmdID,
	}})
	return nil
}

// HandlePresence drives every light in zone to level when present and off
// otherwise. Lights without a paired node are skipped.
func (c *Coordinator) HandlePresence(zone string, present bool, level uint8) error {
	if c.zones == nil {
		return ErrNoZoneMap
	}
	lights := c.zones.LightsForZone(zone)
	if lights == nil {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zone)
	}
	if !present {
		level = 0
	}
	var errs []error
	for _, light := range lights {
		err := c.SetLight(light, level, "presence")
		if errors.Is(err, ErrUnknownLight) {
			c.logger.Debug("zone light not paired", "zone", zone, "light", light)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleThermal records a new deration level for addr and re-applies the
// last requested brightness if the light is on.
func (c *Coordinator) HandleThermal(addr wire.Address, level uint8) error {
	if !c.dir.SetDeration(addr, level) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, addr)
	}
	rec, _ := c.dir.Get(addr)
	c.logger.Info("deration changed", "addr", addr, "light", rec.LightID, "level", rec.DerationLevel, "temp_c", rec.TempC)
	c.events.Emit(Event{Type: EventDeration, Data: map[string]interface{}{
		"address":  addr.String(),
		"light_id": rec.LightID,
		"level":    rec.DerationLevel,
		"temp_c":   rec.TempC,
	}})
	if want, ok := c.requested[rec.LightID]; ok && want > 0 {
		return c.applyLight(rec, want, "thermal")
	}
	return nil
}

// RefreshDeration re-reads the policy cap for every paired node, e.g. after
// its limits changed, and re-applies lights whose cap moved.
func (c *Coordinator) RefreshDeration() {
	if c.thermal == nil {
		return
	}
	for _, rec := range c.dir.List() {
		c.syncDeration(rec.Addr, c.thermal.DerationLevel(rec.Addr))
	}
}

// liveNodes returns records heard from within the liveness timeout, in
// ascending address order.
func (c *Coordinator) liveNodes(now uint32) []directory.Record {
	limit := ms(c.cfg.LivenessTimeout)
	var out []directory.Record
	for _, rec := range c.dir.List() {
		if rec.LastSeen != 0 && clock.Since(now, rec.LastSeen) <= limit {
			out = append(out, rec)
		}
	}
	return out
}

// StartTestPattern schedules pattern on every live node at one shared start
// time. Each message carries the lead remaining at its own send time.
// Returns the number of nodes reached.
func (c *Coordinator) StartTestPattern(pattern string) (int, error) {
	if pattern == "" {
		pattern = "chase"
	}
	start := c.clock.Millis() + ms(c.cfg.TestPatternLead)
	targets := c.liveNodes(c.clock.Millis())
	sent := 0
	var errs []error
	for _, rec := range targets {
		now := c.clock.Millis()
		var lead uint32
		if clock.Before(now, start) {
			lead = clock.Since(start, now)
		}
		msg := wire.TestPattern{
			CmdID:      c.commandID(rec.Addr),
			Pattern:    pattern,
			StartAt:    start,
			StartInMS:  uint16(min(lead, 0xFFFF)),
			PeriodMS:   uint16(c.cfg.TestPatternPeriod.Milliseconds()),
			DurationMS: ms(c.cfg.TestPatternDuration),
		}
		if err := c.send(rec.Addr, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	c.logger.Info("test pattern scheduled", "pattern", pattern, "start_at", start, "nodes", sent, "failed", len(errs))
	c.events.Emit(Event{Type: EventTestPattern, Data: map[string]interface{}{
		"pattern":  pattern,
		"start_at": start,
		"nodes":    sent,
	}})
	return sent, errors.Join(errs...)
}

// FullReset forgets every node, peer and slot.
func (c *Coordinator) FullReset() error {
	var errs []error
	if err := c.dir.Reset(); err != nil {
		errs = append(errs, err)
	}
	if err := c.radio.ClearPeers(); err != nil {
		errs = append(errs, err)
	}
	c.radio.DisablePairing()
	c.slots.Clear()
	clear(c.requested)
	if f, ok := c.thermal.(NodeForgetter); ok {
		f.Reset()
	}
	c.syncPairing()
	c.logger.Warn("fleet reset")
	c.events.Emit(Event{Type: EventReset, Data: nil})
	return errors.Join(errs...)
}

// HandleButton maps button gestures to fleet actions.
func (c *Coordinator) HandleButton(kind ButtonKind) error {
	switch kind {
	case ButtonPress:
		c.OpenPairing()
	case ButtonLongPress:
		_, err := c.StartTestPattern("")
		return err
	case ButtonVeryLongPress:
		return c.FullReset()
	case ButtonRelease:
	default:
		return fmt.Errorf("unknown button event %q", kind)
	}
	return nil
}

// RemoveNode unpairs addr.
func (c *Coordinator) RemoveNode(addr wire.Address) error {
	rec, ok := c.dir.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, addr)
	}
	c.dir.Evict(addr)
	c.forget(rec)
	c.events.Emit(Event{Type: EventNodeEvicted, Data: map[string]interface{}{
		"address":  addr.String(),
		"light_id": rec.LightID,
		"reason":   "removed",
	}})
	return nil
}

// NodeView is a directory record with its slot state.
type NodeView struct {
	directory.Record
	Slot      int  `json:"slot"`
	Connected bool `json:"connected"`
}

// Status is a point-in-time snapshot of the fleet.
type Status struct {
	Nodes         []NodeView       `json:"nodes"`
	Slots         []SlotView       `json:"slots"`
	PairingActive bool             `json:"pairing_active"`
	PairingLeftMS int64            `json:"pairing_remaining_ms"`
	Radio         radio.Stats      `json:"radio"`
	Requested     map[string]uint8 `json:"requested"`
}

// Snapshot builds a Status.
func (c *Coordinator) Snapshot() Status {
	now := c.clock.Millis()
	pairing := c.dir.IsPairingActive()
	st := Status{
		PairingActive: pairing,
		PairingLeftMS: c.dir.PairingRemaining().Milliseconds(),
		Radio:         c.radio.Stats(),
		Requested:     make(map[string]uint8, len(c.requested)),
	}
	for _, rec := range c.dir.List() {
		nv := NodeView{Record: rec, Slot: c.slots.Find(rec.Addr)}
		if nv.Slot >= 0 {
			nv.Connected = c.slots.At(nv.Slot).Connected
		}
		st.Nodes = append(st.Nodes, nv)
	}
	for i := 0; i < c.slots.Len(); i++ {
		sl := *c.slots.At(i)
		color, flash := SlotColor(sl, now, pairing)
		v := SlotView{Index: i, Connected: sl.Connected, Color: color, Flash: flash}
		if sl.Assigned {
			v.Address = sl.Addr.String()
		}
		st.Slots = append(st.Slots, v)
	}
	for k, v := range c.requested {
		st.Requested[k] = v
	}
	return st
}

// LightIDs returns the paired light ids in sorted order.
func (c *Coordinator) LightIDs() []string {
	recs := c.dir.List()
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.LightID)
	}
	sort.Strings(out)
	return out
}
