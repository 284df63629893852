package coordinator

import (
	"errors"

	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/wire"
)

// HandleEvent processes one event from the radio queue.
func (c *Coordinator) HandleEvent(ev radio.Event) {
	switch ev.Kind {
	case radio.EventFrame:
		c.handleFrame(ev.Addr, ev.Data)
	case radio.EventSendFailed:
		c.logger.Warn("radio send failed", "addr", ev.Addr)
		c.flashError(ev.Addr, c.clock.Millis())
		c.events.Emit(Event{Type: EventSendFailed, Data: map[string]interface{}{
			"address": ev.Addr.String(),
		}})
	}
}

func (c *Coordinator) handleFrame(src wire.Address, data []byte) {
	kind := wire.Classify(data)
	if kind == wire.KindInvalid {
		c.logger.Debug("dropping undecodable frame", "src", src, "len", len(data))
		return
	}
	// Discovery noise from unpaired nodes is the common case outside a window.
	if kind == wire.KindJoinRequest && !c.dir.IsKnown(src) && !c.pairingOpen() {
		c.logger.Debug("join request ignored, pairing closed", "src", src)
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "src", src, "kind", kind, "err", err)
		return
	}

	if req, ok := msg.(*wire.JoinRequest); ok {
		c.handleJoinRequest(src, req)
		return
	}

	if !c.dir.IsKnown(src) {
		c.logger.Debug("message from unpaired node ignored", "src", src, "kind", msg.Kind())
		return
	}
	c.noteActivity(src)

	switch m := msg.(type) {
	case *wire.NodeStatus:
		c.handleStatus(src, m)
	case *wire.Ack:
		c.events.Emit(Event{Type: EventAck, Data: map[string]interface{}{
			"address": src.String(),
			"cmd_id":  m.CmdID,
		}})
	case *wire.Error:
		if m.Code == wire.CodeUnknownMessage && kind == wire.KindUnknown {
			c.logger.Warn("unrecognized message", "src", src, "msg", m.Info)
			return
		}
		c.logger.Warn("node reported error", "src", src, "code", m.Code, "info", m.Info)
		c.flashError(src, c.clock.Millis())
		c.events.Emit(Event{Type: EventNodeError, Data: map[string]interface{}{
			"address": src.String(),
			"code":    m.Code,
			"info":    m.Info,
		}})
	default:
		c.logger.Debug("unexpected message from node", "src", src, "kind", msg.Kind())
	}
}

// pairingOpen requires both the directory window and the radio gate.
func (c *Coordinator) pairingOpen() bool {
	return c.dir.IsPairingActive() && c.radio.IsPairingOpen()
}

// noteActivity refreshes last-seen and the node's slot. A node without a
// slot gets the first free one.
func (c *Coordinator) noteActivity(addr wire.Address) {
	now := c.clock.Millis()
	c.dir.Touch(addr)
	i, ok := c.slots.Assign(addr)
	if !ok {
		return
	}
	sl := c.slots.At(i)
	sl.activityUntil = deadline(now, c.cfg.ActivityFlash)
	if !sl.Connected {
		sl.Connected = true
		c.logger.Info("node connected", "addr", addr, "slot", i)
		c.events.Emit(Event{Type: EventNodeConnected, Data: map[string]interface{}{
			"address": addr.String(),
			"slot":    i,
		}})
	}
}

func (c *Coordinator) handleJoinRequest(src wire.Address, req *wire.JoinRequest) {
	if req.MAC != "" {
		if claimed, err := wire.ParseAddress(req.MAC); err != nil || claimed != src {
			c.logger.Debug("join request mac differs from source", "src", src, "mac", req.MAC)
		}
	}

	adm := c.dir.Admit(src, "")
	switch adm.Kind {
	case directory.Rejected:
		c.logger.Warn("join request rejected", "src", src, "reason", adm.Reason)
		if adm.Reason != directory.ReasonPairingInactive {
			c.flashError(src, c.clock.Millis())
		}
		return
	case directory.Renewed:
		c.logger.Info("known node rejoined", "src", src, "light", adm.Record.LightID, "fw", req.FW)
		if err := c.radio.AddPeer(src); err != nil {
			c.logger.Warn("add peer failed", "addr", src, "err", err)
		}
		c.noteActivity(src)
		c.sendJoinAccept(adm.Record)
		c.events.Emit(Event{Type: EventNodeRejoined, Data: map[string]interface{}{
			"address":  src.String(),
			"light_id": adm.Record.LightID,
			"fw":       req.FW,
		}})
		c.seedDeration(src)
		return
	}

	rec := adm.Record
	if err := c.radio.AddPeer(src); err != nil {
		c.logger.Error("add peer failed", "addr", src, "err", err)
	}
	c.sendJoinAccept(rec)
	c.radio.DisablePairing()

	now := c.clock.Millis()
	slot := -1
	if i, ok := c.slots.Assign(src); ok {
		sl := c.slots.At(i)
		sl.Connected = true
		sl.joinedUntil = deadline(now, c.cfg.JoinFlash)
		slot = i
	} else {
		c.logger.Warn("no free status slot", "addr", src)
	}

	if c.listener != nil {
		c.listener.NodeRegistered(src, rec.LightID)
	}
	c.logger.Info("node registered", "addr", src, "light", rec.LightID, "fw", req.FW,
		"pwm", req.Caps.PWM, "temp_spi", req.Caps.TempSPI)
	c.events.Emit(Event{Type: EventNodeRegistered, Data: map[string]interface{}{
		"address":  src.String(),
		"light_id": rec.LightID,
		"fw":       req.FW,
		"caps":     req.Caps,
	}})
	if slot >= 0 {
		c.events.Emit(Event{Type: EventNodeConnected, Data: map[string]interface{}{
			"address": src.String(),
			"slot":    slot,
		}})
	}
	c.seedDeration(src)
}

// seedDeration copies the policy's cap into a freshly admitted record.
func (c *Coordinator) seedDeration(addr wire.Address) {
	if c.thermal != nil {
		c.syncDeration(addr, c.thermal.DerationLevel(addr))
	}
}

func (c *Coordinator) sendJoinAccept(rec directory.Record) {
	accept := wire.JoinAccept{
		NodeID:      rec.Addr.String(),
		LightID:     rec.LightID,
		LMK:         c.cfg.LinkKey,
		WifiChannel: c.radio.Channel(),
		Cfg:         c.cfg.Join,
	}
	if err := c.send(rec.Addr, accept); err != nil {
		c.logger.Error("send join accept failed", "addr", rec.Addr, "err", err)
	}
}

func (c *Coordinator) handleStatus(src wire.Address, st *wire.NodeStatus) {
	c.dir.UpdateStatus(src, st.TempC)

	if c.thermal != nil {
		var level uint8
		if obs, ok := c.thermal.(ThermalObserver); ok {
			level = obs.ObserveTemperature(src, st.TempC)
		} else {
			level = c.thermal.DerationLevel(src)
		}
		c.syncDeration(src, level)
	}
	if c.telemetry != nil {
		c.telemetry.PublishNodeStatus(src, *st)
	}
	c.events.Emit(Event{Type: EventNodeStatus, Data: map[string]interface{}{
		"address":        src.String(),
		"light_id":       st.LightID,
		"temp_c":         st.TempC,
		"status_mode":    st.StatusMode,
		"button_pressed": st.ButtonPressed,
		"vbat_mv":        st.VbatMV,
		"fw":             st.FW,
	}})
}

// send encodes m and unicasts it. Failures flash the node's slot.
func (c *Coordinator) send(dst wire.Address, m wire.Message) error {
	payload, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := c.radio.SendTo(dst, payload); err != nil {
		c.flashError(dst, c.clock.Millis())
		var se *radio.SendError
		if !errors.As(err, &se) {
			err = &radio.SendError{Addr: dst, Err: err}
		}
		return err
	}
	return nil
}
