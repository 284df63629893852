package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/wire"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("coordinator stopped")

// Radio is the transport surface the coordinator drives.
type Radio interface {
	Begin(ctx context.Context) error
	Channel() uint8
	Events() <-chan radio.Event
	TakeDropped() radio.Dropped
	SendTo(dst wire.Address, payload []byte) error
	AddPeer(addr wire.Address) error
	RemovePeer(addr wire.Address) error
	ClearPeers() error
	EnablePairing(d time.Duration)
	DisablePairing()
	IsPairingOpen() bool
	Stats() radio.Stats
}

// Config holds loop timing and protocol settings.
type Config struct {
	SlotCount           int
	PairingDuration     time.Duration
	ProbeInterval       time.Duration
	StaleCheckInterval  time.Duration
	LivenessTimeout     time.Duration // display staleness
	EvictionTimeout     time.Duration // directory eviction
	SweepInterval       time.Duration
	LoopTick            time.Duration
	TestPatternLead     time.Duration
	TestPatternPeriod   time.Duration
	TestPatternDuration time.Duration
	CommandTTL          time.Duration
	FadeDuration        time.Duration
	ActivityFlash       time.Duration
	JoinFlash           time.Duration
	ErrorFlash          time.Duration
	LinkKey             string
	Join                wire.JoinConfig
}

// DefaultConfig returns the reference timing baseline.
func DefaultConfig() Config {
	return Config{
		SlotCount:           1,
		PairingDuration:     60 * time.Second,
		ProbeInterval:       2 * time.Second,
		StaleCheckInterval:  5 * time.Second,
		LivenessTimeout:     6 * time.Second,
		EvictionTimeout:     5 * time.Minute,
		SweepInterval:       time.Minute,
		LoopTick:            20 * time.Millisecond,
		TestPatternLead:     300 * time.Millisecond,
		TestPatternPeriod:   500 * time.Millisecond,
		TestPatternDuration: 5 * time.Second,
		CommandTTL:          wire.DefaultTTL * time.Millisecond,
		FadeDuration:        200 * time.Millisecond,
		ActivityFlash:       150 * time.Millisecond,
		JoinFlash:           time.Second,
		ErrorFlash:          500 * time.Millisecond,
		Join:                wire.JoinConfig{PWMFreq: 0, RxWindowMS: 20, RxPeriodMS: 100},
	}
}

func ms(d time.Duration) uint32 { return uint32(d.Milliseconds()) }

// Option configures optional collaborators.
type Option func(*Coordinator)

func WithThermalPolicy(p ThermalPolicy) Option { return func(c *Coordinator) { c.thermal = p } }
func WithZoneMap(z ZoneMap) Option             { return func(c *Coordinator) { c.zones = z } }
func WithTelemetry(t TelemetrySink) Option     { return func(c *Coordinator) { c.telemetry = t } }
func WithStatusDisplay(d StatusDisplay) Option { return func(c *Coordinator) { c.display = d } }

func WithRegistrationListener(l RegistrationListener) Option {
	return func(c *Coordinator) { c.listener = l }
}

type command struct {
	fn   func() error
	done chan error
}

// Coordinator runs the fleet loop. Directory, peer table and slots are
// mutated only on the loop goroutine; other goroutines go through Do.
type Coordinator struct {
	radio  Radio
	dir    *directory.Directory
	clock  clock.Clock
	events *EventBus
	logger *slog.Logger
	cfg    Config

	thermal   ThermalPolicy
	zones     ZoneMap
	telemetry TelemetrySink
	display   StatusDisplay
	listener  RegistrationListener

	slots     *Slots
	shown     []slotState
	requested map[string]uint8 // light id -> last requested percent

	lastProbe      uint32
	lastStaleCheck uint32
	lastSweep      uint32
	pairingShown   bool

	cmds    chan command
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

type slotState struct {
	color RGB
	flash bool
	valid bool
}

// New wires a coordinator. Radio, directory and clock are required.
func New(r Radio, dir *directory.Directory, clk clock.Clock, events *EventBus, cfg Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if r == nil {
		return nil, errors.New("coordinator: radio is required")
	}
	if dir == nil {
		return nil, errors.New("coordinator: directory is required")
	}
	if clk == nil {
		return nil, errors.New("coordinator: clock is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewEventBus(logger)
	}
	if cfg.SlotCount < 0 {
		return nil, fmt.Errorf("coordinator: slot count %d", cfg.SlotCount)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		radio:     r,
		dir:       dir,
		clock:     clk,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		cfg:       cfg,
		slots:     NewSlots(cfg.SlotCount),
		shown:     make([]slotState, cfg.SlotCount),
		requested: make(map[string]uint8),
		cmds:      make(chan command),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	now := clk.Millis()
	c.lastProbe, c.lastStaleCheck, c.lastSweep = now, now, now
	return c, nil
}

// Start brings up the radio, loads the directory, re-registers known nodes
// as peers and launches the loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.radio.Begin(ctx); err != nil {
		return fmt.Errorf("radio begin: %w", err)
	}
	n := c.dir.Begin()
	for _, rec := range c.dir.List() {
		if err := c.radio.AddPeer(rec.Addr); err != nil {
			c.logger.Warn("restore peer failed", "addr", rec.Addr, "err", err)
		}
	}
	c.logger.Info("coordinator started", "nodes", n, "slots", c.slots.Len(), "channel", c.radio.Channel())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.stopped)
		c.Run(c.ctx)
	}()
	return nil
}

// Stop ends the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Context is cancelled on Stop.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Run is the cooperative loop. Every handler runs to completion before the
// next event is taken.
func (c *Coordinator) Run(ctx context.Context) {
	tick := c.cfg.LoopTick
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.radio.Events():
			c.HandleEvent(ev)
		case cmd := <-c.cmds:
			cmd.done <- cmd.fn()
		case <-ticker.C:
			c.Tick(c.clock.Millis())
		}
	}
}

// Do runs fn on the loop goroutine and returns its error.
func (c *Coordinator) Do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs the periodic work that is due at now.
func (c *Coordinator) Tick(now uint32) {
	if d := c.radio.TakeDropped(); d.Total() > 0 {
		c.logger.Warn("radio frames dropped", "empty", d.Empty, "oversize", d.Oversize, "overflow", d.Overflow)
	}
	c.syncPairing()
	if clock.Since(now, c.lastProbe) >= ms(c.cfg.ProbeInterval) {
		c.lastProbe = now
		c.probe(now)
	}
	if clock.Since(now, c.lastStaleCheck) >= ms(c.cfg.StaleCheckInterval) {
		c.lastStaleCheck = now
		c.checkLiveness(now)
	}
	if clock.Since(now, c.lastSweep) >= ms(c.cfg.SweepInterval) {
		c.lastSweep = now
		c.sweep(now)
	}
	c.refreshDisplay(now)
}

// syncPairing closes the radio gate once the directory window has closed
// and reports window transitions.
func (c *Coordinator) syncPairing() {
	active := c.dir.IsPairingActive()
	if !active && c.radio.IsPairingOpen() {
		c.radio.DisablePairing()
	}
	if active != c.pairingShown {
		c.pairingShown = active
		c.events.Emit(Event{Type: EventPairing, Data: map[string]interface{}{
			"active":       active,
			"remaining_ms": c.dir.PairingRemaining().Milliseconds(),
		}})
	}
}

func (c *Coordinator) probe(now uint32) {
	targets := c.slots.Connected()
	if len(targets) == 0 {
		return
	}
	payload, err := wire.Encode(wire.Ack{CmdID: fmt.Sprintf("probe-%d", now)})
	if err != nil {
		c.logger.Error("encode probe", "err", err)
		return
	}
	for _, addr := range targets {
		if err := c.radio.SendTo(addr, payload); err != nil {
			c.logger.Debug("probe send failed", "addr", addr, "err", err)
			c.flashError(addr, now)
		}
	}
}

// checkLiveness marks slots disconnected when their node has been silent
// longer than the liveness timeout.
func (c *Coordinator) checkLiveness(now uint32) {
	limit := ms(c.cfg.LivenessTimeout)
	for i := 0; i < c.slots.Len(); i++ {
		sl := c.slots.At(i)
		if !sl.Assigned || !sl.Connected {
			continue
		}
		rec, ok := c.dir.Get(sl.Addr)
		if ok && rec.LastSeen != 0 && clock.Since(now, rec.LastSeen) <= limit {
			continue
		}
		sl.Connected = false
		c.logger.Info("node disconnected", "addr", sl.Addr, "slot", i)
		c.events.Emit(Event{Type: EventNodeDisconnected, Data: map[string]interface{}{
			"address": sl.Addr.String(),
			"slot":    i,
		}})
	}
}

func (c *Coordinator) sweep(now uint32) {
	for _, rec := range c.dir.SweepStale(now, ms(c.cfg.EvictionTimeout)) {
		c.forget(rec)
		c.events.Emit(Event{Type: EventNodeEvicted, Data: map[string]interface{}{
			"address":  rec.Addr.String(),
			"light_id": rec.LightID,
			"reason":   "stale",
		}})
	}
}

// forget releases everything the coordinator holds for an evicted node.
func (c *Coordinator) forget(rec directory.Record) {
	if i := c.slots.Release(rec.Addr); i >= 0 {
		c.logger.Info("slot released", "addr", rec.Addr, "slot", i)
	}
	if err := c.radio.RemovePeer(rec.Addr); err != nil {
		c.logger.Warn("remove peer failed", "addr", rec.Addr, "err", err)
	}
	delete(c.requested, rec.LightID)
	if f, ok := c.thermal.(NodeForgetter); ok {
		f.Forget(rec.Addr)
	}
	if t, ok := c.zones.(LightStateTracker); ok {
		t.SetLightActive(rec.LightID, false)
	}
}

func (c *Coordinator) refreshDisplay(now uint32) {
	if c.display == nil {
		return
	}
	pairing := c.dir.IsPairingActive()
	for i := 0; i < c.slots.Len(); i++ {
		color, flash := SlotColor(*c.slots.At(i), now, pairing)
		st := slotState{color: color, flash: flash, valid: true}
		if c.shown[i] == st {
			continue
		}
		c.shown[i] = st
		c.display.SetSlot(i, color, flash)
	}
}

func deadline(now uint32, d time.Duration) uint32 {
	if t := now + ms(d); t != 0 {
		return t
	}
	return 1
}

func (c *Coordinator) flashError(addr wire.Address, now uint32) {
	if i := c.slots.Find(addr); i >= 0 {
		c.slots.At(i).errorUntil = deadline(now, c.cfg.ErrorFlash)
	}
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Directory returns the node directory.
func (c *Coordinator) Directory() *directory.Directory {
	return c.dir
}

// Config returns the active configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}
