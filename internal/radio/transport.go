package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/wire"
)

var (
	ErrNotStarted    = errors.New("radio not started")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds radio payload limit")
	ErrUnknownPeer   = errors.New("destination is not a registered peer")
)

// SendError is a send rejected by the link for a specific destination.
type SendError struct {
	Addr wire.Address
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Addr, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// EventKind distinguishes inbound frames from asynchronous send failures.
type EventKind int

const (
	EventFrame EventKind = iota
	EventSendFailed
)

// Event is one item handed from the radio driver to the coordinator loop.
type Event struct {
	Kind EventKind
	Addr wire.Address
	Data []byte // owned by the receiver; nil for EventSendFailed
}

// Config holds transport settings.
type Config struct {
	Channel   uint8
	QueueSize int
}

// DefaultChannel is the radio channel all nodes listen on by convention.
const DefaultChannel = 1

// Dropped counts frames discarded by the receive callback since the last TakeDropped.
type Dropped struct {
	Empty    uint64
	Oversize uint64
	Overflow uint64
}

func (d Dropped) Total() uint64 { return d.Empty + d.Oversize + d.Overflow }

// Stats is a snapshot of transport counters.
type Stats struct {
	Peers       int    `json:"peers"`
	Sent        uint64 `json:"sent"`
	SendErrors  uint64 `json:"send_errors"`
	SendFailed  uint64 `json:"send_failed"`
	Received    uint64 `json:"received"`
	PairingOpen bool   `json:"pairing_open"`
}

// Transport owns the peer table and pairing gate on top of a Link, and hands
// inbound frames to a single consumer through a bounded channel.
type Transport struct {
	link    Link
	clock   clock.Clock
	logger  *slog.Logger
	channel uint8
	events  chan Event

	mu             sync.Mutex
	peers          map[wire.Address]struct{}
	started        bool
	pairingEnabled bool
	pairingExpiry  uint32

	received        atomic.Uint64
	sent            atomic.Uint64
	sendErrors      atomic.Uint64
	sendFailed      atomic.Uint64
	droppedEmpty    atomic.Uint64
	droppedOversize atomic.Uint64
	droppedOverflow atomic.Uint64
}

// New creates a transport over link. The link's callbacks are bound here so
// the driver never needs a global pointer back to the transport.
func New(link Link, clk clock.Clock, cfg Config, logger *slog.Logger) (*Transport, error) {
	if link == nil {
		return nil, errors.New("radio: nil link")
	}
	if clk == nil {
		return nil, errors.New("radio: nil clock")
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	t := &Transport{
		link:    link,
		clock:   clk,
		logger:  logger.With("component", "radio"),
		channel: cfg.Channel,
		events:  make(chan Event, cfg.QueueSize),
		peers:   make(map[wire.Address]struct{}),
	}
	link.SetHandlers(t.onReceive, t.onSendStatus)
	return t, nil
}

// Begin opens the link and registers the broadcast peer.
func (t *Transport) Begin(ctx context.Context) error {
	if err := t.link.Open(ctx, t.channel); err != nil {
		return fmt.Errorf("radio open channel %d: %w", t.channel, err)
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	if err := t.AddPeer(wire.Broadcast); err != nil {
		return fmt.Errorf("radio add broadcast peer: %w", err)
	}
	t.logger.Info("radio started", "channel", t.channel)
	return nil
}

// Channel returns the fixed radio channel.
func (t *Transport) Channel() uint8 { return t.channel }

// Events delivers inbound frames and send failures. Only the coordinator loop reads it.
func (t *Transport) Events() <-chan Event { return t.events }

// onReceive runs in the driver context: validate length, copy, hand off.
func (t *Transport) onReceive(src wire.Address, data []byte) {
	switch {
	case len(data) == 0:
		t.droppedEmpty.Add(1)
		return
	case len(data) > wire.MaxFrameSize:
		t.droppedOversize.Add(1)
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.events <- Event{Kind: EventFrame, Addr: src, Data: buf}:
		t.received.Add(1)
	default:
		t.droppedOverflow.Add(1)
	}
}

func (t *Transport) onSendStatus(dst wire.Address, ok bool) {
	if ok {
		return
	}
	t.sendFailed.Add(1)
	select {
	case t.events <- Event{Kind: EventSendFailed, Addr: dst}:
	default:
		t.droppedOverflow.Add(1)
	}
}

// TakeDropped returns and resets the drop counters.
func (t *Transport) TakeDropped() Dropped {
	return Dropped{
		Empty:    t.droppedEmpty.Swap(0),
		Oversize: t.droppedOversize.Swap(0),
		Overflow: t.droppedOverflow.Swap(0),
	}
}

// SendTo queues payload for dst. Delivery is best effort with no retry;
// a later link failure surfaces as an EventSendFailed.
func (t *Transport) SendTo(dst wire.Address, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > wire.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	t.mu.Lock()
	started := t.started
	_, known := t.peers[dst]
	t.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if !known {
		return &SendError{Addr: dst, Err: ErrUnknownPeer}
	}
	if err := t.link.Send(dst, payload); err != nil {
		t.sendErrors.Add(1)
		return &SendError{Addr: dst, Err: err}
	}
	t.sent.Add(1)
	return nil
}

// Broadcast sends payload to every listener on the channel.
func (t *Transport) Broadcast(payload []byte) error {
	return t.SendTo(wire.Broadcast, payload)
}

// AddPeer registers addr for unicast. Adding a known peer succeeds.
func (t *Transport) AddPeer(addr wire.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[addr]; ok {
		return nil
	}
	if err := t.link.AddPeer(addr); err != nil && !errors.Is(err, ErrPeerExists) {
		return fmt.Errorf("add peer %s: %w", addr, err)
	}
	t.peers[addr] = struct{}{}
	t.logger.Debug("peer added", "addr", addr)
	return nil
}

// RemovePeer unregisters addr. Removing an unknown peer succeeds.
// The broadcast peer cannot be removed.
func (t *Transport) RemovePeer(addr wire.Address) error {
	if addr.IsBroadcast() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[addr]; !ok {
		return nil
	}
	if err := t.link.RemovePeer(addr); err != nil && !errors.Is(err, ErrPeerNotFound) {
		return fmt.Errorf("remove peer %s: %w", addr, err)
	}
	delete(t.peers, addr)
	t.logger.Debug("peer removed", "addr", addr)
	return nil
}

// ClearPeers removes every unicast peer, keeping the broadcast peer.
func (t *Transport) ClearPeers() error {
	var errs []error
	for _, addr := range t.Peers() {
		if err := t.RemovePeer(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasPeer reports whether addr is registered.
func (t *Transport) HasPeer(addr wire.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[addr]
	return ok
}

// Peers returns the unicast peers in ascending address order.
func (t *Transport) Peers() []wire.Address {
	t.mu.Lock()
	out := make([]wire.Address, 0, len(t.peers))
	for addr := range t.peers {
		if !addr.IsBroadcast() {
			out = append(out, addr)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// EnablePairing opens the gate for d.
func (t *Transport) EnablePairing(d time.Duration) {
	t.mu.Lock()
	t.pairingEnabled = true
	t.pairingExpiry = t.clock.Millis() + uint32(d.Milliseconds())
	t.mu.Unlock()
	t.logger.Info("pairing gate open", "duration", d)
}

func (t *Transport) DisablePairing() {
	t.mu.Lock()
	was := t.pairingEnabled
	t.pairingEnabled = false
	t.mu.Unlock()
	if was {
		t.logger.Info("pairing gate closed")
	}
}

// IsPairingOpen reports whether the gate is enabled and not yet expired.
func (t *Transport) IsPairingOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pairingEnabled && clock.Before(t.clock.Millis(), t.pairingExpiry)
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	peers := len(t.peers)
	if _, ok := t.peers[wire.Broadcast]; ok {
		peers--
	}
	t.mu.Unlock()
	return Stats{
		Peers:       peers,
		Sent:        t.sent.Load(),
		SendErrors:  t.sendErrors.Load(),
		SendFailed:  t.sendFailed.Load(),
		Received:    t.received.Load(),
		PairingOpen: t.IsPairingOpen(),
	}
}

// Close shuts the link down.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return t.link.Close()
}
