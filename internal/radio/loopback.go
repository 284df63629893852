package radio

import (
	"context"
	"sync"

	"smarttile-coordinator/internal/wire"
)

// SentFrame is a frame captured by a Loopback link.
type SentFrame struct {
	Dst  wire.Address
	Data []byte
}

// Loopback is an in-process Link. Outbound frames are recorded and inbound
// frames are injected by the caller, which makes it usable both for tests and
// for running the coordinator without radio hardware.
type Loopback struct {
	mu       sync.Mutex
	onRecv   ReceiveFunc
	onStatus SendStatusFunc
	open     bool
	channel  uint8
	peers    map[wire.Address]bool
	sent     []SentFrame
	sendErr  error
}

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[wire.Address]bool)}
}

func (l *Loopback) SetHandlers(onRecv ReceiveFunc, onStatus SendStatusFunc) {
	l.mu.Lock()
	l.onRecv = onRecv
	l.onStatus = onStatus
	l.mu.Unlock()
}

func (l *Loopback) Open(_ context.Context, channel uint8) error {
	l.mu.Lock()
	l.open = true
	l.channel = channel
	l.mu.Unlock()
	return nil
}

func (l *Loopback) AddPeer(addr wire.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers[addr] {
		return ErrPeerExists
	}
	l.peers[addr] = true
	return nil
}

func (l *Loopback) RemovePeer(addr wire.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.peers[addr] {
		return ErrPeerNotFound
	}
	delete(l.peers, addr)
	return nil
}

func (l *Loopback) Send(dst wire.Address, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.sent = append(l.sent, SentFrame{Dst: dst, Data: buf})
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	return nil
}

// Inject delivers data as if it arrived over the air from src.
func (l *Loopback) Inject(src wire.Address, data []byte) {
	l.mu.Lock()
	fn := l.onRecv
	l.mu.Unlock()
	if fn != nil {
		fn(src, data)
	}
}

// ReportStatus simulates the lower layer's send-status callback.
func (l *Loopback) ReportStatus(dst wire.Address, ok bool) {
	l.mu.Lock()
	fn := l.onStatus
	l.mu.Unlock()
	if fn != nil {
		fn(dst, ok)
	}
}

// FailSends makes every subsequent Send return err. Pass nil to recover.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// Sent returns and clears the captured outbound frames.
func (l *Loopback) Sent() []SentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

// HasPeer reports whether the link itself holds addr.
func (l *Loopback) HasPeer(addr wire.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers[addr]
}

// Channel returns the channel passed to Open.
func (l *Loopback) Channel() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel
}
