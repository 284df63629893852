package radio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var nodeA = wire.Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

func newTestTransport(t *testing.T, queue int) (*Transport, *Loopback, *clock.Fake) {
	t.Helper()
	link := NewLoopback()
	clk := clock.NewFake(1000)
	tr, err := New(link, clk, Config{QueueSize: queue}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	return tr, link, clk
}

func TestNewRequiresLinkAndClock(t *testing.T) {
	if _, err := New(nil, clock.NewFake(0), Config{}, newTestLogger()); err == nil {
		t.Error("expected error for nil link")
	}
	if _, err := New(NewLoopback(), nil, Config{}, newTestLogger()); err == nil {
		t.Error("expected error for nil clock")
	}
}

func TestBeginUsesFixedChannelAndBroadcastPeer(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	if link.Channel() != DefaultChannel {
		t.Errorf("channel = %d, want %d", link.Channel(), DefaultChannel)
	}
	if !tr.HasPeer(wire.Broadcast) || !link.HasPeer(wire.Broadcast) {
		t.Error("broadcast peer not registered")
	}
	if len(tr.Peers()) != 0 {
		t.Errorf("Peers() = %v, want no unicast peers", tr.Peers())
	}
}

func TestSendBeforeBegin(t *testing.T) {
	tr, err := New(NewLoopback(), clock.NewFake(0), Config{}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.SendTo(wire.Broadcast, []byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestPeerTableIdempotent(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)

	for i := 0; i < 3; i++ {
		if err := tr.AddPeer(nodeA); err != nil {
			t.Fatalf("AddPeer #%d: %v", i, err)
		}
	}
	if !link.HasPeer(nodeA) {
		t.Fatal("link missing peer")
	}
	for i := 0; i < 2; i++ {
		if err := tr.RemovePeer(nodeA); err != nil {
			t.Fatalf("RemovePeer #%d: %v", i, err)
		}
	}
	if tr.HasPeer(nodeA) || link.HasPeer(nodeA) {
		t.Error("peer still present after remove")
	}
}

func TestAddPeerAlreadyInLink(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	// The driver can retain peers across a host restart.
	link.AddPeer(nodeA)
	if err := tr.AddPeer(nodeA); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if !tr.HasPeer(nodeA) {
		t.Error("peer not tracked")
	}
}

func TestClearPeersKeepsBroadcast(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	b := wire.Address{1, 2, 3, 4, 5, 6}
	tr.AddPeer(nodeA)
	tr.AddPeer(b)
	if err := tr.ClearPeers(); err != nil {
		t.Fatal(err)
	}
	if len(tr.Peers()) != 0 {
		t.Errorf("Peers() = %v after clear", tr.Peers())
	}
	if !link.HasPeer(wire.Broadcast) {
		t.Error("broadcast peer removed")
	}
	if err := tr.ClearPeers(); err != nil {
		t.Errorf("second ClearPeers: %v", err)
	}
}

func TestPeersSorted(t *testing.T) {
	tr, _, _ := newTestTransport(t, 4)
	addrs := []wire.Address{{9}, {1}, {5}}
	for _, a := range addrs {
		tr.AddPeer(a)
	}
	got := tr.Peers()
	want := []wire.Address{{1}, {5}, {9}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Peers() = %v, want %v", got, want)
		}
	}
}

func TestSendTo(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)

	if err := tr.SendTo(nodeA, []byte("hi")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("unknown peer: err = %v", err)
	}
	var se *SendError
	if err := tr.SendTo(nodeA, []byte("hi")); !errors.As(err, &se) || se.Addr != nodeA {
		t.Errorf("want *SendError for %s, got %v", nodeA, err)
	}

	tr.AddPeer(nodeA)
	if err := tr.SendTo(nodeA, []byte("hi")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if err := tr.SendTo(nodeA, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("empty: err = %v", err)
	}
	if err := tr.SendTo(nodeA, make([]byte, wire.MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversize: err = %v", err)
	}
	if err := tr.Broadcast(make([]byte, wire.MaxFrameSize)); err != nil {
		t.Errorf("max size broadcast: %v", err)
	}

	sent := link.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if sent[0].Dst != nodeA || string(sent[0].Data) != "hi" {
		t.Errorf("frame 0 = %+v", sent[0])
	}
	if sent[1].Dst != wire.Broadcast {
		t.Errorf("frame 1 dst = %s", sent[1].Dst)
	}
}

func TestSendLinkError(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	tr.AddPeer(nodeA)
	boom := errors.New("radio busy")
	link.FailSends(boom)

	err := tr.SendTo(nodeA, []byte("x"))
	var se *SendError
	if !errors.As(err, &se) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped SendError", err)
	}
	if tr.Stats().SendErrors != 1 {
		t.Errorf("SendErrors = %d, want 1", tr.Stats().SendErrors)
	}
}

func TestReceiveCopiesAndQueues(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	buf := []byte(`{"msg":"ack"}`)
	link.Inject(nodeA, buf)
	buf[0] = 'X' // driver reuses its buffer

	select {
	case ev := <-tr.Events():
		if ev.Kind != EventFrame || ev.Addr != nodeA {
			t.Errorf("event = %+v", ev)
		}
		if string(ev.Data) != `{"msg":"ack"}` {
			t.Errorf("data = %q, frame was not copied", ev.Data)
		}
	default:
		t.Fatal("no event queued")
	}
}

func TestReceiveDrops(t *testing.T) {
	tr, link, _ := newTestTransport(t, 2)

	link.Inject(nodeA, nil)
	link.Inject(nodeA, make([]byte, wire.MaxFrameSize+1))
	link.Inject(nodeA, []byte("1"))
	link.Inject(nodeA, []byte("2"))
	link.Inject(nodeA, []byte("3")) // queue full

	d := tr.TakeDropped()
	if d.Empty != 1 || d.Oversize != 1 || d.Overflow != 1 {
		t.Errorf("dropped = %+v", d)
	}
	if d.Total() != 3 {
		t.Errorf("total = %d", d.Total())
	}
	if again := tr.TakeDropped(); again.Total() != 0 {
		t.Errorf("counters not reset: %+v", again)
	}
	if len(tr.Events()) != 2 {
		t.Errorf("queued %d, want 2", len(tr.Events()))
	}
}

func TestSendStatusFailureQueued(t *testing.T) {
	tr, link, _ := newTestTransport(t, 4)
	link.ReportStatus(nodeA, true)
	link.ReportStatus(nodeA, false)

	if len(tr.Events()) != 1 {
		t.Fatalf("queued %d events, want 1", len(tr.Events()))
	}
	ev := <-tr.Events()
	if ev.Kind != EventSendFailed || ev.Addr != nodeA || ev.Data != nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestPairingGate(t *testing.T) {
	tr, _, clk := newTestTransport(t, 4)
	if tr.IsPairingOpen() {
		t.Fatal("gate open before enable")
	}
	tr.EnablePairing(60 * time.Second)
	if !tr.IsPairingOpen() {
		t.Fatal("gate closed after enable")
	}
	clk.Advance(59999 * time.Millisecond)
	if !tr.IsPairingOpen() {
		t.Error("gate closed before expiry")
	}
	clk.Advance(time.Millisecond)
	if tr.IsPairingOpen() {
		t.Error("gate open at expiry")
	}

	tr.EnablePairing(time.Second)
	tr.DisablePairing()
	if tr.IsPairingOpen() {
		t.Error("gate open after disable")
	}
}

func TestPairingGateAcrossClockWrap(t *testing.T) {
	tr, _, clk := newTestTransport(t, 4)
	clk.Set(0xFFFFFFFF - 500)
	tr.EnablePairing(2 * time.Second)
	clk.Advance(time.Second) // counter wrapped
	if !tr.IsPairingOpen() {
		t.Error("gate closed after wrap but before expiry")
	}
	clk.Advance(2 * time.Second)
	if tr.IsPairingOpen() {
		t.Error("gate open after expiry across wrap")
	}
}
