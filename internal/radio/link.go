// Package radio moves raw frames between the coordinator loop and a
// connectionless broadcast radio. It does not parse payloads.
package radio

import (
	"context"
	"errors"

	"smarttile-coordinator/internal/wire"
)

// ErrPeerExists is returned by a Link when adding a peer that is already registered.
var ErrPeerExists = errors.New("peer already registered")

// ErrPeerNotFound is returned by a Link when removing a peer it does not know.
var ErrPeerNotFound = errors.New("peer not registered")

// ReceiveFunc is called by a Link for every inbound frame. It runs on the
// driver's goroutine and must not retain data after returning.
type ReceiveFunc func(src wire.Address, data []byte)

// SendStatusFunc is called by a Link when the lower layer reports the
// outcome of an earlier Send.
type SendStatusFunc func(dst wire.Address, ok bool)

// Link is the hardware driver beneath a Transport.
type Link interface {
	// SetHandlers installs the driver callbacks. Called once before Open.
	SetHandlers(onRecv ReceiveFunc, onStatus SendStatusFunc)

	// Open brings the radio up in station mode on a fixed channel.
	Open(ctx context.Context, channel uint8) error

	AddPeer(addr wire.Address) error
	RemovePeer(addr wire.Address) error
	Send(dst wire.Address, payload []byte) error

	Close() error
}
