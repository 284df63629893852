// Package bridge drives a USB radio bridge dongle that exposes the
// connectionless radio over a serial port.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/wire"
)

const respTimeout = 2 * time.Second

var errClosed = errors.New("bridge closed")

// Link implements radio.Link over a serial port.
type Link struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	seq     atomic.Uint32
	pending map[uint8]chan uint8
	pendMu  sync.Mutex
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onRecv    radio.ReceiveFunc
	onStatus  radio.SendStatusFunc

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port and starts reading from the dongle.
func Open(portName string, baudRate int, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("radio bridge: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the dongle firmware starts talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newLink(port, logger), nil
}

func newLink(port io.ReadWriteCloser, logger *slog.Logger) *Link {
	l := &Link{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "radio-bridge"),
		pending: make(map[uint8]chan uint8),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *Link) SetHandlers(onRecv radio.ReceiveFunc, onStatus radio.SendStatusFunc) {
	l.handlerMu.Lock()
	l.onRecv = onRecv
	l.onStatus = onStatus
	l.handlerMu.Unlock()
}

// Open asks the dongle to start the radio in station mode on channel.
func (l *Link) Open(ctx context.Context, channel uint8) error {
	return l.request(ctx, frameInit, []byte{channel})
}

func (l *Link) AddPeer(addr wire.Address) error {
	ctx, cancel := context.WithTimeout(context.Background(), respTimeout)
	defer cancel()
	return l.request(ctx, frameAddPeer, addr[:])
}

func (l *Link) RemovePeer(addr wire.Address) error {
	ctx, cancel := context.WithTimeout(context.Background(), respTimeout)
	defer cancel()
	return l.request(ctx, frameDelPeer, addr[:])
}

// Send writes the frame and returns without waiting for delivery. The
// dongle reports the outcome later with a SendStatus frame.
func (l *Link) Send(dst wire.Address, payload []byte) error {
	data := make([]byte, 0, len(dst)+len(payload))
	data = append(data, dst[:]...)
	data = append(data, payload...)
	return l.write(frame{Type: frameSend, Seq: l.nextSeq(), Data: data})
}

func (l *Link) nextSeq() uint8 {
	return uint8(l.seq.Add(1))
}

func (l *Link) write(f frame) error {
	select {
	case <-l.done:
		return errClosed
	default:
	}
	raw := encodeFrame(f)
	l.writeMu.Lock()
	_, err := l.port.Write(raw)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	l.logger.Debug("bridge TX", "type", frameTypeName(f.Type), "seq", f.Seq, "len", len(f.Data))
	return nil
}

// request sends a command frame and waits for the matching Result.
func (l *Link) request(ctx context.Context, typ uint8, data []byte) error {
	seq := l.nextSeq()
	ch := make(chan uint8, 1)
	l.pendMu.Lock()
	l.pending[seq] = ch
	l.pendMu.Unlock()
	defer func() {
		l.pendMu.Lock()
		delete(l.pending, seq)
		l.pendMu.Unlock()
	}()

	if err := l.write(frame{Type: typ, Seq: seq, Data: data}); err != nil {
		return fmt.Errorf("bridge %s: %w", frameTypeName(typ), err)
	}

	select {
	case status := <-ch:
		switch status {
		case statusOK:
			return nil
		case statusExists:
			return radio.ErrPeerExists
		case statusNotFound:
			return radio.ErrPeerNotFound
		default:
			return fmt.Errorf("bridge %s: status 0x%02X", frameTypeName(typ), status)
		}
	case <-ctx.Done():
		l.logger.Warn("bridge timeout", "type", frameTypeName(typ), "seq", seq, "err", ctx.Err())
		return ctx.Err()
	case <-l.done:
		return errClosed
	}
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-l.done:
			return
		default:
		}

		f, err := readFrame(l.reader)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				l.logger.Warn("bridge decode error", "err", err)
				continue
			}
			select {
			case <-l.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				l.logger.Error("bridge read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond
		l.dispatch(f)
	}
}

func (l *Link) dispatch(f frame) {
	switch f.Type {
	case frameResult:
		if len(f.Data) < 1 {
			l.logger.Warn("bridge short result", "seq", f.Seq)
			return
		}
		l.pendMu.Lock()
		ch, ok := l.pending[f.Seq]
		l.pendMu.Unlock()
		if !ok {
			l.logger.Warn("bridge orphaned result", "seq", f.Seq, "status", f.Data[0])
			return
		}
		select {
		case ch <- f.Data[0]:
		default:
		}

	case frameRecv:
		if len(f.Data) < len(wire.Address{}) {
			l.logger.Warn("bridge short recv frame", "len", len(f.Data))
			return
		}
		var src wire.Address
		copy(src[:], f.Data)
		l.handlerMu.RLock()
		fn := l.onRecv
		l.handlerMu.RUnlock()
		if fn != nil {
			fn(src, f.Data[len(src):])
		}

	case frameSendStatus:
		if len(f.Data) < len(wire.Address{})+1 {
			l.logger.Warn("bridge short send status", "len", len(f.Data))
			return
		}
		var dst wire.Address
		copy(dst[:], f.Data)
		ok := f.Data[len(dst)] == statusOK
		if !ok {
			l.logger.Debug("bridge send failed", "dst", dst)
		}
		l.handlerMu.RLock()
		fn := l.onStatus
		l.handlerMu.RUnlock()
		if fn != nil {
			fn(dst, ok)
		}

	default:
		l.logger.Debug("bridge unhandled frame", "type", frameTypeName(f.Type))
	}
}

// Close stops the read loop and releases the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		l.wg.Wait()
	})
	return err
}
