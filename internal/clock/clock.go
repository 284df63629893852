package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond counter that wraps at 2^32.
type Clock interface {
	Millis() uint32
}

// Since returns the elapsed milliseconds from then to now.
// Unsigned subtraction keeps the result correct across a counter wrap.
func Since(now, then uint32) uint32 {
	return now - then
}

// Before reports whether a is earlier than b, assuming both lie within
// half the counter range of each other.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// System derives the counter from time elapsed since construction.
type System struct {
	start time.Time
}

// NewSystem returns a clock starting at zero.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Millis() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now uint32
}

// NewFake returns a fake clock set to start.
func NewFake(start uint32) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Millis() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to ms.
func (f *Fake) Set(ms uint32) {
	f.mu.Lock()
	f.now = ms
	f.mu.Unlock()
}

// Advance moves the clock forward by d, wrapping as the hardware counter does.
func (f *Fake) Advance(d time.Duration) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += uint32(d.Milliseconds())
	return f.now
}
