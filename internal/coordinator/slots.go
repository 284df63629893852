package coordinator

import (
	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/wire"
)

// RGB is an indicator color.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

var (
	ColorOff     = RGB{}
	ColorPairing = RGB{0, 0, 255}
	ColorOnline  = RGB{0, 255, 0}
	ColorOffline = RGB{255, 0, 0}
	ColorJoined  = RGB{255, 255, 255}
	ColorError   = RGB{255, 120, 0}
	ColorTraffic = RGB{0, 255, 255}
)

// Slot is one status indicator bound to at most one node.
type Slot struct {
	Addr          wire.Address
	Assigned      bool
	Connected     bool
	activityUntil uint32
	joinedUntil   uint32
	errorUntil    uint32
}

// SlotView is the exported snapshot of a slot.
type SlotView struct {
	Index     int    `json:"index"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	Color     RGB    `json:"color"`
	Flash     bool   `json:"flash"`
}

// Slots is a fixed-capacity slot table. Not safe for concurrent use; the
// coordinator loop owns it.
type Slots struct {
	slots []Slot
}

func NewSlots(capacity int) *Slots {
	return &Slots{slots: make([]Slot, max(capacity, 0))}
}

func (s *Slots) Len() int { return len(s.slots) }

// Find returns the slot index holding addr, or -1.
func (s *Slots) Find(addr wire.Address) int {
	for i := range s.slots {
		if s.slots[i].Assigned && s.slots[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Assign gives addr the first free slot. An address already holding a slot
// keeps it. ok is false when every slot is taken.
func (s *Slots) Assign(addr wire.Address) (index int, ok bool) {
	if i := s.Find(addr); i >= 0 {
		return i, true
	}
	for i := range s.slots {
		if !s.slots[i].Assigned {
			s.slots[i] = Slot{Addr: addr, Assigned: true}
			return i, true
		}
	}
	return -1, false
}

// Release frees the slot held by addr. Returns the freed index or -1.
func (s *Slots) Release(addr wire.Address) int {
	i := s.Find(addr)
	if i >= 0 {
		s.slots[i] = Slot{}
	}
	return i
}

func (s *Slots) Clear() {
	clear(s.slots)
}

// At returns a pointer to slot i for in-place updates.
func (s *Slots) At(i int) *Slot {
	return &s.slots[i]
}

// Connected returns the addresses of connected slots in slot order.
func (s *Slots) Connected() []wire.Address {
	var out []wire.Address
	for _, sl := range s.slots {
		if sl.Assigned && sl.Connected {
			out = append(out, sl.Addr)
		}
	}
	return out
}

func flashActive(until, now uint32) bool {
	return until != 0 && clock.Before(now, until)
}

// SlotColor maps a slot to its indicator state. It is a pure function of
// the slot, the clock and the pairing window.
func SlotColor(sl Slot, now uint32, pairing bool) (RGB, bool) {
	if !sl.Assigned {
		if pairing {
			return ColorPairing, true
		}
		return ColorOff, false
	}
	switch {
	case flashActive(sl.errorUntil, now):
		return ColorError, true
	case flashActive(sl.joinedUntil, now):
		return ColorJoined, true
	case !sl.Connected:
		return ColorOffline, false
	case flashActive(sl.activityUntil, now):
		return ColorTraffic, false
	}
	return ColorOnline, false
}
