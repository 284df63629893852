package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 6-byte radio link address. It doubles as the node identifier.
type Address [6]byte

// Broadcast is the all-ones address used for discovery traffic.
var Broadcast = Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (any case) into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("parse address %q: want 6 segments, got %d", s, len(parts))
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("parse address %q: segment %d must be 2 hex digits", s, i)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return a, fmt.Errorf("parse address %q: %w", s, err)
		}
		a[i] = b[0]
	}
	return a, nil
}

// String returns the canonical uppercase colon-separated form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Compare orders addresses bytewise.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

func (a Address) IsBroadcast() bool { return a == Broadcast }

func (a Address) IsZero() bool { return a == Address{} }

// Suffix returns the low three bytes as six uppercase hex digits.
func (a Address) Suffix() string {
	return fmt.Sprintf("%02X%02X%02X", a[3], a[4], a[5])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
