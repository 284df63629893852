package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformed is returned for input that is not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingDiscriminator is returned when "msg" is absent or not a string.
	ErrMissingDiscriminator = errors.New("missing msg field")
)

// Encode serializes m with its discriminator.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m.wire())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return data, nil
}

// Classify extracts the discriminator without decoding the rest of the frame.
func Classify(data []byte) Kind {
	var probe struct {
		Msg *string `json:"msg"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Msg == nil || *probe.Msg == "" {
		return KindInvalid
	}
	k := Kind(*probe.Msg)
	switch k {
	case KindJoinRequest, KindJoinAccept, KindSetLight, KindNodeStatus, KindAck, KindError, KindTestPattern:
		return k
	}
	return KindUnknown
}

// Decode parses a frame into its message variant. Missing or mistyped fields
// take their defaults and integers are clamped to their declared width. An
// unrecognized discriminator yields an *Error with CodeUnknownMessage.
func Decode(data []byte) (Message, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f == nil {
		return nil, ErrMalformed
	}
	raw, ok := f["msg"]
	if !ok {
		return nil, ErrMissingDiscriminator
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil || msg == "" {
		return nil, ErrMissingDiscriminator
	}

	switch Kind(msg) {
	case KindJoinRequest:
		caps := f.object("caps")
		return &JoinRequest{
			MAC: f.str("mac"),
			Caps: Capabilities{
				PWM:      caps.boolean("pwm"),
				TempSPI:  caps.boolean("temp_spi"),
				RGBW:     caps.boolean("rgbw"),
				LEDCount: caps.u8("led_count", 0),
			},
			FW:    f.str("fw"),
			Token: f.str("token"),
		}, nil
	case KindJoinAccept:
		cfg := f.object("cfg")
		return &JoinAccept{
			NodeID:      f.str("node_id"),
			LightID:     f.str("light_id"),
			LMK:         f.str("lmk"),
			WifiChannel: f.u8("wifi_channel", 0),
			Cfg: JoinConfig{
				PWMFreq:    cfg.u16("pwm_freq", 0),
				RxWindowMS: cfg.u16("rx_window_ms", 0),
				RxPeriodMS: cfg.u16("rx_period_ms", 0),
			},
		}, nil
	case KindSetLight:
		return &SetLight{
			CmdID:          f.str("cmd_id"),
			LightID:        f.str("light_id"),
			R:              f.u8("r", 0),
			G:              f.u8("g", 0),
			B:              f.u8("b", 0),
			W:              f.u8("w", 0),
			Value:          f.u8("value", 0),
			FadeMS:         f.u16("fade_ms", 0),
			Reason:         f.str("reason"),
			TTLMS:          f.u16("ttl_ms", DefaultTTL),
			OverrideStatus: f.boolean("override_status"),
		}, nil
	case KindNodeStatus:
		return &NodeStatus{
			NodeID:        f.str("node_id"),
			LightID:       f.str("light_id"),
			TempC:         f.float("temp_c"),
			AvgR:          f.u8("avg_r", 0),
			AvgG:          f.u8("avg_g", 0),
			AvgB:          f.u8("avg_b", 0),
			AvgW:          f.u8("avg_w", 0),
			StatusMode:    f.str("status_mode"),
			ButtonPressed: f.boolean("button_pressed"),
			VbatMV:        f.u16("vbat_mv", 0),
			FW:            f.str("fw"),
			TS:            f.u32("ts", 0),
		}, nil
	case KindAck:
		return &Ack{CmdID: f.str("cmd_id")}, nil
	case KindError:
		return &Error{
			NodeID: f.str("node_id"),
			Code:   f.str("code"),
			Info:   f.str("info"),
		}, nil
	case KindTestPattern:
		return &TestPattern{
			CmdID:      f.str("cmd_id"),
			Pattern:    f.str("pattern"),
			StartAt:    f.u32("start_at", 0),
			StartInMS:  f.u16("start_in_ms", 0),
			PeriodMS:   f.u16("period_ms", 0),
			DurationMS: f.u32("duration_ms", 0),
		}, nil
	default:
		return &Error{Code: CodeUnknownMessage, Info: msg}, nil
	}
}

// fields is a lazily decoded JSON object.
type fields map[string]json.RawMessage

func (f fields) str(key string) string {
	var s string
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (f fields) boolean(key string) bool {
	var b bool
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &b) == nil {
		return b
	}
	return false
}

func (f fields) float(key string) float64 {
	var n float64
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &n) == nil {
		return n
	}
	return 0
}

func (f fields) object(key string) fields {
	var sub fields
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &sub) == nil {
		return sub
	}
	return nil
}

func (f fields) unsigned(key string, max float64) (float64, bool) {
	raw, ok := f[key]
	if !ok || string(raw) == "null" {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	switch {
	case n < 0:
		return 0, true
	case n > max:
		return max, true
	}
	return math.Trunc(n), true
}

func (f fields) u8(key string, def uint8) uint8 {
	if n, ok := f.unsigned(key, math.MaxUint8); ok {
		return uint8(n)
	}
	return def
}

func (f fields) u16(key string, def uint16) uint16 {
	if n, ok := f.unsigned(key, math.MaxUint16); ok {
		return uint16(n)
	}
	return def
}

func (f fields) u32(key string, def uint32) uint32 {
	if n, ok := f.unsigned(key, math.MaxUint32); ok {
		return uint32(n)
	}
	return def
}
