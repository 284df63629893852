package wire

// Kind is the value of the "msg" discriminator.
type Kind string

const (
	KindJoinRequest Kind = "join_request"
	KindJoinAccept  Kind = "join_accept"
	KindSetLight    Kind = "set_light"
	KindNodeStatus  Kind = "node_status"
	KindAck         Kind = "ack"
	KindError       Kind = "error"
	KindTestPattern Kind = "test_pattern"

	// KindUnknown is a well-formed frame with an unrecognized discriminator.
	KindUnknown Kind = "unknown"
	// KindInvalid is a frame that is not a JSON object with a string "msg".
	KindInvalid Kind = ""
)

// MaxFrameSize is the largest payload the radio carries in one frame.
const MaxFrameSize = 250

// DefaultTTL is the set_light time-to-live applied when the field is absent.
const DefaultTTL = 1500

// CodeUnknownMessage is the Error code produced for unrecognized discriminators.
const CodeUnknownMessage = "unknown_msg"

// Message is one of the protocol variants defined in this package.
type Message interface {
	Kind() Kind
	wire() any
}

// Capabilities advertised by a node in its join request.
type Capabilities struct {
	PWM      bool  `json:"pwm"`
	TempSPI  bool  `json:"temp_spi"`
	RGBW     bool  `json:"rgbw"`
	LEDCount uint8 `json:"led_count"`
}

// JoinRequest is broadcast by an unpaired or rebooted node.
type JoinRequest struct {
	MAC   string       `json:"mac"`
	Caps  Capabilities `json:"caps"`
	FW    string       `json:"fw"`
	Token string       `json:"token"`
}

// JoinConfig is the timing configuration handed to a node on admission.
type JoinConfig struct {
	PWMFreq    uint16 `json:"pwm_freq"`
	RxWindowMS uint16 `json:"rx_window_ms"`
	RxPeriodMS uint16 `json:"rx_period_ms"`
}

// JoinAccept is the coordinator's reply to an admitted join request.
type JoinAccept struct {
	NodeID      string     `json:"node_id"`
	LightID     string     `json:"light_id"`
	LMK         string     `json:"lmk"`
	WifiChannel uint8      `json:"wifi_channel"`
	Cfg         JoinConfig `json:"cfg"`
}

// SetLight commands a light to a brightness.
type SetLight struct {
	CmdID          string `json:"cmd_id"`
	LightID        string `json:"light_id"`
	R              uint8  `json:"r"`
	G              uint8  `json:"g"`
	B              uint8  `json:"b"`
	W              uint8  `json:"w"`
	Value          uint8  `json:"value"`
	FadeMS         uint16 `json:"fade_ms"`
	Reason         string `json:"reason,omitempty"`
	TTLMS          uint16 `json:"ttl_ms"`
	OverrideStatus bool   `json:"override_status"`
}

// NodeStatus is the periodic telemetry report from a node.
type NodeStatus struct {
	NodeID        string  `json:"node_id"`
	LightID       string  `json:"light_id"`
	TempC         float64 `json:"temp_c"`
	AvgR          uint8   `json:"avg_r"`
	AvgG          uint8   `json:"avg_g"`
	AvgB          uint8   `json:"avg_b"`
	AvgW          uint8   `json:"avg_w"`
	StatusMode    string  `json:"status_mode"`
	ButtonPressed bool    `json:"button_pressed"`
	VbatMV        uint16  `json:"vbat_mv"`
	FW            string  `json:"fw"`
	TS            uint32  `json:"ts"`
}

// Ack acknowledges a command id. The coordinator also uses it as a health probe.
type Ack struct {
	CmdID string `json:"cmd_id"`
}

// Error reports a node-side failure, or an unrecognized frame after Decode.
type Error struct {
	NodeID string `json:"node_id"`
	Code   string `json:"code"`
	Info   string `json:"info"`
}

// TestPattern schedules a synchronized pattern on a node. StartInMS is the
// remaining lead at the time of sending so the node can align its own clock.
type TestPattern struct {
	CmdID      string `json:"cmd_id"`
	Pattern    string `json:"pattern"`
	StartAt    uint32 `json:"start_at"`
	StartInMS  uint16 `json:"start_in_ms"`
	PeriodMS   uint16 `json:"period_ms"`
	DurationMS uint32 `json:"duration_ms"`
}

func (JoinRequest) Kind() Kind { return KindJoinRequest }
func (JoinAccept) Kind() Kind  { return KindJoinAccept }
func (SetLight) Kind() Kind    { return KindSetLight }
func (NodeStatus) Kind() Kind  { return KindNodeStatus }
func (Ack) Kind() Kind         { return KindAck }
func (Error) Kind() Kind       { return KindError }
func (TestPattern) Kind() Kind { return KindTestPattern }

func (m JoinRequest) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		JoinRequest
	}{KindJoinRequest, m}
}

func (m JoinAccept) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		JoinAccept
	}{KindJoinAccept, m}
}

func (m SetLight) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		SetLight
	}{KindSetLight, m}
}

func (m NodeStatus) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		NodeStatus
	}{KindNodeStatus, m}
}

func (m Ack) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		Ack
	}{KindAck, m}
}

func (m Error) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		Error
	}{KindError, m}
}

func (m TestPattern) wire() any {
	return struct {
		Msg Kind `json:"msg"`
		TestPattern
	}{KindTestPattern, m}
}
