package wire

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    Address
		wantErr bool
	}{
		{"AA:BB:CC:DD:EE:FF", Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, false},
		{"aa:bb:cc:dd:ee:ff", Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, false},
		{"00:11:22:33:44:55", Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, false},
		{"Ff:fF:00:0a:0B:1c", Address{0xFF, 0xFF, 0x00, 0x0A, 0x0B, 0x1C}, false},
		{"AA:BB:CC:DD:EE", Address{}, true},
		{"AA:BB:CC:DD:EE:FF:00", Address{}, true},
		{"AA:BB:CC:DD:EE:GG", Address{}, true},
		{"AABBCCDDEEFF", Address{}, true},
		{"A:BB:CC:DD:EE:FF", Address{}, true},
		{"AAA:BB:CC:DD:EE:F", Address{}, true},
		{"", Address{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addrs := []Address{
		{},
		Broadcast,
		{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		{0x7F, 0x80, 0x00, 0xFE, 0x0F, 0xF0},
	}
	for _, a := range addrs {
		text := a.String()
		if text != strings.ToUpper(text) {
			t.Errorf("String() = %q, want uppercase", text)
		}
		got, err := ParseAddress(text)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", text, err)
		}
		if got != a {
			t.Errorf("round trip %v -> %q -> %v", a, text, got)
		}
		lower, err := ParseAddress(strings.ToLower(text))
		if err != nil || lower != a {
			t.Errorf("lowercase round trip %q -> %v, %v", text, lower, err)
		}
	}
}

func TestAddressCompareAndSuffix(t *testing.T) {
	a := Address{0x00, 0, 0, 0, 0, 1}
	b := Address{0x00, 0, 0, 0, 0, 2}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Error("Compare ordering is wrong")
	}
	if s := (Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}).Suffix(); s != "DDEEFF" {
		t.Errorf("Suffix = %q, want DDEEFF", s)
	}
	if !Broadcast.IsBroadcast() || (Address{}).IsBroadcast() {
		t.Error("IsBroadcast is wrong")
	}
}

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		&JoinRequest{MAC: "AA:BB:CC:DD:EE:FF", Caps: Capabilities{PWM: true, TempSPI: true, RGBW: true, LEDCount: 4}, FW: "1.2.3", Token: "abc"},
		&JoinRequest{},
		&JoinAccept{NodeID: "AA:BB:CC:DD:EE:FF", LightID: "LDDEEFF", LMK: "k", WifiChannel: 1, Cfg: JoinConfig{PWMFreq: 1000, RxWindowMS: 20, RxPeriodMS: 100}},
		&SetLight{CmdID: "1-DDEEFF", LightID: "LDDEEFF", W: 255, Value: 255, FadeMS: 65535, Reason: "presence", TTLMS: 1500, OverrideStatus: true},
		&SetLight{LightID: "L1", TTLMS: 0},
		&NodeStatus{NodeID: "n", LightID: "l", TempC: 41.25, AvgR: 1, AvgG: 2, AvgB: 3, AvgW: 255, StatusMode: "operational", ButtonPressed: true, VbatMV: 3300, FW: "0.9", TS: 4294967295},
		&NodeStatus{TempC: -12.5},
		&Ack{CmdID: "probe-100"},
		&Error{NodeID: "n", Code: "overheat", Info: "92C"},
		&TestPattern{CmdID: "tp", Pattern: "chase", StartAt: 1300, StartInMS: 300, PeriodMS: 500, DurationMS: 5000},
	}
	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			data, err := Encode(m)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) > MaxFrameSize {
				t.Errorf("encoded %d bytes, exceeds frame size", len(data))
			}
			if k := Classify(data); k != m.Kind() {
				t.Errorf("Classify = %q, want %q", k, m.Kind())
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("round trip mismatch:\n got  %#v\n want %#v", got, m)
			}
		})
	}
}

func TestEncodeValueAndPointer(t *testing.T) {
	a, err := Encode(Ack{CmdID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(&Ack{CmdID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("value %s != pointer %s", a, b)
	}
	if string(a) != `{"msg":"ack","cmd_id":"x"}` {
		t.Errorf("unexpected encoding %s", a)
	}
}

func TestEncodeOmitsEmptyReason(t *testing.T) {
	data, err := Encode(SetLight{LightID: "L1", TTLMS: DefaultTTL})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "reason") {
		t.Errorf("empty reason should be omitted: %s", data)
	}
}

func TestDecodeDefaultsAndClamping(t *testing.T) {
	m, err := Decode([]byte(`{"msg":"set_light","light_id":"L1","value":300,"fade_ms":-5,"extra":{"deep":[1,2]}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sl, ok := m.(*SetLight)
	if !ok {
		t.Fatalf("got %T, want *SetLight", m)
	}
	if sl.Value != 255 {
		t.Errorf("Value = %d, want clamped 255", sl.Value)
	}
	if sl.FadeMS != 0 {
		t.Errorf("FadeMS = %d, want 0 for negative input", sl.FadeMS)
	}
	if sl.TTLMS != DefaultTTL {
		t.Errorf("TTLMS = %d, want default %d", sl.TTLMS, DefaultTTL)
	}
	if sl.Reason != "" || sl.CmdID != "" {
		t.Errorf("missing strings should be empty, got reason=%q cmd_id=%q", sl.Reason, sl.CmdID)
	}
}

func TestDecodeMistypedFields(t *testing.T) {
	m, err := Decode([]byte(`{"msg":"node_status","node_id":42,"temp_c":"hot","vbat_mv":70000,"ts":1.9,"avg_r":12.7}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	st := m.(*NodeStatus)
	if st.NodeID != "" {
		t.Errorf("NodeID = %q, want empty for non-string", st.NodeID)
	}
	if st.TempC != 0 {
		t.Errorf("TempC = %v, want 0 for non-number", st.TempC)
	}
	if st.VbatMV != 65535 {
		t.Errorf("VbatMV = %d, want 65535", st.VbatMV)
	}
	if st.TS != 1 || st.AvgR != 12 {
		t.Errorf("fractions should truncate: ts=%d avg_r=%d", st.TS, st.AvgR)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"truncated", `{"msg":"ack","cmd_id":"x"`, ErrMalformed},
		{"not json", `hello`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"empty", ``, ErrMalformed},
		{"no msg", `{"cmd_id":"x"}`, ErrMissingDiscriminator},
		{"numeric msg", `{"msg":5}`, ErrMissingDiscriminator},
		{"empty msg", `{"msg":""}`, ErrMissingDiscriminator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode(%q) error = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestDecodeUnknownDiscriminator(t *testing.T) {
	m, err := Decode([]byte(`{"msg":"reboot","node_id":"x"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e, ok := m.(*Error)
	if !ok {
		t.Fatalf("got %T, want *Error", m)
	}
	if e.Code != CodeUnknownMessage || e.Info != "reboot" {
		t.Errorf("got %+v", e)
	}
}

func TestDecodeOversizedInput(t *testing.T) {
	big := `{"msg":"ack","cmd_id":"` + strings.Repeat("z", 4096) + `"}`
	m, err := Decode([]byte(big))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.(*Ack).CmdID) != 4096 {
		t.Error("cmd_id not preserved")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
	}{
		{`{"msg":"join_request","mac":"x"}`, KindJoinRequest},
		{`{"msg":"node_status"}`, KindNodeStatus},
		{`{"msg":"test_pattern"}`, KindTestPattern},
		{`{"msg":"bogus"}`, KindUnknown},
		{`{"cmd_id":"x"}`, KindInvalid},
		{`{"msg":`, KindInvalid},
		{``, KindInvalid},
	}
	for _, tt := range tests {
		if got := Classify([]byte(tt.input)); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
