//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/wire"
)

var (
	errUnsupported = errors.New("unsupported command")
	errUnknownNode = errors.New("unknown node")
)

// topics builds the site/{site}/... topic tree.
type topics struct {
	site  string
	coord string
}

func (t topics) base() string { return "site/" + t.site }

func (t topics) nodeTelemetry(node string) string {
	return t.base() + "/node/" + node + "/telemetry"
}

func (t topics) nodeCommand(node string) string {
	return t.base() + "/node/" + node + "/cmd"
}

func (t topics) nodeCommands() string { return t.base() + "/node/+/cmd" }

func (t topics) lightState(light string) string {
	return t.base() + "/light/" + light + "/state"
}

func (t topics) coordTelemetry() string {
	return t.base() + "/coord/" + t.coord + "/telemetry"
}

func (t topics) coordStatus() string {
	return t.base() + "/coord/" + t.coord + "/status"
}

func (t topics) coordCommand() string {
	return t.base() + "/coord/" + t.coord + "/cmd"
}

// parseNodeCommand extracts {node} from site/{site}/node/{node}/cmd.
func (t topics) parseNodeCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.base()+"/node/")
	if !ok {
		return "", false
	}
	node, ok := strings.CutSuffix(rest, "/cmd")
	if !ok || node == "" || strings.Contains(node, "/") {
		return "", false
	}
	return node, true
}

// nodeCommand accepts both the backend vocabulary ({"cmd":"set_light",...})
// and Home Assistant's JSON light schema ({"state":"ON","brightness":128}).
type nodeCommand struct {
	Cmd        string   `json:"cmd"`
	State      string   `json:"state"`
	On         *bool    `json:"on"`
	Brightness *float64 `json:"brightness"` // 0..255
	Value      *float64 `json:"value"`      // 0..255
	Level      *float64 `json:"level"`      // 0..100
	Reason     string   `json:"reason"`
}

func scale255(v float64) uint8 {
	v = math.Max(0, math.Min(255, v))
	return uint8(math.Round(v * 100 / 255))
}

func clampPercent(v float64) uint8 {
	return uint8(math.Max(0, math.Min(100, math.Round(v))))
}

// percent resolves the requested brightness as 0..100.
func (c nodeCommand) percent() (uint8, error) {
	switch c.Cmd {
	case "off":
		return 0, nil
	case "set_brightness":
		if c.Value == nil {
			return 0, errors.New("set_brightness without value")
		}
		return scale255(*c.Value), nil
	case "set_light", "":
	default:
		return 0, fmt.Errorf("%w: %s", errUnsupported, c.Cmd)
	}

	on := true
	switch {
	case c.On != nil:
		on = *c.On
	case c.State != "":
		switch strings.ToUpper(c.State) {
		case "ON":
		case "OFF":
			on = false
		default:
			return 0, fmt.Errorf("invalid state %q", c.State)
		}
	case c.Cmd == "" && c.Brightness == nil && c.Level == nil:
		return 0, errors.New("empty command")
	}
	if !on {
		return 0, nil
	}
	switch {
	case c.Level != nil:
		return clampPercent(*c.Level), nil
	case c.Brightness != nil:
		return scale255(*c.Brightness), nil
	}
	return 100, nil
}

// resolveLight maps a topic node id (address or light id) to a light id.
func (b *Bridge) resolveLight(node string) (string, error) {
	dir := b.coord.Directory()
	if addr, err := wire.ParseAddress(node); err == nil {
		if rec, ok := dir.Get(addr); ok {
			return rec.LightID, nil
		}
		return "", fmt.Errorf("%w: %s", errUnknownNode, node)
	}
	if _, ok := dir.ByLight(node); ok {
		return node, nil
	}
	return "", fmt.Errorf("%w: %s", errUnknownNode, node)
}

func (b *Bridge) handleNodeCommand(ctx context.Context, node string, payload []byte) error {
	var cmd nodeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid command JSON: %w", err)
	}
	percent, err := cmd.percent()
	if err != nil {
		return err
	}
	light, err := b.resolveLight(node)
	if err != nil {
		return err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "mqtt"
	}
	return b.coord.Do(ctx, func() error {
		return b.coord.SetLight(light, percent, reason)
	})
}

type coordCommand struct {
	Cmd        string   `json:"cmd"`
	DurationMS int64    `json:"duration_ms"`
	NodeID     string   `json:"node_id"`
	Pattern    string   `json:"pattern"`
	Zone       string   `json:"zone"`
	Present    bool     `json:"present"`
	Level      *float64 `json:"level"`
	Button     string   `json:"button"`
}

func (b *Bridge) handleCoordCommand(ctx context.Context, payload []byte) error {
	var cmd coordCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid command JSON: %w", err)
	}
	c := b.coord

	var fn func() error
	switch cmd.Cmd {
	case "pair":
		d := time.Duration(cmd.DurationMS) * time.Millisecond
		fn = func() error { c.OpenPairingFor(d); return nil }
	case "stop_pairing":
		fn = func() error { c.ClosePairing(); return nil }
	case "unpair_node":
		addr, err := wire.ParseAddress(cmd.NodeID)
		if err != nil {
			rec, ok := c.Directory().ByLight(cmd.NodeID)
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownNode, cmd.NodeID)
			}
			addr = rec.Addr
		}
		fn = func() error { return c.RemoveNode(addr) }
	case "test_pattern":
		fn = func() error { _, err := c.StartTestPattern(cmd.Pattern); return err }
	case "reset":
		fn = c.FullReset
	case "presence":
		level := uint8(100)
		if cmd.Level != nil {
			level = clampPercent(*cmd.Level)
		}
		fn = func() error { return c.HandlePresence(cmd.Zone, cmd.Present, level) }
	case "button":
		kind, ok := coordinator.ParseButtonKind(cmd.Button)
		if !ok {
			return fmt.Errorf("unknown button %q", cmd.Button)
		}
		fn = func() error { return c.HandleButton(kind) }
	default:
		return fmt.Errorf("%w: %s", errUnsupported, cmd.Cmd)
	}
	b.logger.Info("coordinator command", "cmd", cmd.Cmd)
	return c.Do(ctx, fn)
}
