//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/wire"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker    string
	Username  string
	Password  string
	ClientID  string
	Site      string
	CoordID   string
	Discovery bool // publish Home Assistant discovery for paired lights
	Version   string
}

// Bridge publishes fleet telemetry to MQTT and turns command topics into
// coordinator calls. It implements coordinator.TelemetrySink.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	topics topics
	cfg    Config
	logger *slog.Logger
	unsub  func()

	mu     sync.Mutex
	lights map[string]uint8 // light id -> last published value
}

// New creates a bridge. The broker connection is made by Start so the
// bridge can be handed to the coordinator as a telemetry sink first.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "coord-" + cfg.CoordID
	}
	return &Bridge{
		topics: topics{site: cfg.Site, coord: cfg.CoordID},
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		lights: make(map[string]uint8),
	}
}

// Start connects to the broker, subscribes to command topics and begins
// forwarding coordinator events.
func (b *Bridge) Start(coord *coordinator.Coordinator) error {
	b.coord = coord

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.coordStatus(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", b.cfg.Broker)
			b.publish(b.topics.coordStatus(), []byte("online"), true)
			b.subscribeCommands()
			b.publishCoordTelemetry()
			if b.cfg.Discovery {
				b.publishAllDiscovery()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	// The client is published before Connect so the on-connect handler and
	// later reconnects see it.
	client := pahomqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.unsub = coord.Events().OnAll(b.handleEvent)

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", b.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.logger.Info("MQTT bridge started", "site", b.cfg.Site, "coord", b.cfg.CoordID)
	return nil
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	client := b.currentClient()
	if client == nil {
		return
	}
	b.publish(b.topics.coordStatus(), []byte("offline"), true)
	client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) currentClient() pahomqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// PublishLightState publishes the commanded value of a light.
func (b *Bridge) PublishLightState(lightID string, value uint8) {
	b.mu.Lock()
	b.lights[lightID] = value
	b.mu.Unlock()
	b.publish(b.topics.lightState(lightID), lightStatePayload(lightID, value), true)
}

// PublishNodeStatus forwards a node status report as node telemetry.
func (b *Bridge) PublishNodeStatus(addr wire.Address, st wire.NodeStatus) {
	if st.NodeID == "" {
		st.NodeID = addr.String()
	}
	b.publish(b.topics.nodeTelemetry(addr.String()), mustJSON(st), false)
}

type lightState struct {
	LightID    string `json:"light_id"`
	State      string `json:"state"`
	Brightness uint8  `json:"brightness"`
}

func lightStatePayload(lightID string, value uint8) []byte {
	st := lightState{LightID: lightID, State: "OFF", Brightness: value}
	if value > 0 {
		st.State = "ON"
	}
	return mustJSON(st)
}

// handleEvent runs on the coordinator loop and must not block.
func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventNodeRegistered:
		b.publishCoordTelemetry()
		if b.cfg.Discovery {
			if light, addr, ok := eventLight(event); ok {
				b.publishDiscovery(light, addr)
			}
		}
	case coordinator.EventNodeEvicted:
		b.publishCoordTelemetry()
		if light, _, ok := eventLight(event); ok {
			b.mu.Lock()
			delete(b.lights, light)
			b.mu.Unlock()
			if b.cfg.Discovery {
				for _, msg := range buildRemoveDiscovery(light) {
					b.publish(msg.Topic, msg.Payload, true)
				}
			}
		}
	case coordinator.EventPairing, coordinator.EventReset:
		b.publishCoordTelemetry()
	}
}

func eventLight(event coordinator.Event) (light, addr string, ok bool) {
	data, isMap := event.Data.(map[string]interface{})
	if !isMap {
		return "", "", false
	}
	light, _ = data["light_id"].(string)
	addr, _ = data["address"].(string)
	return light, addr, light != ""
}

type coordTelemetry struct {
	TS            int64  `json:"ts"`
	FW            string `json:"fw"`
	CoordID       string `json:"coord_id"`
	SiteID        string `json:"site_id"`
	Nodes         int    `json:"nodes"`
	PairingActive bool   `json:"pairing_active"`
}

func (b *Bridge) publishCoordTelemetry() {
	if b.coord == nil {
		return
	}
	dir := b.coord.Directory()
	t := coordTelemetry{
		TS:            time.Now().Unix(),
		FW:            b.cfg.Version,
		CoordID:       b.cfg.CoordID,
		SiteID:        b.cfg.Site,
		Nodes:         dir.Len(),
		PairingActive: dir.IsPairingActive(),
	}
	b.publish(b.topics.coordTelemetry(), mustJSON(t), false)
}

func (b *Bridge) publishAllDiscovery() {
	for _, rec := range b.coord.Directory().List() {
		b.publishDiscovery(rec.LightID, rec.Addr.String())
	}
}

func (b *Bridge) publishDiscovery(light, addr string) {
	for _, msg := range buildDiscovery(light, addr, b.topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "light", light)
}

func (b *Bridge) subscribeCommands() {
	client := b.currentClient()
	if client == nil {
		return
	}
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	}
	client.Subscribe(b.topics.nodeCommands(), 1, handler)
	client.Subscribe(b.topics.coordCommand(), 1, handler)
}

// handleMessage runs on a paho goroutine. Coordinator state is only
// touched through Do.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	if b.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	if node, ok := b.topics.parseNodeCommand(topic); ok {
		if err := b.handleNodeCommand(ctx, node, payload); err != nil {
			b.logger.Warn("node command failed", "node", node, "err", err)
		}
		return
	}
	if topic == b.topics.coordCommand() {
		if err := b.handleCoordCommand(ctx, payload); err != nil {
			b.logger.Warn("coordinator command failed", "err", err)
		}
		return
	}
	b.logger.Debug("ignoring message", "topic", topic)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	client := b.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	token := client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
