package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"smarttile-coordinator/internal/coordinator"

	"nhooyr.io/websocket"
)

func startHub(t *testing.T) *eventHub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := newEventHub(logger)
	go h.run()
	t.Cleanup(h.Stop)
	return h
}

func waitSubscribers(t *testing.T, h *eventHub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Subscribers(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// recv returns the next queued message for sub, or "" when none arrives.
func recv(sub *subscriber) string {
	select {
	case msg, ok := <-sub.out:
		if !ok {
			return ""
		}
		var ev coordinator.Event
		if json.Unmarshal(msg, &ev) != nil {
			return ""
		}
		return ev.Type
	case <-time.After(50 * time.Millisecond):
		return ""
	}
}

func TestSubscriberFilter(t *testing.T) {
	tests := []struct {
		filter string
		want   map[string]bool
	}{
		{"", map[string]bool{"node_status": true, "pairing": true}},
		{"node_status", map[string]bool{"node_status": true, "pairing": false}},
		{" node_status , deration,", map[string]bool{"node_status": true, "deration": true, "pairing": false}},
		{",,", map[string]bool{"pairing": true}},
	}
	for _, tt := range tests {
		sub := newSubscriber(nil, tt.filter)
		for typ, want := range tt.want {
			if got := sub.wants(typ); got != want {
				t.Errorf("filter %q wants(%q) = %v, want %v", tt.filter, typ, got, want)
			}
		}
	}
}

func TestEventHubJoinLeave(t *testing.T) {
	h := startHub(t)
	sub := newSubscriber(nil, "")
	h.join <- sub
	waitSubscribers(t, h, 1)

	h.leave <- sub
	waitSubscribers(t, h, 0)
	if _, ok := <-sub.out; ok {
		t.Error("queue should be closed after leaving")
	}

	// A subscriber the hub never saw keeps its queue open.
	stray := newSubscriber(nil, "")
	h.leave <- stray
	waitSubscribers(t, h, 0)
	select {
	case stray.out <- []byte("x"):
	default:
		t.Error("unknown subscriber's queue was closed")
	}
}

func TestEventHubDeliversByType(t *testing.T) {
	h := startHub(t)
	all := newSubscriber(nil, "")
	status := newSubscriber(nil, coordinator.EventNodeStatus)
	h.join <- all
	h.join <- status
	waitSubscribers(t, h, 2)

	h.Publish(coordinator.Event{Type: coordinator.EventPairing})
	h.Publish(coordinator.Event{Type: coordinator.EventNodeStatus})

	if got := recv(all); got != coordinator.EventPairing {
		t.Errorf("all: first = %q", got)
	}
	if got := recv(all); got != coordinator.EventNodeStatus {
		t.Errorf("all: second = %q", got)
	}
	if got := recv(status); got != coordinator.EventNodeStatus {
		t.Errorf("filtered: first = %q, want node_status only", got)
	}
	if got := recv(status); got != "" {
		t.Errorf("filtered: unexpected %q", got)
	}
}

func TestEventHubDropsFullSubscriber(t *testing.T) {
	h := startHub(t)
	slow := &subscriber{out: make(chan []byte, 1)}
	fast := newSubscriber(nil, "")
	// A full queue only matters for events the subscriber asked for.
	other := &subscriber{out: make(chan []byte), types: map[string]struct{}{"ack": {}}}
	h.join <- slow
	h.join <- fast
	h.join <- other
	waitSubscribers(t, h, 3)

	h.Publish(coordinator.Event{Type: coordinator.EventPairing})
	h.Publish(coordinator.Event{Type: coordinator.EventPairing})
	waitSubscribers(t, h, 2)

	h.mu.RLock()
	_, slowIn := h.subs[slow]
	_, fastIn := h.subs[fast]
	_, otherIn := h.subs[other]
	h.mu.RUnlock()
	if slowIn || !fastIn || !otherIn {
		t.Errorf("slow=%v fast=%v other=%v, want only slow dropped", slowIn, fastIn, otherIn)
	}
}

func TestEventHubPublishNeverBlocks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := newEventHub(logger) // not running, so nothing drains
	done := make(chan struct{})
	go func() {
		for i := 0; i <= publishQueue; i++ {
			h.Publish(coordinator.Event{Type: coordinator.EventAck})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestEventHubStop(t *testing.T) {
	h := startHub(t)
	sub := newSubscriber(nil, "")
	h.join <- sub
	waitSubscribers(t, h, 1)

	h.Stop()
	h.Stop()
	select {
	case _, ok := <-sub.out:
		if ok {
			t.Error("unexpected message after stop")
		}
	case <-time.After(time.Second):
		t.Error("queue not closed on stop")
	}
}

func TestWSStreamsSnapshotThenEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var first struct {
		Type string             `json:"type"`
		Data coordinator.Status `json:"data"`
	}
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "snapshot" || len(first.Data.Nodes) != 1 {
		t.Fatalf("first message = %s", data)
	}

	for env.srv.hub.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := env.request(t, "POST", "/api/pairing", ""); w.Code != 200 {
		t.Fatalf("open pairing: status = %d", w.Code)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("no pairing event: %v", err)
		}
		var ev coordinator.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != coordinator.EventPairing {
			continue
		}
		payload, _ := ev.Data.(map[string]interface{})
		if payload["active"] != true {
			t.Errorf("pairing event = %s", data)
		}
		return
	}
}

func TestWSRejectsForeignOrigin(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"panel.local"}))
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: map[string][]string{"Origin": {"http://evil.example"}}}
	if conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", opts); err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial from foreign origin succeeded")
	}
}

func TestWSEventFilter(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?events=" + coordinator.EventLightCommand
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The snapshot is sent regardless of the filter.
	var ev coordinator.Event
	if _, data, err := conn.Read(ctx); err != nil {
		t.Fatal(err)
	} else if err := json.Unmarshal(data, &ev); err != nil || ev.Type != "snapshot" {
		t.Fatalf("first message = %s", data)
	}
	waitSubscribers(t, env.srv.hub, 1)

	// Pairing events are filtered out; the light event comes through first.
	if w := env.request(t, "POST", "/api/pairing", ""); w.Code != 200 {
		t.Fatalf("open pairing: status = %d", w.Code)
	}
	if w := env.request(t, "POST", "/api/lights/LDDEEFF", `{"level": 40}`); w.Code != 200 {
		t.Fatalf("set light: status = %d", w.Code)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != coordinator.EventLightCommand {
		t.Errorf("next message = %s, want a %s event", data, coordinator.EventLightCommand)
	}
}
