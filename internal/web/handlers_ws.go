package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"smarttile-coordinator/internal/coordinator"

	"nhooyr.io/websocket"
)

const (
	snapshotEvent   = "snapshot"
	subscriberQueue = 64
	publishQueue    = 256
	wsWriteTimeout  = 10 * time.Second
)

// eventHub fans coordinator events out to websocket subscribers. Each
// subscriber may restrict itself to a set of event types.
type eventHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	join    chan *subscriber
	leave   chan *subscriber
	publish chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

type subscriber struct {
	conn  *websocket.Conn
	out   chan []byte
	types map[string]struct{} // nil means every type
}

// newSubscriber parses a comma separated list of event types; an empty list
// subscribes to everything.
func newSubscriber(conn *websocket.Conn, filter string) *subscriber {
	sub := &subscriber{conn: conn, out: make(chan []byte, subscriberQueue)}
	for _, t := range strings.Split(filter, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if sub.types == nil {
			sub.types = make(map[string]struct{})
		}
		sub.types[t] = struct{}{}
	}
	return sub
}

func (s *subscriber) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		subs:    make(map[*subscriber]struct{}),
		join:    make(chan *subscriber),
		leave:   make(chan *subscriber),
		publish: make(chan coordinator.Event, publishQueue),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (h *eventHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for sub := range h.subs {
				h.dropLocked(sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber joined", "subscribers", n)

		case sub := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				h.dropLocked(sub)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber left", "subscribers", n)

		case ev := <-h.publish:
			h.deliver(ev)
		}
	}
}

// deliver encodes ev at most once and hands it to every interested
// subscriber. A subscriber whose queue is full is dropped.
func (h *eventHub) deliver(ev coordinator.Event) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case sub.out <- data:
		default:
			h.dropLocked(sub)
			h.logger.Warn("ws subscriber dropped, queue full", "type", ev.Type)
		}
	}
}

func (h *eventHub) dropLocked(sub *subscriber) {
	delete(h.subs, sub)
	close(sub.out)
}

// Publish queues ev for delivery without blocking; events are dropped while
// the queue is full.
func (h *eventHub) Publish(ev coordinator.Event) {
	select {
	case h.publish <- ev:
	default:
		h.logger.Warn("ws publish queue full, dropping event", "type", ev.Type)
	}
}

// Stop shuts the hub down and closes every subscriber. Safe to call twice.
func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Subscribers returns the number of connected subscribers.
func (h *eventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// handleWS upgrades the request, sends the fleet snapshot and then streams
// events. ?events=node_status,deration limits the stream to those types.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	if err := s.writeSnapshot(r.Context(), conn); err != nil {
		s.logger.Debug("ws snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	sub := newSubscriber(conn, r.URL.Query().Get("events"))
	select {
	case s.hub.join <- sub:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go writeLoop(sub)
	s.readUntilClosed(sub)
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn) error {
	st, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(coordinator.Event{Type: snapshotEvent, Data: st})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func writeLoop(sub *subscriber) {
	for msg := range sub.out {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := sub.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// readUntilClosed discards inbound frames until the peer goes away or the
// hub stops, then detaches sub.
func (s *Server) readUntilClosed(sub *subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			break
		}
	}

	select {
	case s.hub.leave <- sub:
	case <-s.hub.done:
		sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
