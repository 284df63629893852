package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"smarttile-coordinator/internal/automation"
	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/thermal"
	"smarttile-coordinator/internal/zones"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithZones exposes zone editing on /api/zones.
func WithZones(m *zones.Map) ServerOption {
	return func(s *Server) {
		s.zoneMap = m
	}
}

// WithThermal exposes thermal readings and limits on /api/thermal.
func WithThermal(p *thermal.Policy) ServerOption {
	return func(s *Server) {
		s.thermal = p
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithCallTimeout bounds how long a request waits on the coordinator loop.
func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.callTimeout = d
	}
}

// Server is the JSON API and event stream for the fleet.
type Server struct {
	coord          *coordinator.Coordinator
	hub            *eventHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	zoneMap        *zones.Map
	thermal        *thermal.Policy
	version        string
	callTimeout    time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its WebSocket hub.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:       coord,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
		callTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newEventHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run()
	}()

	// Runs on the coordinator loop; Publish never blocks.
	s.unsubEvents = coord.Events().OnAll(s.hub.Publish)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("GET /api/nodes/{node}", s.handleAPIGetNode)
	s.mux.HandleFunc("DELETE /api/nodes/{node}", s.handleAPIDeleteNode)
	s.mux.HandleFunc("POST /api/pairing", s.handleAPIOpenPairing)
	s.mux.HandleFunc("DELETE /api/pairing", s.handleAPIClosePairing)
	s.mux.HandleFunc("GET /api/slots", s.handleAPISlots)
	s.mux.HandleFunc("POST /api/lights/{light}", s.handleAPISetLight)
	s.mux.HandleFunc("POST /api/zones/{zone}/presence", s.handleAPIPresence)
	s.mux.HandleFunc("GET /api/zones", s.handleAPIListZones)
	s.mux.HandleFunc("POST /api/zones", s.handleAPICreateZone)
	s.mux.HandleFunc("DELETE /api/zones/{zone}", s.handleAPIDeleteZone)
	s.mux.HandleFunc("POST /api/zones/{zone}/lights", s.handleAPIAddZoneLight)
	s.mux.HandleFunc("DELETE /api/zones/{zone}/lights/{light}", s.handleAPIRemoveZoneLight)
	s.mux.HandleFunc("GET /api/lights/{light}/zones", s.handleAPILightZones)
	s.mux.HandleFunc("GET /api/thermal", s.handleAPIThermal)
	s.mux.HandleFunc("PUT /api/thermal", s.handleAPISetThermalLimits)
	s.mux.HandleFunc("PUT /api/thermal/{node}", s.handleAPISetThermalLimits)
	s.mux.HandleFunc("POST /api/test-pattern", s.handleAPITestPattern)
	s.mux.HandleFunc("POST /api/button", s.handleAPIButton)
	s.mux.HandleFunc("POST /api/reset", s.handleAPIReset)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers, so only /api/ is
	// key-protected; the query parameter serves clients that cannot set one.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// do runs fn on the coordinator loop on behalf of r.
func (s *Server) do(r *http.Request, fn func() error) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()
	return s.coord.Do(ctx, fn)
}

// snapshot reads a consistent fleet status from the loop.
func (s *Server) snapshot(ctx context.Context) (coordinator.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	var st coordinator.Status
	err := s.coord.Do(ctx, func() error {
		st = s.coord.Snapshot()
		return nil
	})
	return st, err
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeCoordError maps coordinator errors onto HTTP statuses.
func (s *Server) writeCoordError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownLight),
		errors.Is(err, coordinator.ErrUnknownNode),
		errors.Is(err, coordinator.ErrUnknownZone):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrNoZoneMap):
		s.writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, coordinator.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "coordinator unavailable")
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
