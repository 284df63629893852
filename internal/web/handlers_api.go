package web

import (
	"fmt"
	"net/http"
	"time"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/wire"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.writeCoordError(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.writeCoordError(w, "list nodes", err)
		return
	}
	nodes := st.Nodes
	if nodes == nil {
		nodes = []coordinator.NodeView{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// lookupNode resolves a path segment holding an address or a light id.
func (s *Server) lookupNode(id string) (directory.Record, bool) {
	dir := s.coord.Directory()
	if addr, err := wire.ParseAddress(id); err == nil {
		return dir.Get(addr)
	}
	return dir.ByLight(id)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupNode(r.PathValue("node"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.writeCoordError(w, "get node", err)
		return
	}
	for _, nv := range st.Nodes {
		if nv.Addr == rec.Addr {
			s.writeJSON(w, http.StatusOK, nv)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "node not found")
}

func (s *Server) handleAPIDeleteNode(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupNode(r.PathValue("node"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err := s.do(r, func() error { return s.coord.RemoveNode(rec.Addr) }); err != nil {
		s.writeCoordError(w, "remove node", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "address": rec.Addr.String()})
}

type pairingRequest struct {
	DurationMS int64 `json:"duration_ms"`
}

func (s *Server) handleAPIOpenPairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.DurationMS < 0 {
		s.writeError(w, http.StatusBadRequest, "duration_ms must not be negative")
		return
	}

	var remaining time.Duration
	err := s.do(r, func() error {
		s.coord.OpenPairingFor(time.Duration(req.DurationMS) * time.Millisecond)
		remaining = s.coord.Directory().PairingRemaining()
		return nil
	})
	if err != nil {
		s.writeCoordError(w, "open pairing", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"remaining_ms": remaining.Milliseconds(),
	})
}

func (s *Server) handleAPIClosePairing(w http.ResponseWriter, r *http.Request) {
	if err := s.do(r, func() error { s.coord.ClosePairing(); return nil }); err != nil {
		s.writeCoordError(w, "close pairing", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPISlots(w http.ResponseWriter, r *http.Request) {
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.writeCoordError(w, "slots", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"slots":          st.Slots,
		"pairing_active": st.PairingActive,
	})
}

type setLightRequest struct {
	Level  *float64 `json:"level"`
	Reason string   `json:"reason"`
}

func (s *Server) handleAPISetLight(w http.ResponseWriter, r *http.Request) {
	light := r.PathValue("light")
	var req setLightRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Level == nil {
		s.writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	level, err := percent(*req.Level)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "api"
	}

	if err := s.do(r, func() error { return s.coord.SetLight(light, level, reason) }); err != nil {
		s.writeCoordError(w, "set light", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "light_id": light, "level": level})
}

type presenceRequest struct {
	Present bool     `json:"present"`
	Level   *float64 `json:"level"`
}

func (s *Server) handleAPIPresence(w http.ResponseWriter, r *http.Request) {
	zone := r.PathValue("zone")
	var req presenceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	level := uint8(100)
	if req.Level != nil {
		var err error
		if level, err = percent(*req.Level); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.do(r, func() error { return s.coord.HandlePresence(zone, req.Present, level) }); err != nil {
		s.writeCoordError(w, "presence", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type testPatternRequest struct {
	Pattern string `json:"pattern"`
}

func (s *Server) handleAPITestPattern(w http.ResponseWriter, r *http.Request) {
	var req testPatternRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	var n int
	err := s.do(r, func() error {
		var err error
		n, err = s.coord.StartTestPattern(req.Pattern)
		return err
	})
	if err != nil {
		s.writeCoordError(w, "test pattern", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "nodes": n})
}

type buttonRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleAPIButton(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	kind, ok := coordinator.ParseButtonKind(req.Kind)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown button kind %q", req.Kind))
		return
	}
	if err := s.do(r, func() error { return s.coord.HandleButton(kind) }); err != nil {
		s.writeCoordError(w, "button", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "kind": string(kind)})
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	if err := s.do(r, s.coord.FullReset); err != nil {
		s.writeCoordError(w, "reset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// percent validates a 0..100 level and rounds it.
func percent(v float64) (uint8, error) {
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("level %v out of range 0..100", v)
	}
	return uint8(v + 0.5), nil
}
