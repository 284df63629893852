package web

import (
	"net/http"

	"smarttile-coordinator/internal/thermal"
)

type thermalNodeView struct {
	Address       string           `json:"address"`
	LightID       string           `json:"light_id"`
	DerationLevel uint8            `json:"deration_level"`
	Reading       *thermal.Reading `json:"reading,omitempty"`
}

func (s *Server) handleAPIThermal(w http.ResponseWriter, r *http.Request) {
	if s.thermal == nil {
		s.writeError(w, http.StatusNotImplemented, "thermal policy not available")
		return
	}
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.writeCoordError(w, "thermal", err)
		return
	}
	nodes := make([]thermalNodeView, 0, len(st.Nodes))
	for _, nv := range st.Nodes {
		v := thermalNodeView{Address: nv.Addr.String(), LightID: nv.LightID, DerationLevel: nv.DerationLevel}
		if rd, ok := s.thermal.Reading(nv.Addr); ok {
			v.Reading = &rd
		}
		nodes = append(nodes, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"limits": s.thermal.GlobalLimits(),
		"nodes":  nodes,
	})
}

// handleAPISetThermalLimits replaces the global curve, or one node's curve
// when the path names a node, then re-applies the caps it moved.
func (s *Server) handleAPISetThermalLimits(w http.ResponseWriter, r *http.Request) {
	if s.thermal == nil {
		s.writeError(w, http.StatusNotImplemented, "thermal policy not available")
		return
	}
	var limits thermal.Limits
	if !s.decodeJSON(w, r, &limits) {
		return
	}

	var err error
	if id := r.PathValue("node"); id != "" {
		rec, ok := s.lookupNode(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		err = s.thermal.SetNodeLimits(rec.Addr, limits)
	} else {
		err = s.thermal.SetGlobalLimits(limits)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.do(r, func() error { s.coord.RefreshDeration(); return nil }); err != nil {
		s.writeCoordError(w, "refresh deration", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "limits": limits})
}
