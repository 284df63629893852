package web

import (
	"errors"
	"net/http"
	"sort"

	"smarttile-coordinator/internal/zones"
)

type zoneLight struct {
	LightID string `json:"light_id"`
	Active  bool   `json:"active"`
}

type zoneView struct {
	Zone   string      `json:"zone"`
	Lights []zoneLight `json:"lights"`
}

func (s *Server) zoneMapOr501(w http.ResponseWriter) bool {
	if s.zoneMap == nil {
		s.writeError(w, http.StatusNotImplemented, "zones not available")
		return false
	}
	return true
}

func (s *Server) handleAPIListZones(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	all := s.zoneMap.All()
	ids := make([]string, 0, len(all))
	for z := range all {
		ids = append(ids, z)
	}
	sort.Strings(ids)

	views := make([]zoneView, 0, len(ids))
	for _, z := range ids {
		v := zoneView{Zone: z, Lights: []zoneLight{}}
		for _, l := range all[z] {
			v.Lights = append(v.Lights, zoneLight{LightID: l, Active: s.zoneMap.IsLightActive(l)})
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPICreateZone(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	var req struct {
		Zone string `json:"zone"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Zone == "" {
		s.writeError(w, http.StatusBadRequest, "zone is required")
		return
	}
	if err := s.zoneMap.AddZone(req.Zone); err != nil {
		s.logger.Error("add zone", "zone", req.Zone, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "zone": req.Zone})
}

func (s *Server) handleAPIDeleteZone(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	s.writeZoneResult(w, "remove zone", s.zoneMap.RemoveZone(r.PathValue("zone")))
}

func (s *Server) handleAPIAddZoneLight(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	var req struct {
		LightID string `json:"light_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.LightID == "" {
		s.writeError(w, http.StatusBadRequest, "light_id is required")
		return
	}
	s.writeZoneResult(w, "add zone light", s.zoneMap.AddLight(r.PathValue("zone"), req.LightID))
}

func (s *Server) handleAPIRemoveZoneLight(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	s.writeZoneResult(w, "remove zone light", s.zoneMap.RemoveLight(r.PathValue("zone"), r.PathValue("light")))
}

func (s *Server) handleAPILightZones(w http.ResponseWriter, r *http.Request) {
	if !s.zoneMapOr501(w) {
		return
	}
	out := s.zoneMap.ZonesForLight(r.PathValue("light"))
	if out == nil {
		out = []string{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeZoneResult(w http.ResponseWriter, op string, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, zones.ErrUnknownZone):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
