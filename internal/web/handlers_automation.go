package web

import (
	"errors"
	"net/http"

	"smarttile-coordinator/internal/automation"
)

type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) runningScripts() map[string]bool {
	out := make(map[string]bool)
	if s.autoEngine == nil {
		return out
	}
	for _, id := range s.autoEngine.Running() {
		out[id] = true
	}
	return out
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.runningScripts()
	views := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, automationView{Script: sc, Running: running[sc.ID]})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// getScript writes a 404 and returns nil when id does not resolve.
func (s *Server) getScript(w http.ResponseWriter, id string) *automation.Script {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil
	}
	script, err := s.scriptMgr.Get(id)
	if err != nil {
		if !errors.Is(err, automation.ErrScriptNotFound) {
			s.logger.Warn("get script", "id", id, "err", err)
		}
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil
	}
	return script
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	script := s.getScript(w, r.PathValue("id"))
	if script == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, automationView{Script: script, Running: s.runningScripts()[script.ID]})
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// reload restarts or stops the script's VM to match its enabled flag.
// A script that fails to start is saved but reported back.
func (s *Server) reload(script *automation.Script) string {
	if s.autoEngine == nil {
		return ""
	}
	if !script.Meta.Enabled {
		s.autoEngine.StopScript(script.ID)
		return ""
	}
	if err := s.autoEngine.ReloadScript(script.ID); err != nil {
		s.logger.Warn("reload script", "id", script.ID, "err", err)
		return err.Error()
	}
	return ""
}

func (s *Server) writeSaved(w http.ResponseWriter, status int, saved *automation.Script) {
	resp := map[string]interface{}{"script": saved}
	if msg := s.reload(saved); msg != "" {
		resp["error"] = msg
	}
	resp["running"] = s.runningScripts()[saved.ID]
	s.writeJSON(w, status, resp)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotImplemented, "automations not available")
		return
	}
	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("create script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeSaved(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	existing := s.getScript(w, r.PathValue("id"))
	if existing == nil {
		return
	}
	var req saveAutomationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.logger.Error("update script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeSaved(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	script := s.getScript(w, r.PathValue("id"))
	if script == nil {
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeSaved(w, http.StatusOK, saved)
}

// handleAPIRunAutomation runs a stored script once, or the lua_code in the
// body when id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotImplemented, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}
