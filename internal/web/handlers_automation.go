package web

import (
	"errors"
	"net/http"
	"strings"

	"pulsemeter-gateway/internal/automation"
)

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

// withRunning marks scripts that currently have a live VM.
func (s *Server) withRunning(scripts ...*automation.Script) {
	if s.autoEngine == nil {
		return
	}
	for _, sc := range scripts {
		sc.Running = s.autoEngine.IsRunning(sc.ID)
	}
}

func (s *Server) writeScriptError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, automation.ErrScriptNotFound) {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	if errors.Is(err, automation.ErrInvalidScriptID) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error(op, "id", id, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeScriptError(w, "list scripts", "", err)
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.withRunning(scripts...)
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	script, err := s.scriptMgr.Get(id)
	if err != nil {
		s.writeScriptError(w, "get script", id, err)
		return
	}
	s.withRunning(script)
	s.writeJSON(w, http.StatusOK, script)
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	var req saveAutomationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		Code: req.Code,
	})
	if err != nil {
		s.writeScriptError(w, "create script", "", err)
		return
	}
	s.applyScriptState(saved)
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	existing, err := s.scriptMgr.Get(id)
	if err != nil {
		s.writeScriptError(w, "get script", id, err)
		return
	}

	var req saveAutomationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.Code = req.Code

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeScriptError(w, "update script", id, err)
		return
	}
	s.applyScriptState(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

// applyScriptState restarts an enabled script and stops a disabled one. A
// script that fails to load is saved anyway and reported as not running.
func (s *Server) applyScriptState(sc *automation.Script) {
	if sc.Meta.Enabled {
		if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
			s.logger.Warn("reload script", "id", sc.ID, "err", err)
		}
	} else {
		s.autoEngine.StopScript(sc.ID)
	}
	s.withRunning(sc)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, "delete script", id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIEnableAutomation(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.automationsAvailable(w) {
			return
		}
		id := r.PathValue("id")
		saved, err := s.scriptMgr.SetEnabled(id, enabled)
		if err != nil {
			s.writeScriptError(w, "toggle script", id, err)
			return
		}
		s.applyScriptState(saved)
		s.writeJSON(w, http.StatusOK, saved)
	}
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(r.PathValue("id")))
}

func (s *Server) handleAPIRunCode(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunCode(req.Code))
}
