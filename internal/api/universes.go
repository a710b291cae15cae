package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fortistate/inspector/internal/universe"
)

func (s *Server) handleUniverseList(w http.ResponseWriter, r *http.Request) {
	universes := s.universes.List()
	if universes == nil {
		universes = []*universe.Universe{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"universes": universes})
}

func (s *Server) handleUniverseVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.universes.GetVersion(chi.URLParam(r, "id"), chi.URLParam(r, "vid"))
	if err != nil {
		http.Error(w, "version not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleUniverseCreate accepts both forms: a canvas document (which also
// creates the first version) or bare metadata.
func (s *Server) handleUniverseCreate(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !readJSON(w, r, &raw) {
		return
	}

	var probe struct {
		Canvas json.RawMessage `json:"canvas"`
	}
	_ = json.Unmarshal(raw, &probe)

	if len(probe.Canvas) > 0 && string(probe.Canvas) != "null" {
		var req universe.CanvasRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		u, v, err := s.universes.SaveCanvas(&req)
		if err != nil {
			writeUniverseError(w, err)
			return
		}
		s.auditMutation(r, "universe:create", map[string]any{"id": u.ID, "versionId": v.ID})
		writeJSON(w, http.StatusCreated, map[string]any{"universe": u, "version": v})
		return
	}

	var req universe.MetaRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	u, err := s.universes.CreateMeta(&req)
	if err != nil {
		writeUniverseError(w, err)
		return
	}
	s.auditMutation(r, "universe:create", map[string]any{"id": u.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"universe": u})
}

func (s *Server) handleUniverseAddVersion(w http.ResponseWriter, r *http.Request) {
	var req universe.CanvasRequest
	if !readJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	u, v, err := s.universes.AddVersion(id, &req)
	if err != nil {
		writeUniverseError(w, err)
		return
	}
	s.auditMutation(r, "universe:add-version", map[string]any{"id": id, "versionId": v.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"universe": u, "version": v})
}

func (s *Server) handleUniverseLaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	launch, err := s.universes.QueueLaunch(id)
	if err != nil {
		writeUniverseError(w, err)
		return
	}
	s.auditMutation(r, "universe:launch", map[string]any{"id": id, "launchId": launch.LaunchID})
	writeJSON(w, http.StatusAccepted, launch)
}

func (s *Server) handleUniverseDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.universes.Delete(id); err != nil {
		writeUniverseError(w, err)
		return
	}
	s.auditMutation(r, "universe:delete", map[string]any{"id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func writeUniverseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, universe.ErrNotFound):
		http.Error(w, "universe not found", http.StatusNotFound)
	case errors.Is(err, universe.ErrBadInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
