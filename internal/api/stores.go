package api

import (
	"encoding/json"
	"net/http"

	"github.com/fortistate/inspector/internal/protocol"
	"github.com/fortistate/inspector/internal/store"
)

func (s *Server) handleRemoteStores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.remote.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.hub.History()})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": s.reloader.Presets()})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	users := s.presence.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

type registerRequest struct {
	Key     string          `json:"key"`
	Initial json.RawMessage `json:"initial"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if req.Initial == nil {
		req.Initial = json.RawMessage("null")
	}

	s.upsertStore(req.Key, req.Initial)
	s.auditMutation(r, "register", map[string]any{"key": req.Key})
	s.hub.AppendHistory("register", map[string]any{"key": req.Key})
	writeJSON(w, http.StatusOK, map[string]any{"registered": req.Key})
}

type changeRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		req.Value = json.RawMessage("null")
	}

	s.upsertStore(req.Key, req.Value)
	s.auditMutation(r, "change", map[string]any{"key": req.Key})
	s.hub.AppendHistory("change", map[string]any{"key": req.Key})
	writeJSON(w, http.StatusOK, map[string]any{"changed": req.Key})
}

type applyPresetRequest struct {
	Name       string `json:"name"`
	TargetKey  string `json:"targetKey,omitempty"`
	InstallCSS bool   `json:"installCss,omitempty"`
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	var req applyPresetRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	preset, ok := s.reloader.FindPreset(req.Name)
	if !ok {
		http.Error(w, "preset not found", http.StatusNotFound)
		return
	}

	target := req.TargetKey
	if target == "" {
		target = preset.Name
	}
	value := preset.Value
	if value == nil {
		value = json.RawMessage("null")
	}
	s.upsertStore(target, value)

	s.auditMutation(r, "apply-preset", map[string]any{"preset": req.Name, "key": target})
	s.hub.AppendHistory("apply-preset", map[string]any{"preset": req.Name, "key": target})

	resp := map[string]any{"applied": preset.Name, "key": target}
	if req.InstallCSS && preset.CSS != "" {
		resp["css"] = preset.CSS
	}
	writeJSON(w, http.StatusOK, resp)
}

type duplicateRequest struct {
	Key    string `json:"key"`
	NewKey string `json:"newKey,omitempty"`
}

func (s *Server) handleDuplicateStore(w http.ResponseWriter, r *http.Request) {
	var req duplicateRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	src := s.factory.Get(req.Key)
	if src == nil {
		http.Error(w, "store not found", http.StatusNotFound)
		return
	}

	dest := req.NewKey
	if dest == "" {
		dest = req.Key + "-copy"
	}
	if s.factory.Has(dest) {
		http.Error(w, "destination exists", http.StatusBadRequest)
		return
	}

	// The duplicate frame precedes the create of the destination.
	s.hub.Broadcast(protocol.NewStoreDuplicate(req.Key, dest))
	value := src.Get()
	s.factory.Create(dest, value)
	s.remote.Set(dest, value)

	s.auditMutation(r, "duplicate-store", map[string]any{"key": req.Key, "newKey": dest})
	s.hub.AppendHistory("duplicate-store", map[string]any{"key": req.Key, "newKey": dest})
	writeJSON(w, http.StatusOK, map[string]any{"sourceKey": req.Key, "destKey": dest})
}

type swapRequest struct {
	KeyA string `json:"keyA"`
	KeyB string `json:"keyB"`
}

func (s *Server) handleSwapStores(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.KeyA == "" || req.KeyB == "" {
		http.Error(w, "keyA and keyB required", http.StatusBadRequest)
		return
	}
	a, b := s.factory.Get(req.KeyA), s.factory.Get(req.KeyB)
	if a == nil || b == nil {
		http.Error(w, "store not found", http.StatusNotFound)
		return
	}

	av, bv := a.Get(), b.Get()
	a.Set(bv)
	b.Set(av)
	s.remote.Set(req.KeyA, bv)
	s.remote.Set(req.KeyB, av)

	s.auditMutation(r, "swap-stores", map[string]any{"keyA": req.KeyA, "keyB": req.KeyB})
	s.hub.AppendHistory("swap-stores", map[string]any{"keyA": req.KeyA, "keyB": req.KeyB})
	writeJSON(w, http.StatusOK, map[string]any{"swapped": []string{req.KeyA, req.KeyB}})
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleMoveStore(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		http.Error(w, "from and to required", http.StatusBadRequest)
		return
	}
	src := s.factory.Get(req.From)
	if src == nil {
		http.Error(w, "store not found", http.StatusNotFound)
		return
	}
	if s.factory.Has(req.To) {
		http.Error(w, "destination exists", http.StatusBadRequest)
		return
	}

	value := src.Get()
	s.factory.Create(req.To, value)
	s.remote.Set(req.To, value)
	s.factory.Delete(req.From)
	s.remote.Delete(req.From)
	s.hub.Broadcast(protocol.NewStoreChange(req.From, json.RawMessage("null")))

	s.auditMutation(r, "move-store", map[string]any{"from": req.From, "to": req.To})
	s.hub.AppendHistory("move-store", map[string]any{"from": req.From, "to": req.To})
	writeJSON(w, http.StatusOK, map[string]any{"from": req.From, "to": req.To})
}

// upsertStore writes a value into the primitive (creating on first sight) and
// mirrors it to the remote registry. Broadcasts come from the factory
// subscriptions, so each mutation yields exactly one frame.
func (s *Server) upsertStore(key string, value store.Value) {
	if existing := s.factory.Get(key); existing != nil {
		existing.Set(value)
	} else {
		s.factory.Create(key, value)
	}
	s.remote.Set(key, value)
}

func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	s.telemetry.ServeStream(w, r)
}

func (s *Server) handleTelemetryPublish(w http.ResponseWriter, r *http.Request) {
	var entry json.RawMessage
	if !readJSON(w, r, &entry) {
		return
	}
	if len(entry) == 0 {
		entry = json.RawMessage("{}")
	}
	s.telemetry.Publish(entry)
	s.auditMutation(r, "telemetry:publish", nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"buffered": true})
}
