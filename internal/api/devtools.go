package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// legacyTokenFile is the dev-helper token document under the root.
const legacyTokenFile = ".fortistate-inspector-token"

const editorProbeTimeout = time.Second

// ReadLegacyTokenFile loads the persisted legacy token, or "".
func ReadLegacyTokenFile(root string) string {
	data, err := os.ReadFile(filepath.Join(root, legacyTokenFile))
	if err != nil {
		return ""
	}
	var doc struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Token
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"configured": s.enforcer.LegacyToken() != ""})
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}

	doc, _ := json.Marshal(map[string]string{"token": req.Token})
	if err := os.WriteFile(filepath.Join(s.cfg.Root, legacyTokenFile), doc, 0o600); err != nil {
		http.Error(w, "failed to persist token", http.StatusInternalServerError)
		return
	}
	s.enforcer.SetLegacyToken(req.Token)

	s.auditMutation(r, "set-token", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// editorCandidates are tried in order; the first whose probe answers within
// the timeout gets the open command.
var editorCandidates = []string{"code", "subl", "idea"}

func (s *Server) handleOpenSource(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowOpen {
		http.Error(w, "open-in-editor disabled", http.StatusForbidden)
		return
	}
	var req struct {
		Path string `json:"path"`
		Line int    `json:"line,omitempty"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	target := req.Path
	if req.Line > 0 {
		target = fmt.Sprintf("%s:%d", req.Path, req.Line)
	}

	for _, editor := range editorCandidates {
		if _, err := exec.LookPath(editor); err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), editorProbeTimeout)
		probeErr := exec.CommandContext(ctx, editor, "--version").Run()
		cancel()
		if probeErr != nil {
			continue
		}

		args := []string{target}
		if editor == "code" {
			args = []string{"-g", target}
		}
		if err := exec.Command(editor, args...).Start(); err != nil {
			continue
		}
		s.auditMutation(r, "open-source", map[string]any{"path": req.Path, "editor": editor})
		writeJSON(w, http.StatusOK, map[string]any{"opened": true, "editor": editor})
		return
	}

	http.Error(w, "no editor available", http.StatusNotImplemented)
}

const locateMaxResults = 200

var sourceExts = map[string]bool{
	".go": true, ".js": true, ".mjs": true, ".cjs": true, ".ts": true,
	".tsx": true, ".jsx": true, ".json": true, ".css": true, ".html": true,
}

type locateResult struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// handleLocateSource greps the root for a substring across source-like files,
// skipping dependency and VCS directories.
func (s *Server) handleLocateSource(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "q required", http.StatusBadRequest)
		return
	}

	results := make([]locateResult, 0, 16)
	_ = filepath.WalkDir(s.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(results) >= locateMaxResults {
			return filepath.SkipAll
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.cfg.Root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(s.cfg.Root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(line, query) {
				continue
			}
			text := strings.TrimSpace(line)
			if len(text) > 200 {
				text = text[:200]
			}
			results = append(results, locateResult{File: rel, Line: i + 1, Text: text})
			if len(results) >= locateMaxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"requireSessions":   s.cfg.RequireSessions,
		"allowAnonSessions": s.cfg.AllowAnonSessions,
		"tokenType":         s.sessions.TokenType(),
		"sessions":          len(s.sessions.ListSessions()),
		"peers":             s.hub.Count(),
		"presence":          s.presence.Count(),
		"watchActive":       s.reloader.WatchActive(),
		"configPath":        s.reloader.ConfigPath(),
		"namespace":         s.remote.Namespace(),
		"legacyToken":       s.enforcer.LegacyToken() != "",
	})
}

const indexHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>fortistate inspector</title>
  <style>
    body { font-family: ui-monospace, monospace; margin: 2rem; background: #111; color: #ddd; }
    h1 { font-size: 1.2rem; }
    pre { background: #1b1b1b; padding: 1rem; border-radius: 6px; overflow-x: auto; }
    .key { color: #8fd; }
  </style>
</head>
<body>
  <h1>fortistate inspector</h1>
  <p>Connect a client to <code>/ws</code> for the live stream, or inspect the snapshot below.</p>
  <pre id="out">connecting…</pre>
  <script>
    const proto = location.protocol === "https:" ? "wss:" : "ws:";
    const ws = new WebSocket(proto + "//" + location.host + "/ws" + location.search);
    const out = document.getElementById("out");
    const stores = {};
    ws.onmessage = (ev) => {
      let msg;
      try { msg = JSON.parse(ev.data); } catch { return; }
      if (msg.type === "snapshot") Object.assign(stores, msg.stores);
      if (msg.type === "store:create") stores[msg.key] = msg.initial;
      if (msg.type === "store:change") {
        if (msg.value === null) delete stores[msg.key]; else stores[msg.key] = msg.value;
      }
      out.textContent = JSON.stringify(stores, null, 2);
    };
    ws.onclose = (ev) => { out.textContent += "\n[closed " + ev.code + "]"; };
  </script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}
