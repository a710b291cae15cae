package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fortistate/inspector/internal/auth"
	"github.com/fortistate/inspector/internal/config"
	"github.com/fortistate/inspector/internal/session"
)

type sessionCreateRequest struct {
	Role      string `json:"role"`
	ExpiresIn string `json:"expiresIn,omitempty"`
	Label     string `json:"label,omitempty"`
}

// handleSessionCreate mints a session. The required role climbs with the
// request: admin when asking for an admin session and sessions already exist,
// editor when sessions are demanded process-wide, observer otherwise (which
// lets the very first caller bootstrap).
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !readJSON(w, r, &req) {
		return
	}

	role := session.Role(req.Role)
	if req.Role == "" {
		role = session.RoleObserver
	}
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	required := auth.Requirement{Role: session.RoleObserver, Optional: !s.cfg.RequireSessions, AllowLegacy: true}
	switch {
	case role == session.RoleAdmin && s.sessions.HasSessions():
		required = auth.Requirement{Role: session.RoleAdmin, AllowLegacy: true}
	case s.cfg.RequireSessions:
		required = auth.Requirement{Role: session.RoleEditor, AllowLegacy: true}
	}

	info := s.enforcer.Resolve(r, "")
	if required.Role == session.RoleAdmin && info.Session == nil && !info.IsLegacy {
		// Once sessions exist, minting admin needs a credential even in
		// otherwise-open mode.
		http.Error(w, "session required", http.StatusUnauthorized)
		return
	}
	if d := s.enforcer.Enforce(info, required); !d.OK {
		http.Error(w, d.Message, d.StatusCode)
		return
	}

	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := config.ParseTTL(req.ExpiresIn)
		if err != nil {
			http.Error(w, "invalid expiresIn", http.StatusBadRequest)
			return
		}
		ttl = d
	}

	sess, token, tokenType, err := s.sessions.CreateSession(session.CreateOptions{
		Role:      role,
		TTL:       ttl,
		Label:     req.Label,
		IssuedBy:  info.Via(),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	s.audit.Append("session:create", sess.ID, string(sess.Role), map[string]any{
		"issuedBy": info.Via(),
		"label":    req.Label,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   sess,
		"token":     token,
		"tokenType": tokenType,
	})
}

func (s *Server) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	info := auth.InfoFromContext(r.Context())

	resp := map[string]any{
		"session":           nil,
		"via":               "anonymous",
		"requireSessions":   s.cfg.RequireSessions,
		"allowAnonSessions": s.cfg.AllowAnonSessions,
	}
	if info != nil {
		resp["via"] = info.Via()
		if info.Session != nil {
			resp["session"] = info.Session.Session
			resp["tokenType"] = info.Session.TokenType
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.ListSessions()})
}

type sessionRevokeRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Token     string `json:"token,omitempty"`
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	var req sessionRevokeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" && req.Token == "" {
		http.Error(w, "sessionId or token required", http.StatusBadRequest)
		return
	}

	revoked := false
	target := req.SessionID
	if req.SessionID != "" {
		revoked = s.sessions.RevokeSession(req.SessionID)
	} else {
		if ctx := s.sessions.ValidateToken(req.Token); ctx != nil {
			target = ctx.Session.ID
			revoked = s.sessions.RevokeSession(target)
		}
	}
	if !revoked {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.auditMutation(r, "session:revoke", map[string]any{"target": target})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "sessionId": target})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries := s.audit.Tail(limit)

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	case "csv":
		var b strings.Builder
		b.WriteString("time,action,sessionId,role\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%d,%s,%s,%s\n", e.Time, e.Action, deref(e.SessionID), deref(e.Role))
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(b.String()))
	case "plain":
		var b strings.Builder
		for _, e := range entries {
			ts := time.UnixMilli(e.Time).UTC().Format(time.RFC3339)
			fmt.Fprintf(&b, "%s %s session=%s role=%s\n", ts, e.Action, deref(e.SessionID), deref(e.Role))
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	default:
		http.Error(w, "invalid format", http.StatusBadRequest)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
