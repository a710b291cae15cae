package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/fortistate/inspector/internal/auth"
	"github.com/fortistate/inspector/internal/presence"
	"github.com/fortistate/inspector/internal/protocol"
	"github.com/fortistate/inspector/internal/session"
)

// Origin is enforced after the upgrade so denials can carry a close code the
// client can read.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	queryToken := firstQuery(r, "token", "sessionToken", "accessToken")
	info := s.enforcer.Resolve(r, queryToken)

	req := auth.Requirement{
		Role:        session.RoleObserver,
		Optional:    !(s.cfg.RequireSessions || s.sessions.HasSessions()) || s.cfg.AllowAnonSessions,
		AllowLegacy: true,
	}
	decision := s.enforcer.Enforce(info, req)
	originOK := s.originAllowed(r.Header.Get("Origin"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !decision.OK {
		closeDenied(conn, protocol.CloseUnauthorized, decision.Reason)
		s.audit.Append("ws:connect", info.SessionID(), string(info.Role()), map[string]any{
			"success": false, "reason": decision.Reason,
		})
		return
	}
	if !originOK {
		closeDenied(conn, protocol.CloseForbidden, "origin not allowed")
		s.audit.Append("ws:connect", info.SessionID(), string(info.Role()), map[string]any{
			"success": false, "reason": "origin",
		})
		return
	}

	s.audit.Append("ws:connect", info.SessionID(), string(info.Role()), map[string]any{
		"success": true, "via": info.Via(),
	})

	peer := s.hub.Add(conn)
	user := s.presence.Add(peer.ID, info.Session, r.RemoteAddr)
	s.hub.BroadcastExcept(peer.ID, protocol.PresenceJoin{Type: protocol.TypePresenceJoin, User: user})

	_ = peer.Send(protocol.NewHello())
	s.sendSnapshot(peer.ID)
	s.sendPresenceInit(peer.ID)

	s.readLoop(conn, peer.ID, user)
}

func (s *Server) sendSnapshot(peerID string) {
	s.hub.Send(peerID, protocol.NewSnapshot(s.mergedSnapshot()))
}

func (s *Server) sendPresenceInit(peerID string) {
	users := s.presence.GetAll()
	anyUsers := make([]any, len(users))
	for i, u := range users {
		anyUsers[i] = u
	}
	s.hub.Send(peerID, protocol.PresenceInit{Type: protocol.TypePresenceInit, Users: anyUsers})
}

func (s *Server) readLoop(conn *websocket.Conn, peerID string, user *presence.User) {
	defer func() {
		s.hub.Remove(peerID)
		if removed := s.presence.Remove(peerID); removed != nil {
			s.hub.Broadcast(protocol.PresenceLeave{
				Type:      protocol.TypePresenceLeave,
				SessionID: removed.Subject(),
			})
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseNoStatusReceived, ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			}
			s.audit.Append("ws:disconnect", sessionIDOf(user), user.Role, map[string]any{
				"code": code, "reason": reason,
			})
			return
		}

		if strings.TrimSpace(string(data)) == protocol.ReqSnapshot {
			s.sendSnapshot(peerID)
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypePresenceUpdate:
			s.applyPresenceUpdate(peerID, msg)
		case protocol.TypePresencePing:
			s.presence.Touch(peerID)
		}
	}
}

func (s *Server) applyPresenceUpdate(peerID string, msg protocol.ClientMessage) {
	var upd presence.Update
	if len(msg.ActiveStore) > 0 {
		upd.HasActiveStore = true
		_ = json.Unmarshal(msg.ActiveStore, &upd.ActiveStore)
	}
	if len(msg.CursorPath) > 0 {
		upd.HasCursorPath = true
		_ = json.Unmarshal(msg.CursorPath, &upd.CursorPath)
	}

	user := s.presence.Update(peerID, upd)
	if user == nil {
		return
	}
	s.hub.Broadcast(protocol.PresenceUpdate{
		Type:        protocol.TypePresenceUpdate,
		SessionID:   user.Subject(),
		ActiveStore: user.ActiveStore,
		CursorPath:  user.CursorPath,
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowAll := len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*"
	if allowAll {
		return true
	}
	if origin == "" {
		return !s.cfg.OriginStrict
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func closeDenied(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

func firstQuery(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, name := range names {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func sessionIDOf(u *presence.User) string {
	if u.SessionID != nil {
		return *u.SessionID
	}
	return ""
}
