// Package presence tracks connected WebSocket peers and where they are
// looking: active store and cursor path. One User exists per connected
// socket and is removed on close.
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/fortistate/inspector/internal/session"
)

// User is the live metadata for one connected peer.
type User struct {
	ID            string  `json:"id"` // connection id
	SessionID     *string `json:"sessionId"`
	DisplayName   string  `json:"displayName"`
	Role          string  `json:"role,omitempty"`
	ConnectedAt   int64   `json:"connectedAt"`  // ms since epoch
	LastActivity  int64   `json:"lastActivity"` // ms since epoch
	ActiveStore   *string `json:"activeStore"`
	CursorPath    []any   `json:"cursorPath"`
	RemoteAddress *string `json:"remoteAddress"`
}

// Subject identifies the user in presence frames: the session id when
// authenticated, otherwise the connection id.
func (u *User) Subject() string {
	if u.SessionID != nil {
		return *u.SessionID
	}
	return u.ID
}

// Update is a partial focus change.
type Update struct {
	ActiveStore *string
	CursorPath  []any
	// HasActiveStore / HasCursorPath distinguish "absent" from "set to null".
	HasActiveStore bool
	HasCursorPath  bool
}

// Manager tracks presence state keyed by connection id.
type Manager struct {
	mu       sync.Mutex
	users    map[string]*User
	guestSeq int
}

// NewManager creates an empty presence manager.
func NewManager() *Manager {
	return &Manager{users: make(map[string]*User)}
}

// Add registers a peer. Display names follow the session label
// ("label (role)"), fall back to "role <id prefix>", and anonymous peers get
// monotonically numbered guest names.
func (m *Manager) Add(connID string, sc *session.Context, remoteAddr string) *User {
	now := time.Now().UnixMilli()
	u := &User{
		ID:           connID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	if remoteAddr != "" {
		u.RemoteAddress = &remoteAddr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sc != nil {
		sess := sc.Session
		u.SessionID = &sess.ID
		u.Role = string(sess.Role)
		if sess.Label != "" {
			u.DisplayName = fmt.Sprintf("%s (%s)", sess.Label, sess.Role)
		} else {
			id := sess.ID
			if len(id) > 8 {
				id = id[:8]
			}
			u.DisplayName = fmt.Sprintf("%s %s", sess.Role, id)
		}
	} else {
		m.guestSeq++
		u.DisplayName = fmt.Sprintf("Guest %d", m.guestSeq)
	}

	m.users[connID] = u
	return u
}

// Update applies a partial focus change and touches the activity timestamp.
// Returns the updated user, or nil for unknown connections.
func (m *Manager) Update(connID string, upd Update) *User {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[connID]
	if !ok {
		return nil
	}
	if upd.HasActiveStore {
		u.ActiveStore = upd.ActiveStore
	}
	if upd.HasCursorPath {
		u.CursorPath = upd.CursorPath
	}
	u.LastActivity = time.Now().UnixMilli()
	return u
}

// Touch records a heartbeat.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[connID]; ok {
		u.LastActivity = time.Now().UnixMilli()
	}
}

// Remove forgets a peer and returns its record, or nil.
func (m *Manager) Remove(connID string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[connID]
	if !ok {
		return nil
	}
	delete(m.users, connID)
	return u
}

// Get returns the user for a connection, or nil.
func (m *Manager) Get(connID string) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[connID]
}

// GetAll returns every tracked user.
func (m *Manager) GetAll() []*User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}

// Count returns the number of tracked users.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// RemoveIdleUsers drops users whose last activity is older than maxIdle and
// returns the removed records.
func (m *Manager) RemoveIdleUsers(maxIdle time.Duration) []*User {
	cutoff := time.Now().Add(-maxIdle).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []*User
	for id, u := range m.users {
		if u.LastActivity < cutoff {
			delete(m.users, id)
			removed = append(removed, u)
		}
	}
	return removed
}
