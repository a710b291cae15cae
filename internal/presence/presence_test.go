package presence

import (
	"testing"
	"time"

	"github.com/fortistate/inspector/internal/session"
)

func sessionCtx(label string, role session.Role) *session.Context {
	return &session.Context{
		Session: &session.Session{
			ID:    "abcdef1234567890",
			Role:  role,
			Label: label,
		},
		TokenType: "opaque",
	}
}

func TestDisplayNames(t *testing.T) {
	m := NewManager()

	labeled := m.Add("c1", sessionCtx("alice", session.RoleEditor), "")
	if labeled.DisplayName != "alice (editor)" {
		t.Errorf("labeled name = %q", labeled.DisplayName)
	}

	unlabeled := m.Add("c2", sessionCtx("", session.RoleAdmin), "")
	if unlabeled.DisplayName != "admin abcdef12" {
		t.Errorf("unlabeled name = %q", unlabeled.DisplayName)
	}

	g1 := m.Add("c3", nil, "")
	g2 := m.Add("c4", nil, "")
	if g1.DisplayName != "Guest 1" || g2.DisplayName != "Guest 2" {
		t.Errorf("guest names = %q, %q", g1.DisplayName, g2.DisplayName)
	}
}

func TestSubject(t *testing.T) {
	m := NewManager()
	authed := m.Add("conn-1", sessionCtx("a", session.RoleObserver), "")
	if authed.Subject() != "abcdef1234567890" {
		t.Errorf("authenticated subject = %q", authed.Subject())
	}
	anon := m.Add("conn-2", nil, "")
	if anon.Subject() != "conn-2" {
		t.Errorf("anonymous subject = %q", anon.Subject())
	}
}

func TestPartialUpdate(t *testing.T) {
	m := NewManager()
	m.Add("c1", nil, "")

	store := "cart"
	u := m.Update("c1", Update{ActiveStore: &store, HasActiveStore: true})
	if u == nil || u.ActiveStore == nil || *u.ActiveStore != "cart" {
		t.Fatalf("update result = %+v", u)
	}

	// Cursor-only update must not clobber the active store.
	u = m.Update("c1", Update{CursorPath: []any{"items", 0.0}, HasCursorPath: true})
	if u.ActiveStore == nil || *u.ActiveStore != "cart" {
		t.Error("active store should be preserved")
	}
	if len(u.CursorPath) != 2 {
		t.Errorf("cursor path = %v", u.CursorPath)
	}

	// Explicit null clears it.
	u = m.Update("c1", Update{ActiveStore: nil, HasActiveStore: true})
	if u.ActiveStore != nil {
		t.Error("explicit null should clear the active store")
	}

	if m.Update("nope", Update{}) != nil {
		t.Error("unknown connection should yield nil")
	}
}

func TestRemove(t *testing.T) {
	m := NewManager()
	m.Add("c1", nil, "10.0.0.1:1234")

	if u := m.Remove("c1"); u == nil {
		t.Fatal("remove should return the record")
	}
	if m.Remove("c1") != nil {
		t.Error("second remove should return nil")
	}
	if m.Count() != 0 {
		t.Errorf("count = %d", m.Count())
	}
}

func TestRemoveIdleUsers(t *testing.T) {
	m := NewManager()
	m.Add("stale", nil, "")
	m.Add("fresh", nil, "")

	// Age the first user past the cutoff.
	m.mu.Lock()
	m.users["stale"].LastActivity = time.Now().Add(-time.Hour).UnixMilli()
	m.mu.Unlock()

	m.Touch("fresh")
	removed := m.RemoveIdleUsers(10 * time.Minute)
	if len(removed) != 1 || removed[0].ID != "stale" {
		t.Fatalf("removed = %+v", removed)
	}
	if m.Get("fresh") == nil {
		t.Error("fresh user should survive")
	}
}
