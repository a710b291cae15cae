package hub

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fortistate/inspector/internal/store"
)

func TestHistoryRingCapacity(t *testing.T) {
	h := New(slog.Default())

	for i := 0; i < historyCapacity+50; i++ {
		h.AppendHistory("tick", map[string]any{"n": i})
	}

	hist := h.History()
	if len(hist) != historyCapacity {
		t.Fatalf("history length = %d, want %d", len(hist), historyCapacity)
	}
	// Oldest entries fall off the front.
	if hist[0]["n"] != 50 {
		t.Errorf("oldest entry n = %v, want 50", hist[0]["n"])
	}
	if hist[len(hist)-1]["n"] != historyCapacity+49 {
		t.Errorf("newest entry n = %v", hist[len(hist)-1]["n"])
	}
}

func TestAppendHistoryShape(t *testing.T) {
	h := New(slog.Default())
	h.AppendHistory("register", map[string]any{"key": "cart"})

	hist := h.History()
	if len(hist) != 1 {
		t.Fatal("expected one entry")
	}
	e := hist[0]
	if e["action"] != "register" || e["key"] != "cart" {
		t.Errorf("entry = %v", e)
	}
	if _, ok := e["ts"].(int64); !ok {
		t.Errorf("ts missing or wrong type: %T", e["ts"])
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	h := New(slog.Default())
	h.AppendHistory("a", nil)

	hist := h.History()
	hist[0] = map[string]any{"action": "tampered"}
	if h.History()[0]["action"] != "a" {
		t.Error("mutating the returned slice must not affect the ring")
	}
}

func TestBindReleasesOnClose(t *testing.T) {
	h := New(slog.Default())
	f := store.NewFactory()
	h.Bind(f)

	// With the hub closed, factory events must not reach it; mainly this
	// exercises that unsubscribe handles were captured and run.
	h.Close()
	f.Create("after-close", json.RawMessage(`1`))
	s := f.Get("after-close")
	s.Set(json.RawMessage(`2`))

	if h.Count() != 0 {
		t.Errorf("peers after close = %d", h.Count())
	}
}

func TestBroadcastWithNoPeers(t *testing.T) {
	h := New(slog.Default())
	// Must be a no-op, not a panic.
	h.Broadcast(map[string]any{"type": "store:change", "key": "k"})
	h.Send("missing", "x")
	h.Remove("missing")
}
