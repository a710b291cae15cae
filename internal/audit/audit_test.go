package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLog(t *testing.T, opts Options) *Log {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	return New(opts, slog.Default())
}

func TestAppendAndTail(t *testing.T) {
	l := newTestLog(t, Options{})

	l.Append("ws:connect", "sess-1", "editor", map[string]any{"via": "session"})
	l.Append("change", "", "", map[string]any{"key": "cart"})

	entries := l.Tail(10)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != "ws:connect" || *entries[0].SessionID != "sess-1" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].SessionID != nil || entries[1].Role != nil {
		t.Error("anonymous entry should carry null attribution")
	}
}

func TestTailLimit(t *testing.T) {
	l := newTestLog(t, Options{})
	for i := 0; i < 5; i++ {
		l.Append("tick", "", "", nil)
	}
	if got := len(l.Tail(3)); got != 3 {
		t.Errorf("tail(3) = %d entries", got)
	}
}

func TestRotationBySize(t *testing.T) {
	root := t.TempDir()
	l := newTestLog(t, Options{Root: root, MaxSize: 200})

	for i := 0; i < 10; i++ {
		l.Append("fill", "some-session-id", "editor", map[string]any{"n": i})
	}

	rotated := rotatedFiles(t, root)
	if len(rotated) == 0 {
		t.Fatal("expected at least one rotated file")
	}
	if info, err := os.Stat(l.Path()); err != nil || info.Size() > 200 {
		t.Errorf("current file should exist under the threshold: %v", err)
	}
}

func TestRotationByAge(t *testing.T) {
	root := t.TempDir()
	l := newTestLog(t, Options{Root: root, MaxAge: time.Hour})

	l.Append("old", "", "", nil)

	// Pretend the next append happens two hours later.
	l.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	l.Append("new", "", "", nil)

	if len(rotatedFiles(t, root)) != 1 {
		t.Fatal("aged file should be rotated aside")
	}
	entries := l.Tail(10)
	if len(entries) != 1 || entries[0].Action != "new" {
		t.Errorf("current file = %+v", entries)
	}
}

func rotatedFiles(t *testing.T, root string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, ".fortistate-audit-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, m := range matches {
		if !strings.HasSuffix(m, string(filepath.Separator)+".fortistate-audit.log") {
			out = append(out, m)
		}
	}
	return out
}
