package remote

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveNamespace(t *testing.T) {
	t.Setenv("FORTISTATE_INSPECTOR_NAMESPACE", "")
	t.Setenv("FORTISTATE_REMOTE_NAMESPACE", "")
	t.Setenv("PACKAGE_NAME", "")

	cases := []struct {
		override string
		root     string
		want     string
	}{
		{"My App!", "/tmp/whatever", "my-app"},
		{"", "/home/user/Shop_Frontend", "shop-frontend"},
		{"", "/", "default"},
		{"--weird--", "/tmp/x", "weird"},
	}
	for _, c := range cases {
		if got := DeriveNamespace(c.override, c.root); got != c.want {
			t.Errorf("DeriveNamespace(%q, %q) = %q, want %q", c.override, c.root, got, c.want)
		}
	}
}

func TestSetPersistsAndReloads(t *testing.T) {
	root := t.TempDir()

	r1 := NewRegistry(root, "testns", false, slog.Default())
	r1.Set("cart", json.RawMessage(`{"items":2}`))
	r1.Set("user", json.RawMessage(`"bob"`))

	if _, err := os.Stat(filepath.Join(root, ".fortistate", "remote-stores-testns.json")); err != nil {
		t.Fatalf("persist file missing: %v", err)
	}

	r2 := NewRegistry(root, "testns", false, slog.Default())
	r2.LoadInitial()
	if v, ok := r2.Get("cart"); !ok || string(v) != `{"items":2}` {
		t.Errorf("reloaded cart = %s (ok=%v)", v, ok)
	}
	if r2.Namespace() != "testns" {
		t.Errorf("namespace = %q", r2.Namespace())
	}
}

func TestDelete(t *testing.T) {
	r := NewRegistry(t.TempDir(), "ns", false, slog.Default())
	r.Set("k", json.RawMessage(`1`))

	if !r.Delete("k") {
		t.Fatal("delete should report the key existed")
	}
	if r.Delete("k") {
		t.Error("second delete should report false")
	}
	if r.Has("k") {
		t.Error("key should be gone")
	}
}

func TestLegacyMigration(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, ".fortistate-remote-stores.json")
	if err := os.WriteFile(legacy, []byte(`{"old":"value"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// Default namespace (derived from the root basename) triggers migration.
	r := NewRegistry(root, "", false, slog.Default())
	r.LoadInitial()

	if v, ok := r.Get("old"); !ok || string(v) != `"value"` {
		t.Fatalf("migrated value = %s (ok=%v)", v, ok)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy file should be gone after migration")
	}
	if _, err := os.Stat(r.Path()); err != nil {
		t.Errorf("namespaced file should exist: %v", err)
	}
}

func TestNoMigrationForOverriddenNamespace(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, ".fortistate-remote-stores.json")
	if err := os.WriteFile(legacy, []byte(`{"old":"value"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(root, "custom", false, slog.Default())
	r.LoadInitial()

	if r.Has("old") {
		t.Error("overridden namespace must not adopt the legacy file")
	}
	if _, err := os.Stat(legacy); err != nil {
		t.Error("legacy file should be left in place")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry(t.TempDir(), "ns", false, slog.Default())
	r.Set("a", json.RawMessage(`1`))

	snap := r.Snapshot()
	snap["b"] = json.RawMessage(`2`)
	if r.Has("b") {
		t.Error("mutating the snapshot must not affect the registry")
	}
}
