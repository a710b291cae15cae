// Package remote mirrors remote-origin store values and persists them as a
// single namespaced JSON document under the working directory.
package remote

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	stateDir   = ".fortistate"
	legacyFile = ".fortistate-remote-stores.json"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveNamespace sanitizes the first non-empty candidate into a namespace
// identifier: lowercase, non-alphanumerics collapsed to single dashes,
// leading/trailing dashes trimmed.
func DeriveNamespace(override, root string) string {
	candidates := []string{
		override,
		os.Getenv("FORTISTATE_INSPECTOR_NAMESPACE"),
		os.Getenv("FORTISTATE_REMOTE_NAMESPACE"),
		os.Getenv("PACKAGE_NAME"),
		filepath.Base(root),
		"default",
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || c == "." || c == string(filepath.Separator) {
			continue
		}
		ns := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(c), "-"), "-")
		if ns != "" {
			return ns
		}
	}
	return "default"
}

// Registry is the in-memory mirror plus its persistence file.
type Registry struct {
	root      string
	namespace string
	path      string
	logger    *slog.Logger
	debug     bool

	mu     sync.Mutex
	values map[string]json.RawMessage
}

// NewRegistry creates a registry rooted at root. The namespace override may
// be empty.
func NewRegistry(root, namespaceOverride string, debug bool, logger *slog.Logger) *Registry {
	ns := DeriveNamespace(namespaceOverride, root)
	return &Registry{
		root:      root,
		namespace: ns,
		path:      filepath.Join(root, stateDir, "remote-stores-"+ns+".json"),
		logger:    logger.With("component", "remote-stores"),
		debug:     debug,
		values:    make(map[string]json.RawMessage),
	}
}

// Namespace returns the derived namespace.
func (r *Registry) Namespace() string { return r.namespace }

// Path returns the persistence file location.
func (r *Registry) Path() string { return r.path }

// LoadInitial migrates any legacy persistence file, then merges the
// persisted map into memory. Unreadable files are ignored.
func (r *Registry) LoadInitial() {
	r.migrateLegacy()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		if r.debug {
			r.logger.Debug("remote store file unreadable", "path", r.path, "error", err)
		}
		return
	}

	r.mu.Lock()
	for k, v := range stored {
		r.values[k] = v
	}
	r.mu.Unlock()
}

// migrateLegacy renames the pre-namespace file into place when the
// namespaced file is missing and the namespace is the default one.
func (r *Registry) migrateLegacy() {
	defaultNS := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(filepath.Base(r.root)), "-"), "-")
	if defaultNS == "" {
		defaultNS = "default"
	}
	if r.namespace != defaultNS {
		return
	}
	if _, err := os.Stat(r.path); err == nil {
		return
	}
	legacy := filepath.Join(r.root, legacyFile)
	if _, err := os.Stat(legacy); err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return
	}
	if err := os.Rename(legacy, r.path); err != nil {
		// Cross-device rename can fail; fall back to copy+unlink.
		if copyFile(legacy, r.path) == nil {
			_ = os.Remove(legacy)
		}
	}
	r.logger.Info("migrated legacy remote store file", "to", r.path)
}

// Set stores a value and persists.
func (r *Registry) Set(key string, value json.RawMessage) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
	r.Persist()
}

// Delete removes a key and persists. Returns whether the key existed.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	_, ok := r.values[key]
	delete(r.values, key)
	r.mu.Unlock()
	if ok {
		r.Persist()
	}
	return ok
}

// Get returns the stored value for key.
func (r *Registry) Get(key string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Has reports whether key is present.
func (r *Registry) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Snapshot returns a copy of the full map.
func (r *Registry) Snapshot() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]json.RawMessage, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Persist writes the whole map as pretty JSON. Failures are logged when
// debug is on and otherwise swallowed; the next persist heals the state.
func (r *Registry) Persist() {
	snap := r.Snapshot()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		if r.debug {
			r.logger.Debug("remote store persist failed", "error", err)
		}
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = os.WriteFile(r.path, data, 0o644)
	}
	if err != nil && r.debug {
		r.logger.Debug("remote store persist failed", "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
