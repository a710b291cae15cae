// Package reloader watches the plugin/preset configuration and reconciles
// plugin-owned stores against the live registry, synthesizing create/change
// events whose effect matches remote mutations.
package reloader

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fortistate/inspector/internal/protocol"
	"github.com/fortistate/inspector/internal/remote"
	"github.com/fortistate/inspector/internal/store"
)

// writeSettle is the stability window: a changed file must stay quiet this
// long before a refresh fires.
const writeSettle = 100 * time.Millisecond

var watchedExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".json": true,
}

// Broadcaster receives the synthesized store frames.
type Broadcaster interface {
	Broadcast(v any)
}

// Reloader owns the plugin-owned key set, the preset catalog, and the file
// watcher.
type Reloader struct {
	root     string
	loader   Loader
	factory  *store.Factory
	registry *remote.Registry
	bcast    Broadcaster
	logger   *slog.Logger
	noWatch  bool

	mu           sync.Mutex
	refreshing   bool
	queued       bool
	queuedReason string
	shuttingDown bool
	pluginOwned  map[string]struct{}
	presets      []Preset
	configPath   string
	watcher      *fsnotify.Watcher
	watchBroken  bool
	timers       map[string]*time.Timer
}

// New creates a reloader. Call Refresh once at startup, then Watch.
func New(root string, loader Loader, factory *store.Factory, registry *remote.Registry, bcast Broadcaster, disableWatch bool, logger *slog.Logger) *Reloader {
	return &Reloader{
		root:        root,
		loader:      loader,
		factory:     factory,
		registry:    registry,
		bcast:       bcast,
		logger:      logger.With("component", "reloader"),
		noWatch:     disableWatch,
		pluginOwned: make(map[string]struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// ConfigPath returns the resolved config file, or "".
func (r *Reloader) ConfigPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configPath
}

// Presets returns a copy of the current preset catalog.
func (r *Reloader) Presets() []Preset {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Preset, len(r.presets))
	copy(out, r.presets)
	return out
}

// FindPreset looks up a preset by name.
func (r *Reloader) FindPreset(name string) (Preset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// WatchActive reports whether the file watcher is running.
func (r *Reloader) WatchActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watcher != nil && !r.watchBroken
}

// Refresh runs one reconcile pass. Only one refresh runs at a time: triggers
// arriving during a refresh collapse into a single queued follow-up, latest
// reason winning.
func (r *Reloader) Refresh(reason string) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	if r.refreshing {
		r.queued = true
		r.queuedReason = reason
		r.mu.Unlock()
		return
	}
	r.refreshing = true
	r.mu.Unlock()

	for {
		r.doRefresh(reason)

		r.mu.Lock()
		if r.queued && !r.shuttingDown {
			r.queued = false
			reason = r.queuedReason
			r.mu.Unlock()
			continue
		}
		r.refreshing = false
		r.mu.Unlock()
		return
	}
}

func (r *Reloader) doRefresh(reason string) {
	existedBefore := make(map[string]bool)
	for _, k := range r.factory.Keys() {
		existedBefore[k] = true
	}
	for k := range r.registry.Snapshot() {
		existedBefore[k] = true
	}

	registered := make(map[string]json.RawMessage)
	res, err := r.loader.Load(r.root, func(key string, initial json.RawMessage) {
		registered[key] = initial
		r.factory.Create(key, initial)
	})
	if err != nil {
		// Previously registered plugin-owned keys survive a failed refresh.
		r.logger.Warn("config refresh failed", "reason", reason, "error", err)
		return
	}

	r.applyPluginStores(registered, existedBefore)

	r.mu.Lock()
	r.presets = res.Presets
	r.configPath = res.ConfigPath
	cfg := res.Config
	r.mu.Unlock()

	r.logger.Info("config refreshed", "reason", reason, "loaded", res.Loaded, "stores", len(registered))

	if !r.noWatch {
		r.restartWatcher(watchTargets(r.root, res.ConfigPath, cfg))
	}
}

// applyPluginStores diffs the plugin-owned key set against the newly
// registered one and reconciles the registry.
func (r *Reloader) applyPluginStores(registered map[string]json.RawMessage, existedBefore map[string]bool) {
	r.mu.Lock()
	previous := r.pluginOwned
	owned := make(map[string]struct{}, len(registered))
	for k := range registered {
		owned[k] = struct{}{}
	}
	r.pluginOwned = owned
	r.mu.Unlock()

	for key := range previous {
		if _, still := registered[key]; still {
			continue
		}
		r.factory.Delete(key)
		r.registry.Delete(key)
		r.bcast.Broadcast(protocol.NewStoreChange(key, json.RawMessage("null")))
	}

	for key, initial := range registered {
		value := initial
		if s := r.factory.Get(key); s != nil {
			value = s.Get()
		}
		r.registry.Set(key, value)
		if existedBefore[key] {
			// New keys already produced a create frame via the factory
			// subscription; existing ones get an explicit change.
			r.bcast.Broadcast(protocol.NewStoreChange(key, value))
		}
	}
}

// PluginOwned reports whether a key is currently contributed by the config.
func (r *Reloader) PluginOwned(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pluginOwned[key]
	return ok
}

// Close stops the watcher and short-circuits any in-flight refresh queue.
func (r *Reloader) Close() {
	r.mu.Lock()
	r.shuttingDown = true
	r.queued = false
	w := r.watcher
	r.watcher = nil
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	r.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
}

// --- watching ---

// watchTargets computes the file/directory set: the resolved config path (or
// the default candidates when none resolved) plus every string entry in
// presets[] and plugins[].
func watchTargets(root, configPath string, cfg *FileConfig) []string {
	var targets []string
	if configPath != "" {
		targets = append(targets, configPath)
	} else {
		for _, name := range DefaultConfigNames {
			targets = append(targets, filepath.Join(root, name))
		}
	}
	if cfg != nil {
		for _, entry := range cfg.Presets {
			if entry.Path != "" {
				targets = append(targets, filepath.Join(root, entry.Path))
			}
		}
		for _, path := range cfg.Plugins {
			targets = append(targets, filepath.Join(root, path))
		}
	}
	return targets
}

func (r *Reloader) restartWatcher(targets []string) {
	r.mu.Lock()
	if r.shuttingDown || r.watchBroken {
		r.mu.Unlock()
		return
	}
	old := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Lock()
		r.watchBroken = true
		r.mu.Unlock()
		r.logger.Warn("file watcher unavailable, config watching disabled", "error", err)
		return
	}

	// Watch parent directories so atomic-replace saves are seen.
	dirs := make(map[string]bool)
	for _, t := range targets {
		dirs[filepath.Dir(t)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			r.logger.Debug("watch add failed", "dir", dir, "error", err)
		}
	}

	interested := make(map[string]bool, len(targets))
	for _, t := range targets {
		interested[filepath.Clean(t)] = true
	}

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		_ = w.Close()
		return
	}
	r.watcher = w
	r.mu.Unlock()

	go r.watchLoop(w, interested)
}

func (r *Reloader) watchLoop(w *fsnotify.Watcher, interested map[string]bool) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			if !interested[path] && !watchedExts[strings.ToLower(filepath.Ext(path))] {
				continue
			}
			r.debounce(path)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Debug("watch error", "error", err)
		}
	}
}

// debounce coalesces rapid events on one path into a single refresh after
// the stability window.
func (r *Reloader) debounce(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return
	}
	if t, ok := r.timers[path]; ok {
		t.Reset(writeSettle)
		return
	}
	r.timers[path] = time.AfterFunc(writeSettle, func() {
		r.mu.Lock()
		delete(r.timers, path)
		shutdown := r.shuttingDown
		r.mu.Unlock()
		if shutdown {
			return
		}
		r.Refresh("change:" + filepath.Base(path))
	})
}
