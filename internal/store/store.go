// Package store implements the in-process reactive key→value primitive the
// inspector attaches to. Values are opaque JSON documents carried by
// reference; the factory fans out create and change notifications to global
// subscribers.
package store

import (
	"encoding/json"
	"sync"
)

// Value is an opaque JSON document. Callers must not mutate the underlying
// bytes after handing a Value to the factory.
type Value = json.RawMessage

// Store is a single reactive cell.
type Store struct {
	key     string
	factory *Factory

	// notifyMu serializes Set fan-out: subscribers observe values in the
	// order the store accepted them.
	notifyMu sync.Mutex

	mu      sync.Mutex
	value   Value
	initial Value
	subs    map[int]func(Value)
	nextSub int
}

// Key returns the store's key.
func (s *Store) Key() string { return s.key }

// Get returns the current value.
func (s *Store) Get() Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies subscribers, including the factory's
// global change subscribers.
func (s *Store) Set(v Value) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.value = v
	fns := make([]func(Value), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	s.factory.notifyChange(s.key, v)
}

// Reset restores the initial value.
func (s *Store) Reset() {
	s.mu.Lock()
	initial := s.initial
	s.mu.Unlock()
	s.Set(initial)
}

// Subscribe registers a per-store listener and returns an unsubscribe handle.
func (s *Store) Subscribe(fn func(Value)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Factory owns the set of stores and the global create/change subscriptions.
type Factory struct {
	mu         sync.Mutex
	stores     map[string]*Store
	createSubs map[int]func(key string, initial Value)
	changeSubs map[int]func(key string, value Value)
	nextSub    int
}

// NewFactory creates an empty store factory.
func NewFactory() *Factory {
	return &Factory{
		stores:     make(map[string]*Store),
		createSubs: make(map[int]func(string, Value)),
		changeSubs: make(map[int]func(string, Value)),
	}
}

// Create registers a new store with an initial value and notifies create
// subscribers. If the key already exists the existing store is returned
// unchanged.
func (f *Factory) Create(key string, initial Value) *Store {
	f.mu.Lock()
	if existing, ok := f.stores[key]; ok {
		f.mu.Unlock()
		return existing
	}
	s := &Store{
		key:     key,
		factory: f,
		value:   initial,
		initial: initial,
		subs:    make(map[int]func(Value)),
	}
	f.stores[key] = s
	fns := make([]func(string, Value), 0, len(f.createSubs))
	for _, fn := range f.createSubs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(key, initial)
	}
	return s
}

// Get returns the store for key, or nil.
func (f *Factory) Get(key string) *Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stores[key]
}

// Has reports whether key exists.
func (f *Factory) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stores[key]
	return ok
}

// Keys returns all registered keys.
func (f *Factory) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.stores))
	for k := range f.stores {
		keys = append(keys, k)
	}
	return keys
}

// Delete removes a store without emitting any notification. The change
// broadcast for removals is the caller's responsibility.
func (f *Factory) Delete(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[key]; !ok {
		return false
	}
	delete(f.stores, key)
	return true
}

// Snapshot returns a copy of every key's current value.
func (f *Factory) Snapshot() map[string]Value {
	f.mu.Lock()
	stores := make(map[string]*Store, len(f.stores))
	for k, s := range f.stores {
		stores[k] = s
	}
	f.mu.Unlock()

	snap := make(map[string]Value, len(stores))
	for k, s := range stores {
		snap[k] = s.Get()
	}
	return snap
}

// SubscribeCreate registers a global create listener.
func (f *Factory) SubscribeCreate(fn func(key string, initial Value)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.createSubs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.createSubs, id)
		f.mu.Unlock()
	}
}

// SubscribeChange registers a global change listener.
func (f *Factory) SubscribeChange(fn func(key string, value Value)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.changeSubs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.changeSubs, id)
		f.mu.Unlock()
	}
}

func (f *Factory) notifyChange(key string, v Value) {
	f.mu.Lock()
	fns := make([]func(string, Value), 0, len(f.changeSubs))
	for _, fn := range f.changeSubs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(key, v)
	}
}
