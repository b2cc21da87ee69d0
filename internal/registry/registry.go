// Copyright 2025 James Ross

// Package registry implements the Plugin Registry (§4.10): a typed,
// priority-ordered, thread-safe lookup table of extension points the rest
// of the engine consults by Kind — validators, sampling strategies, and
// webhook handlers. Grounded on the teacher's plugin-panel-system Manager,
// generalized from a UI plugin manager to a pure in-process handle
// registry (no WASM/Starlark runtime — this engine has no untrusted
// third-party plugin loading requirement).
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names a registrable extension point.
type Kind string

const (
	KindValidator      Kind = "validator"
	KindSampler        Kind = "sampler"
	KindWebhookHandler Kind = "webhook_handler"
)

// Entry is one registered handle within a Kind's namespace.
type Entry struct {
	Name     string
	Priority int
	Handle   interface{}
}

// Registry holds entries grouped by Kind, ordered by descending Priority.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind][]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Kind][]Entry)}
}

// Register adds handle under kind/name at the given priority. Re-registering
// the same (kind, name) replaces the prior entry in place.
func (r *Registry) Register(kind Kind, name string, priority int, handle interface{}) error {
	if name == "" {
		return fmt.Errorf("registry: name must not be empty")
	}
	if handle == nil {
		return fmt.Errorf("registry: handle must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[kind]
	for i, e := range list {
		if e.Name == name {
			list[i] = Entry{Name: name, Priority: priority, Handle: handle}
			sortByPriority(list)
			return nil
		}
	}
	list = append(list, Entry{Name: name, Priority: priority, Handle: handle})
	sortByPriority(list)
	r.entries[kind] = list
	return nil
}

// Unregister removes the named entry from kind, if present.
func (r *Registry) Unregister(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.entries[kind]
	for i, e := range list {
		if e.Name == name {
			r.entries[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Get returns the named entry's handle within kind.
func (r *Registry) Get(kind Kind, name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries[kind] {
		if e.Name == name {
			return e.Handle, true
		}
	}
	return nil, false
}

// List returns a priority-ordered snapshot of every entry registered under kind.
func (r *Registry) List(kind Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.entries[kind]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

func sortByPriority(list []Entry) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
}
