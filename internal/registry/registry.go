// Package registry tracks which ad slots have been activated on a page.
package registry

import (
	"sort"
	"sync"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
)

// Entry is the tracking record of an activated ad.
type Entry struct {
	ID     string
	Loaded bool
	AdType models.AdType
	// Element is the container the ad was placed in. The registry does not
	// own it.
	Element *dom.Element
}

// Registry maps ad ids to entries. Record overwrites; TryRecord is the
// atomic claim used to keep activation at most once per id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Record(id string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.order = append(r.order, id)
	}
	e.ID = id
	r.entries[id] = e
}

// TryRecord records e only when id is not yet tracked and reports whether
// it did.
func (r *Registry) TryRecord(id string, e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.order = append(r.order, id)
	e.ID = id
	r.entries[id] = e
	return true
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// SetLoaded updates the loaded flag of an existing entry.
func (r *Registry) SetLoaded(id string, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Loaded = loaded
		r.entries[id] = e
	}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Entry)
	r.order = nil
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// IDs returns the tracked ids sorted lexically.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
