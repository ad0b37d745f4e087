// Package subreg implements the name-addressable subscription registry
// (C3): a dual-map of individually keyed handles and per-group sets,
// modeled on htlcswitch's CircuitMap/linkIndex pattern of keeping a
// flat index alongside a grouped index over the same values.
package subreg

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// log is the package subsystem logger; see nostr.UseLogger for the
// same convention.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by package subreg.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Handle is anything with a Close, satisfied by a relay subscription
// handle. Keeping it an interface (rather than importing relay) avoids
// a cyclic dependency between subreg and relay.
type Handle interface {
	Close()
}

// Registry is a concurrency-safe store of live subscription handles,
// addressable by name and optionally grouped.
type Registry struct {
	mu      sync.Mutex
	byKey   map[string]Handle
	groups  map[string]map[string]Handle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[string]Handle),
		groups: make(map[string]map[string]Handle),
	}
}

// Set installs handle under key, closing any prior handle at that key
// only after the new one is installed (create-before-close), so a
// rapid refresh never produces a gap in delivery.
func (r *Registry) Set(key string, handle Handle) {
	r.mu.Lock()
	old, had := r.byKey[key]
	r.byKey[key] = handle
	r.mu.Unlock()

	if had && old != nil {
		old.Close()
	}
}

// Get returns the handle at key, if any.
func (r *Registry) Get(key string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Close closes and removes the handle at key, if present.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	h, ok := r.byKey[key]
	delete(r.byKey, key)
	r.mu.Unlock()

	if ok && h != nil {
		h.Close()
	}
}

// CloseAll closes and removes every key listed.
func (r *Registry) CloseAll(keys ...string) {
	for _, k := range keys {
		r.Close(k)
	}
}

// SetInGroup installs handle under subkey within group, following the
// same create-before-close rule as Set for the group's prior entry at
// subkey.
func (r *Registry) SetInGroup(group, subkey string, handle Handle) {
	r.mu.Lock()
	set, ok := r.groups[group]
	if !ok {
		set = make(map[string]Handle)
		r.groups[group] = set
	}
	old, had := set[subkey]
	set[subkey] = handle
	r.mu.Unlock()

	if had && old != nil {
		old.Close()
	}
}

// CloseInGroup closes and removes a single subkey within group.
func (r *Registry) CloseInGroup(group, subkey string) {
	r.mu.Lock()
	set, ok := r.groups[group]
	var h Handle
	var had bool
	if ok {
		h, had = set[subkey]
		delete(set, subkey)
	}
	r.mu.Unlock()

	if had && h != nil {
		h.Close()
	}
}

// CloseGroup closes every handle in group and removes the group.
func (r *Registry) CloseGroup(group string) {
	r.mu.Lock()
	set, ok := r.groups[group]
	delete(r.groups, group)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, h := range set {
		if h != nil {
			h.Close()
		}
	}
}

// GroupContains reports whether group has a live entry at subkey.
func (r *Registry) GroupContains(group, subkey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.groups[group]
	if !ok {
		return false
	}
	_, ok = set[subkey]
	return ok
}
