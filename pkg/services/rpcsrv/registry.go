package rpcsrv

import (
	"fmt"
	"sort"
	"sync"
)

// Mode is the way the node serves calls.
type Mode uint8

const (
	// ModeDelegated handlers use caches and forward calls to the peer node.
	ModeDelegated Mode = iota
	// ModeLocal handlers use the local ledger.
	ModeLocal
)

// ModeFromConfig returns the mode for the UseLocalDatabase setting.
func ModeFromConfig(useLocalDatabase bool) Mode {
	if useLocalDatabase {
		return ModeLocal
	}
	return ModeDelegated
}

func (m Mode) String() string {
	switch m {
	case ModeDelegated:
		return "delegated"
	case ModeLocal:
		return "local"
	}
	return "unknown"
}

// Factory creates a handler for a single call.
type Factory func(*BaseHandler) Handler

type registryKey struct {
	method string
	mode   Mode
}

// Registry maps (method, mode) pairs to handler factories. It's filled before
// the server starts and is read-only after Freeze.
type Registry struct {
	lock    sync.RWMutex
	frozen  bool
	entries map[registryKey]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]Factory)}
}

// Register adds both variants of the method, nil factory means the method is
// not available in the corresponding mode. It panics on duplicates and after
// Freeze.
func (r *Registry) Register(method string, local, delegated Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("registering %s in a frozen registry", method))
	}
	for mode, f := range map[Mode]Factory{ModeLocal: local, ModeDelegated: delegated} {
		if f == nil {
			continue
		}
		k := registryKey{method: method, mode: mode}
		if _, ok := r.entries[k]; ok {
			panic(fmt.Sprintf("duplicate %s handler for %s", mode, method))
		}
		r.entries[k] = f
	}
}

// Lookup returns the factory of the method for the mode.
func (r *Registry) Lookup(method string, mode Mode) (Factory, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	f, ok := r.entries[registryKey{method: method, mode: mode}]
	return f, ok
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.lock.Lock()
	r.frozen = true
	r.lock.Unlock()
}

// Methods returns sorted names of all registered methods.
func (r *Registry) Methods() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var (
		seen = make(map[string]struct{}, len(r.entries))
		res  = make([]string, 0, len(r.entries))
	)
	for k := range r.entries {
		if _, ok := seen[k.method]; ok {
			continue
		}
		seen[k.method] = struct{}{}
		res = append(res, k.method)
	}
	sort.Strings(res)
	return res
}
