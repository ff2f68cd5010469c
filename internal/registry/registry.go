// Package registry implements the spawner registry (component B): the set
// of currently-traced spawner processes, keyed by pid, each carrying a
// mount-namespace fingerprint. Ownership is exclusive to the monitor's
// event-router goroutine per spec invariant 4, but reads (any_shares_ns,
// count) are also performed by child-inspector worker goroutines, so the
// registry guards its state with a mutex rather than assuming
// single-threaded access.
package registry

import (
	"sync"

	"github.com/veilkit/procmon/internal/procfs"
)

// Spawner is a single registry entry: a traced spawner pid and the most
// recently observed fingerprint of its mount namespace.
type Spawner struct {
	PID         int
	Fingerprint procfs.Fingerprint
}

// Registry is the spawner registry described in spec §3/§4.B.
type Registry struct {
	mu       sync.RWMutex
	spawners map[int]procfs.Fingerprint
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{spawners: make(map[int]procfs.Fingerprint)}
}

// Upsert inserts pid with fingerprint, or overwrites the fingerprint of an
// existing entry in place. It never re-attaches; that decision belongs to
// the discovery engine.
func (r *Registry) Upsert(pid int, fp procfs.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[pid] = fp
}

// Forget removes pid from the registry. A no-op if pid is not present.
func (r *Registry) Forget(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spawners, pid)
}

// Contains reports whether pid is a known spawner.
func (r *Registry) Contains(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.spawners[pid]
	return ok
}

// Count returns the number of known spawners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spawners)
}

// AnySharesNS reports whether any known spawner's fingerprint equals fp.
// A child sharing a spawner's fingerprint has not yet separated its mount
// namespace (spec invariant 2).
func (r *Registry) AnySharesNS(fp procfs.Fingerprint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sfp := range r.spawners {
		if sfp == fp {
			return true
		}
	}
	return false
}

// Clear removes every entry, used by teardown (spec §4.G).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners = make(map[int]procfs.Fingerprint)
}

// Snapshot returns a copy of the current pid set, useful for logging and
// tests without holding the registry lock across an iteration.
func (r *Registry) Snapshot() []Spawner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spawner, 0, len(r.spawners))
	for pid, fp := range r.spawners {
		out = append(out, Spawner{PID: pid, Fingerprint: fp})
	}
	return out
}
