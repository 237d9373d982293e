// Package ring implements a fixed-capacity snapshot ring: confirmed guest
// states indexed by tick, with FIFO eviction when full. Each slot carries
// its own "set" bit rather than relying on zero values, since a zero-value
// Snapshot is indistinguishable from a real snapshot at tick 0.
package ring

import "github.com/nethercore-systems/nethercore-sub000/internal/core"

// Snapshot is one confirmed guest state at a tick, plus a stable checksum
// used for sync-test comparison.
type Snapshot struct {
	Tick     core.Tick
	State    core.State
	Checksum uint64
}

type slot struct {
	snap Snapshot
	set  bool
}

// Ring is a fixed-capacity ring of Snapshots keyed by tick. It is not safe
// for concurrent use; callers (the session) synchronize externally by
// construction (all ring access happens on the sim thread).
type Ring struct {
	slots    []slot
	capacity int
	oldest   core.Tick
	newest   core.Tick
	hasAny   bool
}

// New creates a Ring with the given fixed capacity. capacity must be at
// least 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{slots: make([]slot, capacity), capacity: capacity}
}

func (r *Ring) index(t core.Tick) int {
	return int(uint64(t) % uint64(r.capacity))
}

// Put inserts a snapshot for tick t, evicting the oldest entry if the ring
// is full (newest-wins eviction).
func (r *Ring) Put(t core.Tick, state core.State, checksum uint64) {
	idx := r.index(t)
	r.slots[idx] = slot{snap: Snapshot{Tick: t, State: state, Checksum: checksum}, set: true}

	if !r.hasAny {
		r.hasAny = true
		r.oldest = t
		r.newest = t
		return
	}

	if t > r.newest {
		r.newest = t
	}
	if t < r.oldest {
		r.oldest = t
	}

	// If the span now exceeds capacity, the oldest ticks have been
	// overwritten by wraparound; advance oldest to match.
	if uint64(r.newest-r.oldest)+1 > uint64(r.capacity) {
		r.oldest = r.newest - core.Tick(r.capacity) + 1
	}
}

// Get returns the snapshot for tick t, if still present in the ring.
func (r *Ring) Get(t core.Tick) (Snapshot, bool) {
	if !r.hasAny || t < r.oldest || t > r.newest {
		return Snapshot{}, false
	}
	s := r.slots[r.index(t)]
	if !s.set || s.snap.Tick != t {
		return Snapshot{}, false
	}
	return s.snap, true
}

// OldestTick returns the oldest tick still held by the ring.
func (r *Ring) OldestTick() (core.Tick, bool) {
	return r.oldest, r.hasAny
}

// NewestTick returns the newest tick held by the ring.
func (r *Ring) NewestTick() (core.Tick, bool) {
	return r.newest, r.hasAny
}

// Len returns the number of ticks currently spanned by the ring.
func (r *Ring) Len() int {
	if !r.hasAny {
		return 0
	}
	return int(r.newest-r.oldest) + 1
}

// Capacity returns the ring's fixed capacity.
func (r *Ring) Capacity() int { return r.capacity }
