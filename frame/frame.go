// Package frame implements the frame table: a bounded pool of
// physical user frames, clock-evicted under a single frame-table
// lock, handing eviction off to the victim's owner (an Evictor,
// almost always a *spt.Table) rather than knowing anything about
// SPTEs itself — a stable handle, not a direct pointer, grounded on
// biscuit's mem.Physmem_t free-list-plus-refcount pool.
package frame

import (
	"sync"

	"kcore/errs"
	"kcore/hwpt"
	"kcore/stats"
)

// PageSize is the simulated physical page size, matching
// biscuit's mem.PGSIZE.
const PageSize = 4096

// Debug is a diagnostic switch, matching biscuit's debug-switch
// convention used throughout fs and vm. No code in this package reads it.
var Debug = false

// Evictor is the owner a Frame is bound to: whatever per-process store
// answers "where is this upage, and how do I write it back or swap it
// out" — spt.Table implements this. Defined here (the consumer) rather
// than imported from spt, so frame never depends on spt and the two
// packages don't cycle.
type Evictor interface {
	// Evict writes back or swaps out the page currently mapped at
	// (pd, upage), clearing the hardware mapping first, and updates
	// its own bookkeeping to reflect the page no longer being
	// in-memory. Returns a fatal error only if the write-back/swap
	// path itself fails.
	Evict(pd, upage uintptr) errs.Err_t
}

// Frame is one physical user frame plus its ownership metadata.
type Frame struct {
	Kaddr uintptr
	Pd    uintptr
	Upage uintptr
	Owner Evictor
	// Pinned, while true, makes this frame ineligible for eviction.
	// A newly allocated frame starts pinned until the caller finishes
	// initializing it and calls Unpin.
	Pinned bool
}

// Table is the FrameTable: a fixed number of frames, a clock hand, and
// one lock guarding both.
type Table struct {
	mu      sync.Mutex
	data    [][]byte
	entries []*Frame // nil at index i means frame i is free
	hwpt    hwpt.Table
	hand    int

	statsAllocs    stats.Counter_t
	statsEvictions stats.Counter_t
	statsFrees     stats.Counter_t
}

// New builds a FrameTable of n frames, consulting pt for accessed-bit
// decisions during eviction.
func New(n int, pt hwpt.Table) *Table {
	if n <= 0 {
		panic("frame table size must be positive")
	}
	t := &Table{
		data:    make([][]byte, n),
		entries: make([]*Frame, n),
		hwpt:    pt,
	}
	for i := range t.data {
		t.data[i] = make([]byte, PageSize)
	}
	return t
}

func (t *Table) kaddrOf(idx int) uintptr {
	return uintptr(idx) * PageSize
}

func (t *Table) idxOf(kaddr uintptr) int {
	return int(kaddr / PageSize)
}

// Data returns the backing byte slice for kaddr, for filling or
// flushing a frame's contents. Only safe to use while the frame is
// pinned (held by the caller) or while the frame-table lock otherwise
// guarantees exclusive access, e.g. inside Evict.
func (t *Table) Data(kaddr uintptr) []byte {
	return t.data[t.idxOf(kaddr)]
}

func (t *Table) findFreeLocked() (int, bool) {
	for i, f := range t.entries {
		if f == nil {
			return i, true
		}
	}
	return 0, false
}

// evictLocked runs the clock algorithm: skip pinned frames, clear the
// accessed bit and advance on a hit, otherwise hand the victim off to
// its owner. The caller must hold t.mu. Advances the hand one extra
// step past the victim so it is not immediately re-picked.
func (t *Table) evictLocked() (int, errs.Err_t) {
	n := len(t.entries)
	maxSteps := 2 * n
	for step := 0; step < maxSteps; step++ {
		idx := t.hand
		t.hand = (t.hand + 1) % n
		f := t.entries[idx]
		if f == nil || f.Pinned {
			continue
		}
		if t.hwpt.Accessed(f.Pd, f.Upage) {
			t.hwpt.ClearAccessed(f.Pd, f.Upage)
			continue
		}
		if err := f.Owner.Evict(f.Pd, f.Upage); err != 0 {
			return 0, err
		}
		t.hand = (t.hand + 1) % n
		t.statsEvictions.Inc()
		return idx, 0
	}
	// Bounded pinning means this should never happen.
	panic("frame table eviction failed to find a victim")
}

// Alloc takes a free frame, or evicts one if the pool is exhausted.
// The returned frame is pinned, unbound (Owner nil, Upage 0), and
// already present in the table.
func (t *Table) Alloc() (uintptr, errs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findFreeLocked()
	if !ok {
		var err errs.Err_t
		idx, err = t.evictLocked()
		if err != 0 {
			return 0, err
		}
	}
	t.entries[idx] = &Frame{Kaddr: t.kaddrOf(idx), Pinned: true}
	t.statsAllocs.Inc()
	return t.kaddrOf(idx), 0
}

// Bind records ownership metadata for kaddr. The frame stays pinned
// until the caller calls Unpin, typically after filling its contents.
func (t *Table) Bind(kaddr, pd, upage uintptr, owner Evictor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.entries[t.idxOf(kaddr)]
	if f == nil {
		panic("bind of unallocated frame")
	}
	f.Pd = pd
	f.Upage = upage
	f.Owner = owner
}

// Unpin marks kaddr evictable.
func (t *Table) Unpin(kaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.entries[t.idxOf(kaddr)]
	if f == nil {
		panic("unpin of unallocated frame")
	}
	f.Pinned = false
}

// Free removes kaddr's entry and returns the frame to the pool.
func (t *Table) Free(kaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.idxOf(kaddr)
	if t.entries[idx] == nil {
		panic("double free of frame")
	}
	t.entries[idx] = nil
	t.statsFrees.Inc()
}

// Stats reports free/used/pinned frame counts, mirroring
// biscuit's Physmem_t.Pgcount diagnostic.
type Stats struct {
	Total, Used, Pinned int
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Total: len(t.entries)}
	for _, f := range t.entries {
		if f == nil {
			continue
		}
		s.Used++
		if f.Pinned {
			s.Pinned++
		}
	}
	return s
}

// Counters reports lifetime allocation/eviction/free activity,
// mirroring cache.Cache.Stats()'s activity-counter snapshot.
func (t *Table) Counters() stats.FrameStats {
	return stats.FrameStats{
		Allocs:    stats.Counter_t(t.statsAllocs.Get()),
		Evictions: stats.Counter_t(t.statsEvictions.Get()),
		Frees:     stats.Counter_t(t.statsFrees.Get()),
	}
}
