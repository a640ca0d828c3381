// Package cache implements the buffer cache: a bounded set of
// sector-sized buffers serving reads and writes with reader/writer
// semantics per sector, clock eviction, periodic and final
// write-back, and FIFO read-ahead. It is the sole path by which any
// other component in this repo touches the block device.
package cache

import (
	"container/list"
	"sync"
	"time"

	"kcore/blockdev"
	"kcore/errs"
	"kcore/stats"
)

// DefaultSize is the default number of resident cache entries.
const DefaultSize = 64

// FlushInterval is how often the background write-back task runs.
const FlushInterval = 30 * time.Second

// Debug is a diagnostic switch in the same style as biscuit's
// fs.bdev_debug switch in blk.go. No code in this package reads it.
var Debug = false

// Cache is the BufferCache. All disk sector I/O in this repo goes
// through one.
type Cache struct {
	dev     blockdev.Device
	entries []*entry

	// newSector is the process-wide "new-sector" lock of the
	// admission protocol: held during the allocate-or-evict decision
	// so two concurrent misses for the same sector cannot both
	// allocate, and ordered outermost of the cache's lock chain ahead
	// of any per-entry lock.
	newSector sync.Mutex
	clockHand int

	raMu    sync.Mutex
	raQueue *list.List // FIFO of pending read-ahead sector numbers
	raCh    chan struct{}
	raStop  chan struct{}

	flushStop chan struct{}
	flushWG   sync.WaitGroup

	statsHits       stats.Counter_t
	statsMisses     stats.Counter_t
	statsEvictions  stats.Counter_t
	statsReadaheads stats.Counter_t
	statsWritebacks stats.Counter_t
}

// New builds a BufferCache of size entries over dev and starts its
// background write-back and read-ahead workers.
func New(dev blockdev.Device, size int) *Cache {
	if size <= 0 {
		// Out-of-memory at cache init is fatal: there is nothing
		// useful to return to a caller that can't allocate the cache.
		panic("cache size must be positive")
	}
	c := &Cache{
		dev:       dev,
		entries:   make([]*entry, size),
		raQueue:   list.New(),
		raCh:      make(chan struct{}, 1),
		raStop:    make(chan struct{}),
		flushStop: make(chan struct{}),
	}
	for i := range c.entries {
		c.entries[i] = newEntry(dev.SectorSize())
	}
	c.flushWG.Add(2)
	go c.flushLoop()
	go c.readaheadLoop()
	return c
}

// Stop halts the background workers without flushing. Callers that
// want a clean shutdown should call Flush(true) first.
func (c *Cache) Stop() {
	close(c.flushStop)
	close(c.raStop)
	c.flushWG.Wait()
}

// Handle is a granted reference to a cached sector. It must be
// released exactly once.
type Handle struct {
	c        *Cache
	e        *entry
	mode     AccessMode
	released bool
}

// Data returns the handle's sector-sized buffer. It is only safe to
// read (Shared) or read/write (Exclusive) while the handle is held.
func (h *Handle) Data() []byte {
	return h.e.data
}

// Sector reports which sector this handle refers to.
func (h *Handle) Sector() int {
	return h.e.sector
}

// Release drops the handle. dirty, if true, marks the sector dirty so
// it is written back on the next eviction, flush, or final flush.
func (h *Handle) Release(dirty bool) {
	if h.released {
		panic("cache handle released twice")
	}
	h.released = true
	switch h.mode {
	case Exclusive:
		h.e.releaseExclusiveLocked(dirty)
	case Shared:
		h.e.releaseShared(dirty)
	default:
		panic("cannot release a ReadAhead handle")
	}
}

// peek briefly locks e to read its identity fields: a scan for a hit
// under per-entry locks, a read-only check rather than a held
// acquisition.
func peek(e *entry, sector int) bool {
	e.mu.Lock()
	hit := e.allocated && e.sector == sector
	e.mu.Unlock()
	return hit
}

func (c *Cache) findHit(sector int) *entry {
	for _, e := range c.entries {
		if peek(e, sector) {
			return e
		}
	}
	return nil
}

func (c *Cache) findFreeLocked() *entry {
	for _, e := range c.entries {
		e.mu.Lock()
		if !e.allocated {
			return e
		}
		e.mu.Unlock()
	}
	return nil
}

// evictLocked runs the clock algorithm. The caller must hold
// c.newSector. It returns with the victim's entry lock held (still
// exclusive) so the caller can safely repurpose it.
func (c *Cache) evictLocked() (*entry, errs.Err_t) {
	n := len(c.entries)
	maxSteps := 2 * n
	for step := 0; step < maxSteps; step++ {
		idx := c.clockHand
		c.clockHand = (c.clockHand + 1) % n
		e := c.entries[idx]
		e.mu.Lock()
		if !e.allocated {
			return e, 0
		}
		e.acquireExclusiveLocked(true)
		if e.accessed {
			e.accessed = false
			e.releaseExclusiveLocked(false)
			continue
		}
		if e.dirty {
			if err := c.dev.WriteSector(e.sector, e.data); err != 0 {
				e.releaseExclusiveLocked(false)
				return nil, err
			}
			e.dirty = false
			c.statsWritebacks.Inc()
		}
		return e, 0
	}
	// Cache size is assumed much greater than concurrent holders, so
	// this should never happen.
	panic("buffer cache eviction failed to find a victim")
}

// Get acquires sector in mode, loading it from disk (or zeroing it, if
// isNew) on a miss. ReadAhead never returns a usable handle: a hit is
// a no-op and a miss is loaded but not handed out.
func (c *Cache) Get(sector int, mode AccessMode, isNew bool) (*Handle, errs.Err_t) {
	if e := c.findHit(sector); e != nil {
		c.statsHits.Inc()
		if h, err, ok := c.grant(e, sector, mode, false); ok {
			return h, err
		}
		// e was evicted and repurposed between the peek and the
		// acquisition below; fall through and retry as a fresh Get.
		return c.Get(sector, mode, isNew)
	}

	c.newSector.Lock()
	if e := c.findHit(sector); e != nil {
		c.newSector.Unlock()
		c.statsHits.Inc()
		if h, err, ok := c.grant(e, sector, mode, false); ok {
			return h, err
		}
		return c.Get(sector, mode, isNew)
	}

	var e *entry
	if fe := c.findFreeLocked(); fe != nil {
		e = fe
	} else {
		ve, err := c.evictLocked()
		if err != 0 {
			c.newSector.Unlock()
			return nil, err
		}
		e = ve
		c.statsEvictions.Inc()
	}

	e.sector = sector
	e.dirty = false
	e.sharedRefs = 0
	e.accessed = false

	var loadErr errs.Err_t
	if isNew {
		for i := range e.data {
			e.data[i] = 0
		}
	} else {
		loadErr = c.dev.ReadSector(sector, e.data)
	}
	if loadErr != 0 {
		e.allocated = false
		e.releaseExclusiveLocked(false)
		c.newSector.Unlock()
		return nil, loadErr
	}
	e.allocated = true
	c.newSector.Unlock()
	c.statsMisses.Inc()
	h, err, _ := c.grant(e, sector, mode, true)
	return h, err
}

// grant hands out a handle for an entry already locked exclusively
// (freshlyLoaded) or not yet locked at all (a hit found by findHit,
// which only peeked). It implements the acquire half of the cache's
// reader/writer semantics.
//
// For a hit (!freshlyLoaded), the entry was unlocked between the peek
// that found it and this call, so it may have been evicted and
// repurposed for a different sector in the gap. The third return
// value is false in that case, instructing the caller to retry the
// whole Get as a fresh lookup rather than hand out a handle for the
// wrong sector.
func (c *Cache) grant(e *entry, sector int, mode AccessMode, freshlyLoaded bool) (*Handle, errs.Err_t, bool) {
	switch mode {
	case Exclusive:
		if !freshlyLoaded {
			e.mu.Lock()
			if !e.allocated || e.sector != sector {
				e.mu.Unlock()
				return nil, 0, false
			}
			e.acquireExclusiveLocked(false)
		} else {
			e.accessed = true
		}
		return &Handle{c: c, e: e, mode: Exclusive}, 0, true
	case Shared:
		if !freshlyLoaded {
			e.mu.Lock()
			if !e.allocated || e.sector != sector {
				e.mu.Unlock()
				return nil, 0, false
			}
			e.acquireSharedLocked()
		} else {
			e.sharedRefs = 1
			e.accessed = true
			e.mu.Unlock()
		}
		return &Handle{c: c, e: e, mode: Shared}, 0, true
	case ReadAhead:
		// Either this was a hit (nothing to do) or we just loaded it
		// as a warmup (freshlyLoaded, still holding the lock — release
		// it without marking accessed, so prefetching never biases
		// the clock against genuinely-used sectors).
		if freshlyLoaded {
			e.releaseExclusiveLocked(false)
		}
		return nil, 0, true
	default:
		panic("bad access mode")
	}
}

// EnqueueReadahead schedules sector for background prefetch. Callers
// (typically the inode layer, which knows how to resolve the next
// logical offset to a sector) push one request per sequential read;
// the worker drains the FIFO one at a time so producers are never
// starved.
func (c *Cache) EnqueueReadahead(sector int) {
	c.raMu.Lock()
	c.raQueue.PushBack(sector)
	c.raMu.Unlock()
	select {
	case c.raCh <- struct{}{}:
	default:
	}
}

func (c *Cache) readaheadLoop() {
	defer c.flushWG.Done()
	for {
		select {
		case <-c.raStop:
			return
		case <-c.raCh:
		}
		for {
			c.raMu.Lock()
			front := c.raQueue.Front()
			var sector int
			if front != nil {
				sector = front.Value.(int)
				c.raQueue.Remove(front)
			}
			c.raMu.Unlock()
			if front == nil {
				break
			}
			c.statsReadaheads.Inc()
			c.Get(sector, ReadAhead, false)
		}
	}
}

func (c *Cache) flushLoop() {
	defer c.flushWG.Done()
	t := time.NewTicker(FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-t.C:
			c.Flush(false)
		}
	}
}

// Flush walks every entry, writing back any allocated dirty one. If
// final is true, every entry is also deallocated — the last step of
// an orderly shutdown.
func (c *Cache) Flush(final bool) errs.Err_t {
	for _, e := range c.entries {
		e.mu.Lock()
		e.acquireExclusiveLocked(true)
		if e.allocated && e.dirty {
			if err := c.dev.WriteSector(e.sector, e.data); err != 0 {
				e.releaseExclusiveLocked(false)
				return err
			}
			e.dirty = false
			c.statsWritebacks.Inc()
		}
		if final {
			e.allocated = false
		}
		e.releaseExclusiveLocked(false)
	}
	return 0
}

// Stats returns a point-in-time snapshot of cache activity counters.
func (c *Cache) Stats() stats.CacheStats {
	return stats.CacheStats{
		Hits:       stats.Counter_t(c.statsHits.Get()),
		Misses:     stats.Counter_t(c.statsMisses.Get()),
		Evictions:  stats.Counter_t(c.statsEvictions.Get()),
		Readaheads: stats.Counter_t(c.statsReadaheads.Get()),
		Writebacks: stats.Counter_t(c.statsWritebacks.Get()),
	}
}

// Size returns the number of resident entries.
func (c *Cache) Size() int {
	return len(c.entries)
}

// SectorSize returns the underlying device's sector size.
func (c *Cache) SectorSize() int {
	return c.dev.SectorSize()
}
