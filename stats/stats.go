// Package stats provides the small hand-rolled counters every bounded
// resource pool in this repo reports: cache hits/misses/evictions, and
// frame allocations/evictions. Modeled on biscuit's own stats
// package (an atomic Counter_t gated by a compile-time switch) rather
// than a metrics library, since none of the retrieved corpus reaches
// for prometheus/expvar for kernel-internal counters.
package stats

import "sync/atomic"

// Enabled gates whether counters actually increment. Flipping it off
// removes the cost of the atomic add on hot paths, same tradeoff
// biscuit's "const Stats = false" switch makes.
var Enabled = true

// Counter_t is a statistical counter safe for concurrent increment.
type Counter_t int64

// Inc increments the counter by one when counting is enabled.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds n to the counter when counting is enabled.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// CacheStats snapshots BufferCache activity.
type CacheStats struct {
	Hits       Counter_t
	Misses     Counter_t
	Evictions  Counter_t
	Readaheads Counter_t
	Writebacks Counter_t
}

// FrameStats snapshots FrameTable activity.
type FrameStats struct {
	Allocs    Counter_t
	Evictions Counter_t
	Frees     Counter_t
}
