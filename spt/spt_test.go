package spt

import (
	"bytes"
	"testing"

	"kcore/bitmap"
	"kcore/blockdev"
	"kcore/cache"
	"kcore/frame"
	"kcore/hwpt"
	"kcore/inode"
	"kcore/swap"
)

type harness struct {
	pt     *hwpt.Sim
	frames *frame.Table
	inodes *inode.Table
	swap   *swap.Area
	spt    *Table
}

func newHarness(t *testing.T, nframes int) *harness {
	t.Helper()
	dataDev := blockdev.NewMemDevice(4096, inode.SectorSize)
	c := cache.New(dataDev, 64)
	t.Cleanup(c.Stop)
	bm := bitmap.New(4096)
	bm.Alloc() // reserve sector 0
	inodes := inode.NewTable(c, bm)

	swapDev := blockdev.NewMemDevice(8*swap.SectorsPerPage, swap.SectorSize)
	sw := swap.New(swapDev)

	pt := hwpt.NewSim()
	frames := frame.New(nframes, pt)

	const pd = 1
	s := New(pd, pt, frames, inodes, sw)
	return &harness{pt: pt, frames: frames, inodes: inodes, swap: sw, spt: s}
}

func (h *harness) createFile(t *testing.T, sector, length int) *inode.OpenInode {
	t.Helper()
	if err := h.inodes.Create(sector, length, true); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	oi, err := h.inodes.Open(sector)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	return oi
}

// TestSwapEvictionRoundTrip fills the frame pool with dirty TMP pages,
// allocates one more so a victim is forced to swap, then faults on
// the victim's upage and confirms identical bytes come back and the
// slot is freed.
func TestSwapEvictionRoundTrip(t *testing.T) {
	h := newHarness(t, 1)

	const victimUpage = 0x401000
	if err := h.spt.AddStackPage(victimUpage); err != 0 {
		t.Fatalf("AddStackPage: %v", err)
	}
	kaddr, ok := h.pt.Translate(1, victimUpage)
	if !ok {
		t.Fatal("expected a hardware mapping after AddStackPage")
	}
	pattern := bytes.Repeat([]byte{0x77}, frame.PageSize)
	copy(h.frames.Data(kaddr), pattern)
	h.pt.Touch(1, victimUpage, true) // mark dirty so eviction must swap it

	const newUpage = 0x402000
	if err := h.spt.AddStackPage(newUpage); err != 0 {
		t.Fatalf("AddStackPage (forces eviction): %v", err)
	}

	e, ok := h.spt.Lookup(victimUpage)
	if !ok {
		t.Fatal("expected victim SPTE to still exist after eviction")
	}
	if e.InMemory {
		t.Fatal("expected victim to be evicted (not in memory)")
	}
	if !e.hasSwap {
		t.Fatal("expected victim's backing to be Swap after eviction")
	}

	if err := h.spt.Load(victimUpage); err != 0 {
		t.Fatalf("Load after eviction: %v", err)
	}
	kaddr2, ok := h.pt.Translate(1, victimUpage)
	if !ok {
		t.Fatal("expected mapping restored after Load")
	}
	if !bytes.Equal(h.frames.Data(kaddr2), pattern) {
		t.Fatal("swapped-in page content mismatch")
	}
	e2, _ := h.spt.Lookup(victimUpage)
	if e2.hasSwap {
		t.Fatal("expected swap slot freed after successful Load")
	}
}

// TestMmapWriteBackOnEvict verifies a dirty MMAP page writes back to
// its file when evicted.
func TestMmapWriteBackOnEvict(t *testing.T) {
	h := newHarness(t, 1)
	oi := h.createFile(t, 10, frame.PageSize)

	const upage = 0x500000
	if err := h.spt.AddMmapRange(upage, oi, 0, 1, frame.PageSize); err != 0 {
		t.Fatalf("AddMmapRange: %v", err)
	}
	if err := h.spt.Load(upage); err != 0 {
		t.Fatalf("Load: %v", err)
	}
	kaddr, ok := h.pt.Translate(1, upage)
	if !ok {
		t.Fatal("expected mapping after Load")
	}
	pattern := bytes.Repeat([]byte{0x5C}, frame.PageSize)
	copy(h.frames.Data(kaddr), pattern)
	h.pt.Touch(1, upage, true)

	// force eviction of this sole frame by allocating another stack
	// page, which must fall back to evicting the only resident frame.
	if err := h.spt.AddStackPage(0x600000); err != 0 {
		t.Fatalf("AddStackPage: %v", err)
	}

	got := make([]byte, frame.PageSize)
	n, err := h.inodes.ReadAt(oi, got, frame.PageSize, 0)
	if err != 0 || n != frame.PageSize {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatal("mmap write-back content mismatch")
	}
}

// TestMmapCleanUnmapDoesNotTouchFile verifies unmap without
// dirtying leaves file contents untouched.
func TestMmapCleanUnmapDoesNotTouchFile(t *testing.T) {
	h := newHarness(t, 1)
	original := bytes.Repeat([]byte{0x11}, frame.PageSize)
	oi := h.createFile(t, 10, frame.PageSize)
	if n, err := h.inodes.WriteAt(oi, original, len(original), 0); err != 0 || n != len(original) {
		t.Fatalf("seed WriteAt: n=%d err=%v", n, err)
	}

	const upage = 0x500000
	if err := h.spt.AddMmapRange(upage, oi, 0, 1, frame.PageSize); err != 0 {
		t.Fatalf("AddMmapRange: %v", err)
	}
	if err := h.spt.Load(upage); err != 0 {
		t.Fatalf("Load: %v", err)
	}
	// read, but never write or mark dirty.
	_ = h.frames.Data(mustKaddr(t, h, upage))[0]

	if err := h.spt.RemoveRange(upage, 1); err != 0 {
		t.Fatalf("RemoveRange: %v", err)
	}

	got := make([]byte, frame.PageSize)
	n, err := h.inodes.ReadAt(oi, got, frame.PageSize, 0)
	if err != 0 || n != frame.PageSize {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, original) {
		t.Fatal("clean mmap page must not alter file contents on removal")
	}
}

func mustKaddr(t *testing.T, h *harness, upage uintptr) uintptr {
	t.Helper()
	k, ok := h.pt.Translate(1, upage)
	if !ok {
		t.Fatalf("no mapping for upage %#x", upage)
	}
	return k
}

func TestAddMmapRangeRejectsBadFinalReadBytes(t *testing.T) {
	h := newHarness(t, 4)
	oi := h.createFile(t, 10, frame.PageSize)
	if err := h.spt.AddMmapRange(0x700000, oi, 0, 2, frame.PageSize+1); err == 0 {
		t.Fatal("expected EINVAL for out-of-range final read_bytes")
	}
	if _, ok := h.spt.Lookup(0x700000); ok {
		t.Fatal("expected no entries inserted after a rejected AddMmapRange")
	}
}

func TestRemoveRangeFreesSwapSlot(t *testing.T) {
	h := newHarness(t, 1)
	const a, b = 0x10000, 0x11000
	if err := h.spt.AddStackPage(a); err != 0 {
		t.Fatalf("AddStackPage a: %v", err)
	}
	h.pt.Touch(1, a, true)
	if err := h.spt.AddStackPage(b); err != 0 {
		t.Fatalf("AddStackPage b (evicts a): %v", err)
	}
	e, ok := h.spt.Lookup(a)
	if !ok || !e.hasSwap {
		t.Fatal("expected a to be swapped out")
	}
	before := h.swap.FreeCount()
	if err := h.spt.RemoveRange(a, 1); err != 0 {
		t.Fatalf("RemoveRange: %v", err)
	}
	if h.swap.FreeCount() <= before {
		t.Fatal("expected swap slot freed by RemoveRange")
	}
}
