// Package spt implements the supplemental page table: per-process
// bookkeeping answering "where is this user page, and how do I
// materialise it", the page-fault fill path, and the eviction policy
// the frame table calls back into. Grounded on biscuit's
// vm.Vm_t/Vminfo_t (VANON/VFILE mapping types, Sys_pgfault's fill
// logic) narrowed to three SPTE kinds and a single eviction path in
// place of biscuit's full COW/shared-mapping machinery.
package spt

import (
	"sync"

	"kcore/errs"
	"kcore/frame"
	"kcore/hwpt"
	"kcore/inode"
	"kcore/swap"
)

// EntryType is the SPTE type discriminant.
type EntryType int

const (
	// EXEC backs a page from an executable's segment; clean,
	// non-writable EXEC pages are simply dropped on eviction since
	// they're re-readable from the file.
	EXEC EntryType = iota
	// MMAP backs a page from a memory-mapped file; dirty MMAP pages
	// always write back to the file on eviction.
	MMAP
	// TMP is an anonymous page (stack growth); it always goes to swap
	// when evicted.
	TMP
)

// Entry is one SPTE, keyed by user virtual page in the owning Table.
type Entry struct {
	Type     EntryType
	InMemory bool
	Frame    uintptr // valid iff InMemory

	// File backing.
	hasFile   bool
	File      *inode.OpenInode
	Offset    int
	ReadBytes int
	Writable  bool

	// Swap backing.
	hasSwap bool
	Slot    int
}

// Table is one process's SupplementalPageTable.
type Table struct {
	mu sync.Mutex

	pd     uintptr
	pt     hwpt.Table
	frames *frame.Table
	inodes *inode.Table
	swap   *swap.Area

	entries map[uintptr]*Entry
}

// New builds a SupplementalPageTable for page directory pd, backed by
// the given shared frame table, inode table, and swap area.
func New(pd uintptr, pt hwpt.Table, frames *frame.Table, inodes *inode.Table, sw *swap.Area) *Table {
	return &Table{
		pd:      pd,
		pt:      pt,
		frames:  frames,
		inodes:  inodes,
		swap:    sw,
		entries: make(map[uintptr]*Entry),
	}
}

// AddExec inserts a File-backed EXEC SPTE at upage, not yet in memory.
func (t *Table) AddExec(upage uintptr, file *inode.OpenInode, offset, readBytes int, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[upage] = &Entry{
		Type: EXEC, hasFile: true, File: file,
		Offset: offset, ReadBytes: readBytes, Writable: writable,
	}
}

// AddMmapRange adds pageCount MMAP SPTEs starting at beginUpage, file
// offsets running from fileOffset in frame.PageSize-sized strides; the
// last entry's read_bytes is finalReadBytes and its remainder
// zero-fills. An invalid finalReadBytes is rejected before any entry
// is inserted, so there is nothing to roll back.
func (t *Table) AddMmapRange(beginUpage uintptr, file *inode.OpenInode, fileOffset, pageCount, finalReadBytes int) errs.Err_t {
	if pageCount <= 0 {
		return errs.EINVAL
	}
	if finalReadBytes < 0 || finalReadBytes > frame.PageSize {
		return errs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < pageCount; i++ {
		upage := beginUpage + uintptr(i*frame.PageSize)
		readBytes := frame.PageSize
		if i == pageCount-1 {
			readBytes = finalReadBytes
		}
		t.entries[upage] = &Entry{
			Type: MMAP, hasFile: true, File: file,
			Offset: fileOffset + i*frame.PageSize, ReadBytes: readBytes, Writable: true,
		}
	}
	return 0
}

// AddStackPage allocates a zeroed frame, installs a writable hardware
// mapping, and records an in-memory TMP SPTE at upage — the
// stack-growth primitive.
func (t *Table) AddStackPage(upage uintptr) errs.Err_t {
	kaddr, err := t.frames.Alloc()
	if err != 0 {
		return err
	}
	data := t.frames.Data(kaddr)
	for i := range data {
		data[i] = 0
	}
	t.frames.Bind(kaddr, t.pd, upage, t)
	t.pt.Map(t.pd, upage, kaddr, true)
	t.frames.Unpin(kaddr)

	t.mu.Lock()
	t.entries[upage] = &Entry{Type: TMP, InMemory: true, Frame: kaddr, Writable: true}
	t.mu.Unlock()
	return 0
}

func (t *Table) fill(kaddr uintptr, e *Entry) errs.Err_t {
	data := t.frames.Data(kaddr)
	if e.hasSwap {
		if !t.swap.Read(e.Slot, data) {
			return errs.ECORRUPT
		}
		e.hasSwap = false
		return 0
	}
	for i := range data {
		data[i] = 0
	}
	if e.hasFile && e.ReadBytes > 0 {
		n, err := t.inodes.ReadAt(e.File, data[:e.ReadBytes], e.ReadBytes, e.Offset)
		if err != 0 {
			return err
		}
		if n != e.ReadBytes {
			return errs.EIO
		}
	}
	return 0
}

// Load is the page-fault handler's fill path: resolve the SPTE at
// upage, allocate a pinned frame, fill it from file or swap, install
// the hardware mapping with the right writable bit, then unpin. An
// absent SPTE is fatal to the caller (the caller is expected to have
// already tried the stack-growth heuristic and given up). An SPTE that
// is already in memory is left as it is and Load reports success.
func (t *Table) Load(upage uintptr) errs.Err_t {
	t.mu.Lock()
	e, ok := t.entries[upage]
	inMemory := ok && e.InMemory
	t.mu.Unlock()
	if !ok {
		return errs.EFAULT
	}
	if inMemory {
		return 0
	}

	kaddr, err := t.frames.Alloc()
	if err != 0 {
		return err
	}
	if err := t.fill(kaddr, e); err != 0 {
		t.frames.Free(kaddr)
		return err
	}

	writable := e.Writable || e.Type == TMP
	t.frames.Bind(kaddr, t.pd, upage, t)
	t.pt.Map(t.pd, upage, kaddr, writable)
	t.pt.ClearAccessed(t.pd, upage)
	t.pt.ClearDirty(t.pd, upage)

	t.mu.Lock()
	e.InMemory = true
	e.Frame = kaddr
	t.mu.Unlock()

	t.frames.Unpin(kaddr)
	return 0
}

// Evict implements frame.Evictor: called by FrameTable with the
// victim's owner context. It reads the hardware dirty bit, clears the
// hardware mapping (so no further user writes reach the frame), then
// applies the per-type write-back policy.
func (t *Table) Evict(pd, upage uintptr) errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[upage]
	if !ok {
		panic("evict of an SPTE the owning table does not have")
	}

	// The dirty bit lives in the mapping, so it is read before Clear.
	dirty := t.pt.Dirty(pd, upage)
	t.pt.Clear(pd, upage)
	kaddr := e.Frame
	data := t.frames.Data(kaddr)

	switch e.Type {
	case MMAP:
		if dirty {
			if _, err := t.inodes.WriteAt(e.File, data[:e.ReadBytes], e.ReadBytes, e.Offset); err != 0 {
				return err
			}
		}
	case EXEC:
		if e.Writable && dirty {
			slot, err := t.swap.Write(data)
			if err != 0 {
				return err
			}
			e.hasSwap = true
			e.Slot = slot
		}
		// clean, or read-only: drop silently, re-readable from file.
	case TMP:
		slot, err := t.swap.Write(data)
		if err != 0 {
			return err
		}
		e.hasSwap = true
		e.Slot = slot
	}

	e.InMemory = false
	e.Frame = 0
	// The caller (FrameTable, mid-eviction) repurposes kaddr itself
	// once this returns; calling frames.Free here would re-lock its
	// mutex from inside the call it made into us.
	return 0
}

// RemoveRange tears down pageCount SPTEs starting at beginUpage,
// writing back dirty in-memory MMAP pages, freeing frames and swap
// slots.
func (t *Table) RemoveRange(beginUpage uintptr, pageCount int) errs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < pageCount; i++ {
		upage := beginUpage + uintptr(i*frame.PageSize)
		e, ok := t.entries[upage]
		if !ok {
			continue
		}
		if e.InMemory {
			if e.Type == MMAP && t.pt.Dirty(t.pd, upage) {
				if _, err := t.inodes.WriteAt(e.File, t.frames.Data(e.Frame)[:e.ReadBytes], e.ReadBytes, e.Offset); err != 0 {
					return err
				}
			}
			t.pt.Clear(t.pd, upage)
			t.frames.Free(e.Frame)
		} else if e.hasSwap {
			t.swap.Free(e.Slot)
		}
		delete(t.entries, upage)
	}
	return 0
}

// Lookup reports whether an SPTE exists at upage, for the fault
// handler's decision table.
func (t *Table) Lookup(upage uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upage]
	return e, ok
}
