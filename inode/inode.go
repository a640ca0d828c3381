package inode

import (
	"sync"

	"kcore/cache"
	"kcore/errs"
)

// SectorAllocator is the free-sector bitmap's interface as consumed by
// this layer. bitmap.Bitmap satisfies this directly.
type SectorAllocator interface {
	Alloc() (int, bool)
	Free(i int)
}

// OpenInode is the in-memory handle for an open inode: sector of the
// DiskInode, open count, removed flag, deny-write count, and a cached
// length. "Once removed always removed" holds on every mutation.
// DenyWrite refuses to raise denyWriteCnt past openCount and AllowWrite
// refuses to lower it below zero; Close lowers openCount without
// checking denyWriteCnt.
type OpenInode struct {
	mu sync.Mutex

	sector      int
	openCount   int
	removed     bool
	denyWriteCnt int
	length      int
	isFile      bool

	// dirLock is the dedicated per-directory lock an external
	// directory layer takes to serialise lookup/add/remove on the
	// same directory.
	dirLock sync.Mutex
}

// Sector returns the sector this inode is stored at.
func (oi *OpenInode) Sector() int { return oi.sector }

// DirLock returns the per-inode lock an external directory layer
// serialises lookup/add/remove through.
func (oi *OpenInode) DirLock() *sync.Mutex { return &oi.dirLock }

// IsFile reports whether this inode is a regular file (false = directory).
func (oi *OpenInode) IsFile() bool {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return oi.isFile
}

// Length returns the cached byte length.
func (oi *OpenInode) Length() int {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	return oi.length
}

// Table is the process-wide singleton-per-sector OpenInode registry.
type Table struct {
	c     *cache.Cache
	alloc SectorAllocator
	open  *openTable
}

// NewTable builds an inode Table backed by c for sector I/O and alloc
// for (de)allocating data/indirect sectors.
func NewTable(c *cache.Cache, alloc SectorAllocator) *Table {
	return &Table{c: c, alloc: alloc, open: newOpenTable(61)}
}

// rollback releases every sector in allocated, in reverse order, used
// by Create's all-or-nothing failure path.
func rollback(alloc SectorAllocator, allocated []int) {
	for i := len(allocated) - 1; i >= 0; i-- {
		alloc.Free(allocated[i])
	}
}

// Create lays out a new DiskInode at sector, sized for length bytes,
// as an all-or-nothing operation: on any failure every sector
// allocated so far (data, singly-indirect, doubly-indirect) is
// released before returning failure. The sector itself must already be
// reserved by the caller (directory layer).
func (t *Table) Create(sector int, length int, isFile bool) errs.Err_t {
	if length < 0 {
		return errs.EINVAL
	}
	if sectorCount(length) > MaxFileSectors {
		return errs.EINVAL
	}

	n := sectorCount(length)
	var allocated []int
	var r rawInode
	for i := range r.direct {
		r.direct[i] = noSector
	}
	r.singly = noSector
	r.doubly = noSector
	r.length = uint32(length)
	r.isFile = isFile

	fail := func(err errs.Err_t) errs.Err_t {
		rollback(t.alloc, allocated)
		return err
	}

	// allocateZeroed claims a fresh sector and zeroes it in the cache,
	// marking it dirty so the zero content eventually reaches disk.
	// Every newly allocated data sector is zeroed, important for
	// sparse-read semantics and to avoid leaking stale disk content.
	allocateZeroed := func() (int, errs.Err_t) {
		s, ok := t.alloc.Alloc()
		if !ok {
			return 0, errs.ENOSPC
		}
		allocated = append(allocated, s)
		h, err := t.c.Get(s, cache.Exclusive, true)
		if err != 0 {
			return 0, err
		}
		h.Release(true)
		return s, 0
	}

	dataSectors := make([]uint32, n)
	for i := 0; i < n; i++ {
		s, err := allocateZeroed()
		if err != 0 {
			return fail(err)
		}
		dataSectors[i] = uint32(s)
	}

	for i := 0; i < n && i < NDirect; i++ {
		r.direct[i] = dataSectors[i]
	}

	if n > NDirect {
		sSector, err := allocateZeroed()
		if err != 0 {
			return fail(err)
		}
		r.singly = uint32(sSector)
		h, err2 := t.c.Get(sSector, cache.Exclusive, false)
		if err2 != 0 {
			return fail(err2)
		}
		buf := h.Data()
		for i := NDirect; i < n && i < NDirect+IndirectEntries; i++ {
			writeIndirect(buf, i-NDirect, dataSectors[i])
		}
		h.Release(true)
	}

	if n > NDirect+IndirectEntries {
		dSector, err := allocateZeroed()
		if err != 0 {
			return fail(err)
		}
		r.doubly = uint32(dSector)

		remaining := n - NDirect - IndirectEntries
		nouter := (remaining + IndirectEntries - 1) / IndirectEntries

		// Every inner block is built before the doubly-indirect block is
		// taken: an Exclusive handle keeps its entry locked, and any
		// further Get would block on that lock.
		innerSectors := make([]uint32, nouter)
		for o := 0; o < nouter; o++ {
			innerSector, err3 := allocateZeroed()
			if err3 != 0 {
				return fail(err3)
			}
			innerSectors[o] = uint32(innerSector)

			ih, err4 := t.c.Get(innerSector, cache.Exclusive, false)
			if err4 != 0 {
				return fail(err4)
			}
			ibuf := ih.Data()
			base := NDirect + IndirectEntries + o*IndirectEntries
			for k := 0; k < IndirectEntries; k++ {
				li := base + k
				if li >= n {
					break
				}
				writeIndirect(ibuf, k, dataSectors[li])
			}
			ih.Release(true)
		}

		dh, err2 := t.c.Get(dSector, cache.Exclusive, false)
		if err2 != 0 {
			return fail(err2)
		}
		dbuf := dh.Data()
		for o, s := range innerSectors {
			writeIndirect(dbuf, o, s)
		}
		dh.Release(true)
	}

	h, err := t.c.Get(sector, cache.Exclusive, true)
	if err != 0 {
		return fail(err)
	}
	encodeRaw(h.Data(), r)
	h.Release(true)
	return 0
}

// Open returns the unique OpenInode for sector, creating it (and
// reading its cached length/type from disk) if this is the first open.
func (t *Table) Open(sector int) (*OpenInode, errs.Err_t) {
	var openErr errs.Err_t
	oi, existed := t.open.lookupOrInsert(sector, func() *OpenInode {
		return &OpenInode{sector: sector}
	})
	if existed {
		return oi, 0
	}
	h, err := t.c.Get(sector, cache.Shared, false)
	if err != 0 {
		openErr = err
		t.open.dropIfLastRef(sector)
		return nil, openErr
	}
	r := decodeRaw(h.Data())
	h.Release(false)
	if !r.magicPresent {
		t.open.dropIfLastRef(sector)
		return nil, errs.ECORRUPT
	}
	oi.mu.Lock()
	oi.length = int(r.length)
	oi.isFile = r.isFile
	oi.mu.Unlock()
	return oi, 0
}

// Close drops a reference to oi. When the open count reaches zero and
// the inode was marked removed, every data sector, then every indirect
// sector (singly, inner, doubly), then the inode sector is released.
func (t *Table) Close(oi *OpenInode) errs.Err_t {
	_, last := t.open.dropIfLastRef(oi.sector)
	if !last {
		return 0
	}
	oi.mu.Lock()
	removed := oi.removed
	length := oi.length
	sector := oi.sector
	oi.mu.Unlock()
	if !removed {
		return 0
	}
	return t.freeAllBlocks(sector, length)
}

// Remove marks oi for deletion once its last reference closes. Once
// set, removed never clears.
func (t *Table) Remove(oi *OpenInode) {
	oi.mu.Lock()
	oi.removed = true
	oi.mu.Unlock()
}

func (t *Table) freeAllBlocks(sector, length int) errs.Err_t {
	h, err := t.c.Get(sector, cache.Shared, false)
	if err != 0 {
		return err
	}
	r := decodeRaw(h.Data())
	h.Release(false)

	n := sectorCount(length)

	for i := 0; i < n && i < NDirect; i++ {
		t.alloc.Free(int(r.direct[i]))
	}

	// indirect collects the singly-indirect, inner, and doubly-indirect
	// sectors so they are released after every data sector.
	var indirect []int

	if n > NDirect && r.singly != noSector {
		sh, err := t.c.Get(int(r.singly), cache.Shared, false)
		if err != 0 {
			return err
		}
		sbuf := append([]byte(nil), sh.Data()...)
		sh.Release(false)
		for i := NDirect; i < n && i < NDirect+IndirectEntries; i++ {
			t.alloc.Free(int(readIndirect(sbuf, i-NDirect)))
		}
		indirect = append(indirect, int(r.singly))
	}

	if n > NDirect+IndirectEntries && r.doubly != noSector {
		dh, err := t.c.Get(int(r.doubly), cache.Shared, false)
		if err != 0 {
			return err
		}
		dbuf := append([]byte(nil), dh.Data()...)
		dh.Release(false)

		remaining := n - NDirect - IndirectEntries
		nouter := (remaining + IndirectEntries - 1) / IndirectEntries
		for o := 0; o < nouter; o++ {
			innerSector := int(readIndirect(dbuf, o))
			ih, err := t.c.Get(innerSector, cache.Shared, false)
			if err != 0 {
				return err
			}
			ibuf := append([]byte(nil), ih.Data()...)
			ih.Release(false)
			base := NDirect + IndirectEntries + o*IndirectEntries
			for k := 0; k < IndirectEntries; k++ {
				li := base + k
				if li >= n {
					break
				}
				t.alloc.Free(int(readIndirect(ibuf, k)))
			}
			indirect = append(indirect, innerSector)
		}
		indirect = append(indirect, int(r.doubly))
	}

	for _, s := range indirect {
		t.alloc.Free(s)
	}
	t.alloc.Free(sector)
	return 0
}

// lookupSector translates logical sector index i of oi's file into a
// physical sector number, reading indirect blocks through the cache in
// Shared mode.
func (t *Table) lookupSector(r rawInode, i int) (int, errs.Err_t) {
	tg := translate(i)
	switch {
	case tg.direct:
		if r.direct[tg.directIdx] == noSector {
			return 0, errs.ECORRUPT
		}
		return int(r.direct[tg.directIdx]), 0
	case tg.singlyLevel:
		if r.singly == noSector {
			return 0, errs.ECORRUPT
		}
		h, err := t.c.Get(int(r.singly), cache.Shared, false)
		if err != 0 {
			return 0, err
		}
		v := readIndirect(h.Data(), tg.singlyIdx)
		h.Release(false)
		if v == noSector {
			return 0, errs.ECORRUPT
		}
		return int(v), 0
	default: // doubly indirect
		if r.doubly == noSector {
			return 0, errs.ECORRUPT
		}
		dh, err := t.c.Get(int(r.doubly), cache.Shared, false)
		if err != 0 {
			return 0, err
		}
		innerSector := readIndirect(dh.Data(), tg.outerIdx)
		dh.Release(false)
		if innerSector == noSector {
			return 0, errs.ECORRUPT
		}
		ih, err := t.c.Get(int(innerSector), cache.Shared, false)
		if err != 0 {
			return 0, err
		}
		v := readIndirect(ih.Data(), tg.innerIdx)
		ih.Release(false)
		if v == noSector {
			return 0, errs.ECORRUPT
		}
		return int(v), 0
	}
}

func (t *Table) readRaw(sector int) (rawInode, errs.Err_t) {
	h, err := t.c.Get(sector, cache.Shared, false)
	if err != 0 {
		return rawInode{}, err
	}
	r := decodeRaw(h.Data())
	h.Release(false)
	return r, 0
}

// ReadAt copies up to size bytes starting at offset into buf, stopping
// early (a short read, not an error) at end-of-file.
func (t *Table) ReadAt(oi *OpenInode, buf []byte, size, offset int) (int, errs.Err_t) {
	if offset < 0 || size < 0 {
		return 0, errs.EINVAL
	}
	length := oi.Length()
	if offset >= length {
		return 0, 0
	}
	if offset+size > length {
		size = length - offset
	}
	r, err := t.readRaw(oi.sector)
	if err != 0 {
		return 0, err
	}

	got := 0
	for got < size {
		pos := offset + got
		logical := pos / SectorSize
		secOff := pos % SectorSize
		n := SectorSize - secOff
		if n > size-got {
			n = size - got
		}
		sector, serr := t.lookupSector(r, logical)
		if serr != 0 {
			return got, serr
		}
		h, gerr := t.c.Get(sector, cache.Shared, false)
		if gerr != 0 {
			return got, gerr
		}
		copy(buf[got:got+n], h.Data()[secOff:secOff+n])
		h.Release(false)

		// enqueue read-ahead for the next sequential sector.
		if secOff+n == SectorSize && logical+1 < sectorCount(length) {
			if next, nerr := t.lookupSector(r, logical+1); nerr == 0 {
				t.c.EnqueueReadahead(next)
			}
		}
		got += n
	}
	return got, 0
}

// WriteAt copies up to size bytes from buf to offset. It never extends
// the file past its current length — a write beginning at or past EOF
// writes nothing — and it refuses entirely (returning 0) while
// deny-write is in effect.
func (t *Table) WriteAt(oi *OpenInode, buf []byte, size, offset int) (int, errs.Err_t) {
	if offset < 0 || size < 0 {
		return 0, errs.EINVAL
	}
	oi.mu.Lock()
	deny := oi.denyWriteCnt > 0
	length := oi.length
	oi.mu.Unlock()
	if deny {
		return 0, 0
	}
	if offset >= length {
		return 0, 0
	}
	if offset+size > length {
		size = length - offset
	}
	r, err := t.readRaw(oi.sector)
	if err != 0 {
		return 0, err
	}

	put := 0
	for put < size {
		pos := offset + put
		logical := pos / SectorSize
		secOff := pos % SectorSize
		n := SectorSize - secOff
		if n > size-put {
			n = size - put
		}
		sector, serr := t.lookupSector(r, logical)
		if serr != 0 {
			return put, serr
		}
		h, gerr := t.c.Get(sector, cache.Exclusive, false)
		if gerr != 0 {
			return put, gerr
		}
		copy(h.Data()[secOff:secOff+n], buf[put:put+n])
		h.Release(true)
		put += n
	}
	return put, 0
}

// CloseFreeMapThenFlush closes the free-map inode, then performs a
// final cache flush, in that order. Close itself writes nothing: the
// in-memory free-sector bitmap is not copied into the free-map file by
// this function or by Close, so the flush persists only what is
// already in the cache.
func CloseFreeMapThenFlush(t *Table, c *cache.Cache, freeMapInode *OpenInode) errs.Err_t {
	if err := t.Close(freeMapInode); err != 0 {
		return err
	}
	return c.Flush(true)
}

// DenyWrite increments the deny-write counter, used by the ELF loader
// while an executable is open. Refuses once the counter would exceed
// the open count.
func (oi *OpenInode) DenyWrite() {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.denyWriteCnt >= oi.openCount {
		panic("deny_write_cnt would exceed open_cnt")
	}
	oi.denyWriteCnt++
}

// AllowWrite decrements the deny-write counter.
func (oi *OpenInode) AllowWrite() {
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.denyWriteCnt <= 0 {
		panic("allow_write without matching deny_write")
	}
	oi.denyWriteCnt--
}
