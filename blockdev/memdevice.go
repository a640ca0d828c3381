package blockdev

import "kcore/errs"

// MemDevice is an in-memory Device, for fast unit tests of the layers
// above it (BufferCache, Inode, SwapArea) that must not depend on a
// real disk.
type MemDevice struct {
	sectorSize int
	sectors    [][]byte
	// FailAt, when >= 0, makes ReadSector/WriteSector on that sector
	// number fail with errs.EIO; used to exercise callers' handling of
	// a fatal disk I/O failure.
	FailAt int
}

// NewMemDevice allocates a zeroed device of n sectors of the given size.
func NewMemDevice(n, sectorSize int) *MemDevice {
	d := &MemDevice{
		sectorSize: sectorSize,
		sectors:    make([][]byte, n),
		FailAt:     -1,
	}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

func (d *MemDevice) ReadSector(n int, buf []byte) errs.Err_t {
	if n == d.FailAt {
		return errs.EIO
	}
	if n < 0 || n >= len(d.sectors) {
		panic("sector out of range")
	}
	if len(buf) != d.sectorSize {
		panic("bad buffer size")
	}
	copy(buf, d.sectors[n])
	return 0
}

func (d *MemDevice) WriteSector(n int, buf []byte) errs.Err_t {
	if n == d.FailAt {
		return errs.EIO
	}
	if n < 0 || n >= len(d.sectors) {
		panic("sector out of range")
	}
	if len(buf) != d.sectorSize {
		panic("bad buffer size")
	}
	copy(d.sectors[n], buf)
	return 0
}

func (d *MemDevice) NumSectors() int { return len(d.sectors) }
func (d *MemDevice) SectorSize() int { return d.sectorSize }
