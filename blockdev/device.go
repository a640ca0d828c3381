// Package blockdev gives concrete shape to the synchronous sector
// device every core subsystem treats as an external collaborator:
// read_sector and write_sector on a fixed sector size, with a
// queryable device size. Every disk I/O failure from a Device is
// fatal to the calling core operation — propagated, never retried.
package blockdev

import "kcore/errs"

// Device is a sector-addressable block device.
type Device interface {
	// ReadSector reads exactly SectorSize() bytes for sector n into buf.
	ReadSector(n int, buf []byte) errs.Err_t
	// WriteSector writes exactly SectorSize() bytes from buf to sector n.
	WriteSector(n int, buf []byte) errs.Err_t
	// NumSectors reports the device's capacity in sectors.
	NumSectors() int
	// SectorSize reports the fixed sector size in bytes.
	SectorSize() int
}
