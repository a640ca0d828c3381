// Package inode implements the on-disk inode: direct, singly-indirect,
// and doubly-indirect block addressing layered over the buffer cache,
// with byte-offset⇄sector translation, open/close singleton tracking,
// and deny-write support for the ELF loader.
package inode

import (
	"encoding/binary"
)

// SectorSize is this layer's on-disk sector size; 512 bytes is the
// common case.
const SectorSize = 512

// entrySize is sizeof(sector number) on disk: a 4-byte index, matching
// biscuit's util.Readn/Writen fixed-width field codec used on
// fs.Superblock_t.
const entrySize = 4

// NDirect is the number of direct block pointers stored in a DiskInode.
const NDirect = 121

// IndirectEntries is how many sector numbers fit in one indirect block.
const IndirectEntries = SectorSize / entrySize

// MaxFileSectors is (N_DIRECT + S + S^2), the number of logical sectors
// reachable through direct, singly-, and doubly-indirect blocks.
const MaxFileSectors = NDirect + IndirectEntries + IndirectEntries*IndirectEntries

// MaxFileSize is the largest file size this layout can address, in bytes.
const MaxFileSize = MaxFileSectors * SectorSize

// diskMagic marks a sector as a valid DiskInode, guarding against
// reading an uninitialized or corrupt sector as an inode.
const diskMagic = 0x494e4f44 // "INOD"

// noSector marks a direct/indirect slot as not-yet-allocated. Sector 0
// is a legitimate sector (it holds the free-map's own inode) so an
// all-zero slot cannot mean "empty"; this layer uses the all-ones
// sentinel instead.
const noSector uint32 = 0xffffffff

// Layout of one on-disk DiskInode sector, as byte offsets:
//
//	[offDirect, offSingly)   direct block numbers (NDirect*4 bytes)
//	[offSingly, offDoubly)   singly-indirect block number
//	[offDoubly, offLength)   doubly-indirect block number
//	[offLength, offIsFile)   length in bytes
//	[offIsFile, offMagic)    is_file flag in the first byte (1 = file, 0 = dir)
//	[offMagic, layoutSize)   magic
//	remainder                zero padding
const (
	offDirect  = 0
	offSingly  = NDirect * entrySize
	offDoubly  = offSingly + entrySize
	offLength  = offDoubly + entrySize
	offIsFile  = offLength + entrySize
	offMagic   = offIsFile + entrySize
	layoutSize = offMagic + entrySize
)

func init() {
	if layoutSize > SectorSize {
		panic("inode layout does not fit in a sector")
	}
}

// rawInode is a decoded view of one on-disk DiskInode sector.
type rawInode struct {
	direct       [NDirect]uint32
	singly       uint32
	doubly       uint32
	length       uint32
	isFile       bool
	magicPresent bool
}

func decodeRaw(buf []byte) rawInode {
	var r rawInode
	for i := 0; i < NDirect; i++ {
		r.direct[i] = binary.LittleEndian.Uint32(buf[offDirect+i*entrySize:])
	}
	r.singly = binary.LittleEndian.Uint32(buf[offSingly:])
	r.doubly = binary.LittleEndian.Uint32(buf[offDoubly:])
	r.length = binary.LittleEndian.Uint32(buf[offLength:])
	r.isFile = buf[offIsFile] != 0
	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	r.magicPresent = magic == diskMagic
	return r
}

func encodeRaw(buf []byte, r rawInode) {
	for i := range buf {
		buf[i] = 0
	}
	for i := 0; i < NDirect; i++ {
		binary.LittleEndian.PutUint32(buf[offDirect+i*entrySize:], r.direct[i])
	}
	binary.LittleEndian.PutUint32(buf[offSingly:], r.singly)
	binary.LittleEndian.PutUint32(buf[offDoubly:], r.doubly)
	binary.LittleEndian.PutUint32(buf[offLength:], r.length)
	if r.isFile {
		buf[offIsFile] = 1
	}
	binary.LittleEndian.PutUint32(buf[offMagic:], diskMagic)
}

func readIndirect(buf []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(buf[idx*entrySize:])
}

func writeIndirect(buf []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(buf[idx*entrySize:], v)
}

// sectorCount returns ceil(length / SectorSize).
func sectorCount(length int) int {
	return (length + SectorSize - 1) / SectorSize
}

// translate resolves logical sector index i into the byte-to-sector
// translation table's addressing path, reporting which indirect level
// (if any) must be consulted.
type target struct {
	direct      bool
	singlyLevel bool
	doublyLevel bool
	// within the relevant level:
	directIdx int // for direct
	singlyIdx int // for singly: index into the singly-indirect block
	outerIdx  int // for doubly: index into the doubly-indirect block
	innerIdx  int // for doubly: index into the selected singly block
}

func translate(i int) target {
	if i < NDirect {
		return target{direct: true, directIdx: i}
	}
	i -= NDirect
	if i < IndirectEntries {
		return target{singlyLevel: true, singlyIdx: i}
	}
	i -= IndirectEntries
	return target{
		doublyLevel: true,
		outerIdx:    i / IndirectEntries,
		innerIdx:    i % IndirectEntries,
	}
}
