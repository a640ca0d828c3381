// Package dirent defines the on-disk directory-entry record: a fixed
// inode sector number, a fixed-width name, and an in-use flag. It
// stops at the record codec — looking up, adding, or removing entries
// by name is directory-traversal logic, left to an external layer, the
// same way inode.OpenInode exposes DirLock() as a hook rather than
// implementing the lookup/add/remove operations that lock serializes.
package dirent

import (
	"encoding/binary"

	"kcore/errs"
)

// NameMax is the longest file name a directory entry can hold,
// excluding the trailing NUL.
const NameMax = 63

const (
	offInUse  = 0
	offSector = offInUse + 4
	offName   = offSector + 4
	// Size is the fixed on-disk size of one directory entry.
	Size = offName + NameMax + 1
)

// Entry is a decoded directory-entry record.
type Entry struct {
	InUse       bool
	InodeSector int
	Name        string
}

// Encode writes e into buf, which must be at least Size bytes. It
// returns errs.EINVAL, leaving buf untouched, if e.Name is too long to
// fit the fixed-width record.
func Encode(buf []byte, e Entry) errs.Err_t {
	if len(e.Name) > NameMax {
		return errs.EINVAL
	}
	for i := range buf[:Size] {
		buf[i] = 0
	}
	if e.InUse {
		binary.LittleEndian.PutUint32(buf[offInUse:], 1)
	}
	binary.LittleEndian.PutUint32(buf[offSector:], uint32(e.InodeSector))
	copy(buf[offName:offName+NameMax], e.Name)
	return 0
}

// Decode reads one directory-entry record from buf, which must be at
// least Size bytes.
func Decode(buf []byte) Entry {
	inUse := binary.LittleEndian.Uint32(buf[offInUse:]) != 0
	sector := binary.LittleEndian.Uint32(buf[offSector:])
	nameBytes := buf[offName : offName+NameMax+1]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	return Entry{
		InUse:       inUse,
		InodeSector: int(sector),
		Name:        string(nameBytes[:n]),
	}
}

// PerSector reports how many fixed-size entries fit in one sector of
// the given size.
func PerSector(sectorSize int) int {
	return sectorSize / Size
}
