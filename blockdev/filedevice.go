package blockdev

import (
	"os"

	"kcore/errs"
)

// FileDevice is a Device backed by a regular host file, used by disk
// image tooling (cmd/mkcorefs) the same way biscuit's mkfs builds a
// bootable image by writing sectors into an os.File.
type FileDevice struct {
	f          *os.File
	sectorSize int
	nsectors   int
}

// OpenFileDevice opens (or creates, truncating to nsectors*sectorSize)
// path as a FileDevice.
func OpenFileDevice(path string, nsectors, sectorSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	sz := int64(nsectors) * int64(sectorSize)
	if err := f.Truncate(sz); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, sectorSize: sectorSize, nsectors: nsectors}, nil
}

func (d *FileDevice) ReadSector(n int, buf []byte) errs.Err_t {
	if n < 0 || n >= d.nsectors || len(buf) != d.sectorSize {
		panic("bad read_sector args")
	}
	if _, err := d.f.ReadAt(buf, int64(n)*int64(d.sectorSize)); err != nil {
		return errs.EIO
	}
	return 0
}

func (d *FileDevice) WriteSector(n int, buf []byte) errs.Err_t {
	if n < 0 || n >= d.nsectors || len(buf) != d.sectorSize {
		panic("bad write_sector args")
	}
	if _, err := d.f.WriteAt(buf, int64(n)*int64(d.sectorSize)); err != nil {
		return errs.EIO
	}
	return 0
}

func (d *FileDevice) NumSectors() int { return d.nsectors }
func (d *FileDevice) SectorSize() int { return d.sectorSize }

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
