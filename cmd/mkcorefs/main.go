// Command mkcorefs formats a disk image with the minimal layout the
// core layers need to boot: a free-sector bitmap inode at sector 0
// and an empty root directory inode at sector 1. Grounded on
// biscuit's mkfs.go, narrowed to what the inode/cache/bitmap layers
// here actually consume — no bootloader or kernel image concatenation.
package main

import (
	"flag"
	"fmt"
	"os"

	"kcore/bitmap"
	"kcore/blockdev"
	"kcore/cache"
	"kcore/dirent"
	"kcore/errs"
	"kcore/inode"
)

const (
	freeMapSector = 0
	rootDirSector = 1
)

func main() {
	image := flag.String("image", "", "path to the disk image to create")
	nsectors := flag.Int("sectors", 8192, "total sectors in the image")
	flag.Parse()

	if *image == "" {
		fmt.Fprintln(os.Stderr, "mkcorefs: -image is required")
		os.Exit(1)
	}
	if err := format(*image, *nsectors); err != nil {
		fmt.Fprintf(os.Stderr, "mkcorefs: %v\n", err)
		os.Exit(1)
	}
}

// writeDirentAt encodes e and writes it at offset within dir's data.
func writeDirentAt(inodes *inode.Table, dir *inode.OpenInode, offset int, e dirent.Entry) errs.Err_t {
	var buf [dirent.Size]byte
	if err := dirent.Encode(buf[:], e); err != 0 {
		return err
	}
	n, err := inodes.WriteAt(dir, buf[:], dirent.Size, offset)
	if err != 0 {
		return err
	}
	if n != dirent.Size {
		return errs.EIO
	}
	return 0
}

func format(image string, nsectors int) error {
	dev, err := blockdev.OpenFileDevice(image, nsectors, inode.SectorSize)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer dev.Close()

	c := cache.New(dev, cache.DefaultSize)
	defer c.Stop()

	bm := bitmap.New(nsectors)
	// Sectors 0 and 1 are reserved for the free-map and root-directory
	// inodes themselves; claim them in order before handing the
	// allocator to the inode layer.
	if s, ok := bm.Alloc(); !ok || s != freeMapSector {
		panic("mkcorefs: sector allocation order assumption violated")
	}
	if s, ok := bm.Alloc(); !ok || s != rootDirSector {
		panic("mkcorefs: sector allocation order assumption violated")
	}

	inodes := inode.NewTable(c, bm)

	// The free-map inode's own length is irrelevant to booting (the
	// bitmap lives in memory, not on disk, in this design); record it
	// as a zero-length file so Open/Close accounting still works.
	if err := inodes.Create(freeMapSector, 0, true); err != 0 {
		return fmt.Errorf("create free-map inode: %v", err)
	}
	rootLen := dirent.Size * dirent.PerSector(inode.SectorSize)
	if err := inodes.Create(rootDirSector, rootLen, false); err != 0 {
		return fmt.Errorf("create root directory inode: %v", err)
	}

	freeMapInode, ferr := inodes.Open(freeMapSector)
	if ferr != 0 {
		return fmt.Errorf("open free-map inode: %v", ferr)
	}

	rootInode, rerr := inodes.Open(rootDirSector)
	if rerr != 0 {
		return fmt.Errorf("open root directory inode: %v", rerr)
	}

	// Every directory, including root, carries "." and ".." entries;
	// root's ".." points back at itself rather than at a parent.
	if err := writeDirentAt(inodes, rootInode, 0, dirent.Entry{InUse: true, InodeSector: rootDirSector, Name: "."}); err != 0 {
		return fmt.Errorf("write root '.' entry: %v", err)
	}
	if err := writeDirentAt(inodes, rootInode, dirent.Size, dirent.Entry{InUse: true, InodeSector: rootDirSector, Name: ".."}); err != 0 {
		return fmt.Errorf("write root '..' entry: %v", err)
	}

	if err := inode.CloseFreeMapThenFlush(inodes, c, freeMapInode); err != 0 {
		return fmt.Errorf("shutdown: %v", err)
	}
	if err := inodes.Close(rootInode); err != 0 {
		return fmt.Errorf("close root inode: %v", err)
	}
	return nil
}
