package xfs

import (
	"encoding/binary"
	"fmt"
)

// Directory data block magics: "XD2D"/"XD2B" (V4), "XDD3"/"XDB3" (V5).
const (
	dirDataMagic    = 0x58443244
	dirBlockMagic   = 0x58443242
	dirDataMagicV5  = 0x58444433
	dirBlockMagicV5 = 0x58444233

	dirDataHdrSize   = 16
	dirDataHdrSizeV5 = 64
	dirDataOffCRC    = 4

	// Data entries are 8-byte aligned; free regions are marked by
	// this tag in place of the inode number's high half.
	dirDataAlign = 8
	dirFreeTag   = 0xffff

	// The hash index of a multi-block directory lives at a reserved
	// high logical offset: 32 GiB into the fork's address space.
	dirLeafOffsetBytes = 0x8_0000_0000

	// File type tags stored in directory entries.
	FtypeUnknown  = 0
	FtypeRegular  = 1
	FtypeDir      = 2
	FtypeChardev  = 3
	FtypeBlockdev = 4
	FtypeFifo     = 5
	FtypeSocket   = 6
	FtypeSymlink  = 7
)

// DirEntry is one directory entry. Entries from hash-indexed layouts
// come back ordered by Hash; shortform entries in insertion order.
type DirEntry struct {
	Name  string
	Ino   uint64
	Ftype uint8 // FtypeUnknown when the image predates the ftype feature
	Hash  uint32
}

// directory is the decoded view of one directory inode. Each on-disk
// layout has its own implementation; openDir dispatches exhaustively
// on the layout tag. Instances are cheap and per-request.
type directory interface {
	// lookup resolves a name to an inode number, ErrNotExist on miss.
	lookup(name string) (uint64, error)
	// iterate calls fn for every entry except "." and ".." until fn
	// returns false. Restartable from the start only.
	iterate(fn func(DirEntry) bool) error
	// layout names the on-disk layout, for diagnostics.
	layout() string
}

// openDir decodes dir's layout tag and returns the matching decoder.
func (f *FS) openDir(dir *Inode) (directory, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", dir.Ino, ErrNotDir)
	}
	fk := dir.dataFork()
	switch fk.format {
	case fmtLocal:
		return newSfDir(f, dir, fk)
	case fmtExtents, fmtBtree:
		ext, err := f.forkExtents(fk)
		if err != nil {
			return nil, err
		}
		d := &dirBlocks{fs: f, ino: dir, ext: ext}
		// A directory of exactly one block keeps its hash trailer
		// inside that block; anything larger has an index block at
		// the reserved leaf offset.
		if dir.Size == int64(f.sb.DirBlockSize()) {
			return newBlockDir(d)
		}
		return f.openIndexedDir(d, fk.format == fmtBtree)
	default:
		return nil, fmt.Errorf("inode %d: directory fork format %v: %w", dir.Ino, fk.format, ErrCorrupt)
	}
}

// dirBlocks provides directory-space block addressing over a resolved
// extent list, shared by the block, leaf, node, and btree layouts.
type dirBlocks struct {
	fs  *FS
	ino *Inode
	ext []extent
}

// leafDABlock returns the fork-logical block number of the first
// index block (the 32 GiB boundary, in filesystem block units).
func (d *dirBlocks) leafDABlock() uint64 {
	return dirLeafOffsetBytes >> d.fs.sb.BlockLog
}

// mapDABlock translates a fork-logical block number to a filesystem
// block through the directory's extent map.
func (d *dirBlocks) mapDABlock(dablk uint64) (uint64, bool) {
	for _, e := range d.ext {
		if dablk >= e.startOff && dablk < e.end() {
			return e.startBlock + (dablk - e.startOff), true
		}
	}
	return 0, false
}

// readDABlock reads the directory block (DirBlockSize bytes) starting
// at fork-logical block dablk. The constituent filesystem blocks are
// mapped individually: the extent map, not physical adjacency, is
// authoritative.
func (d *dirBlocks) readDABlock(dablk uint64) ([]byte, error) {
	n := uint64(1) << d.fs.sb.DirBlkLog
	if n == 1 {
		fsb, ok := d.mapDABlock(dablk)
		if !ok {
			return nil, fmt.Errorf("inode %d: directory block %#x unmapped: %w", d.ino.Ino, dablk, ErrCorrupt)
		}
		return d.fs.readFSBlock(fsb)
	}
	buf := make([]byte, 0, d.fs.sb.DirBlockSize())
	for i := uint64(0); i < n; i++ {
		fsb, ok := d.mapDABlock(dablk + i)
		if !ok {
			return nil, fmt.Errorf("inode %d: directory block %#x unmapped: %w", d.ino.Ino, dablk+i, ErrCorrupt)
		}
		blk, err := d.fs.readFSBlock(fsb)
		if err != nil {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	return buf, nil
}

// readDataBlock reads directory data block db (in directory-block
// units) and validates its header.
func (d *dirBlocks) readDataBlock(db uint64, wantV4, wantV5 uint32) ([]byte, int, error) {
	buf, err := d.readDABlock(db << d.fs.sb.DirBlkLog)
	if err != nil {
		return nil, 0, err
	}
	hdr, err := d.fs.checkDirDataHdr(buf, wantV4, wantV5)
	if err != nil {
		return nil, 0, fmt.Errorf("inode %d, directory block %d: %w", d.ino.Ino, db, err)
	}
	return buf, hdr, nil
}

// checkDirDataHdr validates a directory data block's magic and, on V5,
// its checksum, returning the header size.
func (f *FS) checkDirDataHdr(buf []byte, wantV4, wantV5 uint32) (int, error) {
	switch magic := binary.BigEndian.Uint32(buf); magic {
	case wantV5:
		if !f.sb.IsV5() {
			return 0, fmt.Errorf("V5 magic %#08x on V4 image: %w", magic, ErrCorrupt)
		}
		if got, want := metaCRC(buf, dirDataOffCRC), binary.BigEndian.Uint32(buf[dirDataOffCRC:]); got != want {
			return 0, fmt.Errorf("checksum %#08x, computed %#08x: %w", want, got, ErrCorrupt)
		}
		return dirDataHdrSizeV5, nil
	case wantV4:
		if f.sb.IsV5() {
			return 0, fmt.Errorf("V4 magic %#08x on V5 image: %w", magic, ErrCorrupt)
		}
		return dirDataHdrSize, nil
	default:
		return 0, fmt.Errorf("directory block magic %#08x: %w", magic, ErrCorrupt)
	}
}

// dirEntrySize returns the 8-byte aligned on-disk size of a data entry
// with the given name length.
func (f *FS) dirEntrySize(namelen int) int {
	n := 8 + 1 + namelen + 2 // inumber, namelen, name, tag
	if f.sb.HasFtype() {
		n++
	}
	return (n + dirDataAlign - 1) &^ (dirDataAlign - 1)
}

// decodeDirEntry decodes the data entry at buf[off:]. It returns the
// entry and the offset just past it.
func (f *FS) decodeDirEntry(buf []byte, off int) (DirEntry, int, error) {
	if off+12 > len(buf) {
		return DirEntry{}, 0, fmt.Errorf("directory entry at %d truncated: %w", off, ErrCorrupt)
	}
	inum := binary.BigEndian.Uint64(buf[off:])
	namelen := int(buf[off+8])
	end := off + f.dirEntrySize(namelen)
	if namelen == 0 || end > len(buf) {
		return DirEntry{}, 0, fmt.Errorf("directory entry at %d: name length %d: %w", off, namelen, ErrCorrupt)
	}
	e := DirEntry{
		Name: string(buf[off+9 : off+9+namelen]),
		Ino:  inum,
	}
	if f.sb.HasFtype() {
		e.Ftype = buf[off+9+namelen]
	}
	e.Hash = nameHash([]byte(e.Name))
	return e, end, nil
}

// walkDirData walks the used entries of one directory data block from
// start to end, skipping free regions.
func (f *FS) walkDirData(buf []byte, start, end int, fn func(DirEntry, int) bool) error {
	off := start
	for off < end {
		if off+4 > end {
			return fmt.Errorf("directory data walk ran off the block at %d: %w", off, ErrCorrupt)
		}
		if binary.BigEndian.Uint16(buf[off:]) == dirFreeTag {
			length := int(binary.BigEndian.Uint16(buf[off+2:]))
			if length < 8 || length%dirDataAlign != 0 || off+length > end {
				return fmt.Errorf("directory free region at %d length %d: %w", off, length, ErrCorrupt)
			}
			off += length
			continue
		}
		e, next, err := f.decodeDirEntry(buf, off)
		if err != nil {
			return err
		}
		if next > end {
			return fmt.Errorf("directory entry at %d spills past %d: %w", off, end, ErrCorrupt)
		}
		if !fn(e, off) {
			return nil
		}
		off = next
	}
	return nil
}

// isDot reports "." and "..", which iteration hides.
func isDot(name string) bool { return name == "." || name == ".." }
