package xfs

import (
	"encoding/binary"
	"fmt"
)

// leafDir is the leaf layout: data entries span multiple directory
// blocks, and a single leaf block at the reserved high offset holds
// the hash-sorted trailer for all of them.
type leafDir struct {
	*dirBlocks
	ents []daEntry
}

func newLeafDir(d *dirBlocks, buf []byte) (*leafDir, error) {
	ents, _, err := d.fs.decodeDirLeafEnts(buf, dirLeaf1Magic, dirLeaf1MagicV5)
	if err != nil {
		return nil, fmt.Errorf("inode %d: %w", d.ino.Ino, err)
	}
	return &leafDir{dirBlocks: d, ents: ents}, nil
}

// decodeDirLeafEnts decodes a directory leaf block (leaf1 or leafn
// magic as requested): header, then count hash-sorted entries. Stale
// entries (address 0) stay in the slice; count includes them.
func (f *FS) decodeDirLeafEnts(buf []byte, wantV4, wantV5 uint16) ([]daEntry, daBlkInfo, error) {
	info, hdr, err := f.decodeDaBlkInfo(buf, wantV4, wantV5)
	if err != nil {
		return nil, info, err
	}
	count := int(binary.BigEndian.Uint16(buf[hdr:]))
	entOff := hdr + 4 // count, stale
	if hdr == daBlkInfoSizeV5 {
		entOff = hdr + 8 // V5 adds a pad word
	}
	if entOff+count*8 > len(buf) {
		return nil, info, fmt.Errorf("leaf block entry count %d: %w", count, ErrCorrupt)
	}
	ents := make([]daEntry, count)
	for i := range ents {
		ents[i] = daEntry{
			hashval: binary.BigEndian.Uint32(buf[entOff+i*8:]),
			value:   binary.BigEndian.Uint32(buf[entOff+i*8+4:]),
		}
		if i > 0 && ents[i].hashval < ents[i-1].hashval {
			return nil, info, fmt.Errorf("leaf block not hash-sorted at %d: %w", i, ErrCorrupt)
		}
	}
	return ents, info, nil
}

// resolveAddr resolves a trailer address (8-byte units across the
// directory data space) to its entry, reading the containing data
// block through the cache.
func (d *dirBlocks) resolveAddr(addr uint32) (DirEntry, error) {
	byteOff := int64(addr) * dirDataAlign
	dbs := int64(d.fs.sb.DirBlockSize())
	buf, hdr, err := d.readDataBlock(uint64(byteOff/dbs), dirDataMagic, dirDataMagicV5)
	if err != nil {
		return DirEntry{}, err
	}
	off := int(byteOff % dbs)
	if off < hdr {
		return DirEntry{}, fmt.Errorf("inode %d: trailer address %#x inside block header: %w", d.ino.Ino, addr, ErrCorrupt)
	}
	e, _, err := d.fs.decodeDirEntry(buf, off)
	return e, err
}

// lookupHashed is the shared probe for hash-trailer layouts: scan the
// matching hash run, compare names on the pointed-to entries.
func (d *dirBlocks) lookupHashed(ents []daEntry, name string, hash uint32) (uint64, bool, error) {
	lo, hi := searchDaEntries(ents, hash)
	for i := lo; i < hi; i++ {
		if ents[i].value == 0 {
			continue
		}
		e, err := d.resolveAddr(ents[i].value)
		if err != nil {
			return 0, false, err
		}
		if e.Name == name {
			return e.Ino, true, nil
		}
	}
	return 0, false, nil
}

func (d *leafDir) layout() string { return "leaf" }

func (d *leafDir) lookup(name string) (uint64, error) {
	ino, ok, err := d.lookupHashed(d.ents, name, nameHash([]byte(name)))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%q in inode %d: %w", name, d.ino.Ino, ErrNotExist)
	}
	return ino, nil
}

func (d *leafDir) iterate(fn func(DirEntry) bool) error {
	return iterateLeafEnts(d.dirBlocks, d.ents, fn)
}

// iterateLeafEnts resolves a leaf's entries in hash order, hiding dot
// entries and stale slots.
func iterateLeafEnts(d *dirBlocks, ents []daEntry, fn func(DirEntry) bool) error {
	for _, le := range ents {
		if le.value == 0 {
			continue
		}
		e, err := d.resolveAddr(le.value)
		if err != nil {
			return err
		}
		if isDot(e.Name) {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}
