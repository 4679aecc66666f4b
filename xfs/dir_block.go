package xfs

import (
	"encoding/binary"
	"fmt"
)

// blockDir is the single-block layout: one directory block holding the
// data entries, a hash-sorted (hash, address) trailer, and a tail with
// the trailer's entry counts.
type blockDir struct {
	*dirBlocks
	buf     []byte // the one directory block
	hdr     int
	ents    []daEntry // hash trailer, sorted by hash, stale entries kept
	dataEnd int
}

func newBlockDir(d *dirBlocks) (*blockDir, error) {
	buf, hdr, err := d.readDataBlock(0, dirBlockMagic, dirBlockMagicV5)
	if err != nil {
		return nil, err
	}
	// Tail: {count, stale} in the last 8 bytes; the trailer array of
	// count entries sits immediately before it.
	if len(buf) < hdr+8 {
		return nil, fmt.Errorf("inode %d: block directory too small: %w", d.ino.Ino, ErrCorrupt)
	}
	count := int(binary.BigEndian.Uint32(buf[len(buf)-8:]))
	entsStart := len(buf) - 8 - count*8
	if count < 0 || entsStart < hdr {
		return nil, fmt.Errorf("inode %d: block directory trailer count %d: %w", d.ino.Ino, count, ErrCorrupt)
	}
	b := &blockDir{dirBlocks: d, buf: buf, hdr: hdr, dataEnd: entsStart}
	b.ents = make([]daEntry, count)
	for i := range b.ents {
		b.ents[i] = daEntry{
			hashval: binary.BigEndian.Uint32(buf[entsStart+i*8:]),
			value:   binary.BigEndian.Uint32(buf[entsStart+i*8+4:]),
		}
		if i > 0 && b.ents[i].hashval < b.ents[i-1].hashval {
			return nil, fmt.Errorf("inode %d: block directory trailer not hash-sorted: %w", d.ino.Ino, ErrCorrupt)
		}
	}
	return b, nil
}

func (b *blockDir) layout() string { return "block" }

// entryAt resolves a trailer address (in 8-byte units from the start
// of the directory's data space) to its data entry.
func (b *blockDir) entryAt(addr uint32) (DirEntry, error) {
	off := int(addr) * dirDataAlign
	if off < b.hdr || off >= b.dataEnd {
		return DirEntry{}, fmt.Errorf("inode %d: trailer address %#x outside data region: %w", b.ino.Ino, addr, ErrCorrupt)
	}
	e, _, err := b.fs.decodeDirEntry(b.buf, off)
	return e, err
}

func (b *blockDir) lookup(name string) (uint64, error) {
	hash := nameHash([]byte(name))
	lo, hi := searchDaEntries(b.ents, hash)
	for i := lo; i < hi; i++ {
		if b.ents[i].value == 0 { // stale
			continue
		}
		e, err := b.entryAt(b.ents[i].value)
		if err != nil {
			return 0, err
		}
		// Equal hashes happen; equal names decide.
		if e.Name == name {
			return e.Ino, nil
		}
	}
	return 0, fmt.Errorf("%q in inode %d: %w", name, b.ino.Ino, ErrNotExist)
}

func (b *blockDir) iterate(fn func(DirEntry) bool) error {
	for _, le := range b.ents {
		if le.value == 0 {
			continue
		}
		e, err := b.entryAt(le.value)
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
