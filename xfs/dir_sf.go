package xfs

import (
	"encoding/binary"
	"fmt"
)

// sfDir is the shortform layout: the whole directory packed into the
// inode's literal area. Entry counts are tiny by construction, so
// lookup is a plain linear scan; no hashing involved.
type sfDir struct {
	fs      *FS
	ino     *Inode
	parent  uint64
	entries []DirEntry
}

// newSfDir decodes the shortform header and entry array eagerly; a
// local fork is at most a couple hundred bytes.
func newSfDir(f *FS, dir *Inode, fk fork) (*sfDir, error) {
	buf := fk.raw
	if len(buf) < 2 {
		return nil, fmt.Errorf("inode %d: shortform header truncated: %w", dir.Ino, ErrCorrupt)
	}
	count := int(buf[0])
	i8count := int(buf[1])
	if count == 0 {
		count = i8count
	}
	// Inode numbers are 4 bytes unless any entry needs 8.
	inoSize := 4
	if i8count > 0 {
		inoSize = 8
	}
	readIno := func(b []byte) uint64 {
		if inoSize == 8 {
			return binary.BigEndian.Uint64(b)
		}
		return uint64(binary.BigEndian.Uint32(b))
	}

	if len(buf) < 2+inoSize {
		return nil, fmt.Errorf("inode %d: shortform parent truncated: %w", dir.Ino, ErrCorrupt)
	}
	d := &sfDir{fs: f, ino: dir, parent: readIno(buf[2:])}

	off := 2 + inoSize
	hasFtype := f.sb.HasFtype()
	for i := 0; i < count; i++ {
		// namelen u8, offset u16, name, [ftype u8], inumber.
		if off+3 > len(buf) {
			return nil, fmt.Errorf("inode %d: shortform entry %d truncated: %w", dir.Ino, i, ErrCorrupt)
		}
		namelen := int(buf[off])
		off += 3 // skip the data-offset hint, meaningless in shortform
		if namelen == 0 || off+namelen > len(buf) {
			return nil, fmt.Errorf("inode %d: shortform entry %d name length %d: %w", dir.Ino, i, namelen, ErrCorrupt)
		}
		e := DirEntry{Name: string(buf[off : off+namelen])}
		off += namelen
		if hasFtype {
			if off >= len(buf) {
				return nil, fmt.Errorf("inode %d: shortform entry %d truncated: %w", dir.Ino, i, ErrCorrupt)
			}
			e.Ftype = buf[off]
			off++
		}
		if off+inoSize > len(buf) {
			return nil, fmt.Errorf("inode %d: shortform entry %d truncated: %w", dir.Ino, i, ErrCorrupt)
		}
		e.Ino = readIno(buf[off:])
		off += inoSize
		e.Hash = nameHash([]byte(e.Name))
		d.entries = append(d.entries, e)
	}
	return d, nil
}

func (d *sfDir) layout() string { return "shortform" }

func (d *sfDir) lookup(name string) (uint64, error) {
	switch name {
	case ".":
		return d.ino.Ino, nil
	case "..":
		return d.parent, nil
	}
	for _, e := range d.entries {
		if e.Name == name {
			return e.Ino, nil
		}
	}
	return 0, fmt.Errorf("%q in inode %d: %w", name, d.ino.Ino, ErrNotExist)
}

func (d *sfDir) iterate(fn func(DirEntry) bool) error {
	for _, e := range d.entries {
		if !fn(e) {
			return nil
		}
	}
	return nil
}
