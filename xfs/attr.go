package xfs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Attribute entry flags.
const (
	attrFlagLocal      = 0x01
	attrFlagRoot       = 0x02
	attrFlagSecure     = 0x04
	attrFlagIncomplete = 0x80
)

// Remote attribute value blocks carry "XARM" headers on V5 images.
const (
	attrRemoteMagicV5   = 0x5841524d
	attrRemoteHdrSizeV5 = 56
	attrRemoteOffCRC    = 12
)

// Attribute leaf header sizes (past the shared da block info).
const (
	attrLeafHdrSize   = 32
	attrLeafHdrSizeV5 = 80
)

// Namespace name prefixes, in the convention listxattr callers expect.
// The root namespace is the "trusted" one.
const (
	nsUser    = "user."
	nsTrusted = "trusted."
	nsSecure  = "secure."
)

// xattrName renders an attribute's external name from its namespace
// flags and raw on-disk name.
func xattrName(flags uint8, raw []byte) string {
	switch {
	case flags&attrFlagRoot != 0:
		return nsTrusted + string(raw)
	case flags&attrFlagSecure != 0:
		return nsSecure + string(raw)
	default:
		return nsUser + string(raw)
	}
}

// splitXattrName splits an external name into namespace flags and the
// raw on-disk name.
func splitXattrName(name string) (uint8, string, error) {
	switch {
	case strings.HasPrefix(name, nsUser):
		return 0, name[len(nsUser):], nil
	case strings.HasPrefix(name, nsTrusted):
		return attrFlagRoot, name[len(nsTrusted):], nil
	case strings.HasPrefix(name, nsSecure):
		return attrFlagSecure, name[len(nsSecure):], nil
	}
	return 0, "", fmt.Errorf("attribute namespace of %q: %w", name, ErrNotExist)
}

// nsMatch compares only the namespace bits, ignoring local/incomplete.
func nsMatch(entryFlags, wantFlags uint8) bool {
	const nsBits = attrFlagRoot | attrFlagSecure
	return entryFlags&nsBits == wantFlags&nsBits
}

// ListXattr returns the external names of all extended attributes of
// the inode, in on-disk (hash) order for the block-based layouts.
func (f *FS) ListXattr(inum uint64) ([]string, error) {
	ino, err := f.getInode(inum)
	if err != nil {
		return nil, err
	}
	fk, ok := ino.attrFork()
	if !ok {
		return nil, nil
	}
	var names []string
	err = f.walkAttrs(ino, fk, func(flags uint8, name []byte) bool {
		names = append(names, xattrName(flags, name))
		return true
	})
	return names, err
}

// GetXattr resolves one attribute by its external name.
func (f *FS) GetXattr(inum uint64, name string) ([]byte, error) {
	ino, err := f.getInode(inum)
	if err != nil {
		return nil, err
	}
	wantFlags, raw, err := splitXattrName(name)
	if err != nil {
		return nil, err
	}
	fk, ok := ino.attrFork()
	if !ok {
		return nil, fmt.Errorf("attribute %q on inode %d: %w", name, inum, ErrNotExist)
	}

	switch fk.format {
	case fmtLocal:
		return f.sfAttrGet(ino, fk, wantFlags, raw)
	case fmtExtents, fmtBtree:
		ab, err := f.openAttrBlocks(ino, fk)
		if err != nil {
			return nil, err
		}
		val, ok, err := ab.get(wantFlags, raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("attribute %q on inode %d: %w", name, inum, ErrNotExist)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("inode %d: attr fork format %v: %w", inum, fk.format, ErrCorrupt)
	}
}

// walkAttrs iterates (flags, name) pairs across whichever layout the
// attribute fork uses, skipping incomplete entries.
func (f *FS) walkAttrs(ino *Inode, fk fork, fn func(flags uint8, name []byte) bool) error {
	switch fk.format {
	case fmtLocal:
		return f.sfAttrWalk(ino, fk, fn)
	case fmtExtents, fmtBtree:
		ab, err := f.openAttrBlocks(ino, fk)
		if err != nil {
			return err
		}
		return ab.walk(fn)
	default:
		return fmt.Errorf("inode %d: attr fork format %v: %w", ino.Ino, fk.format, ErrCorrupt)
	}
}

// sfAttrWalk scans the shortform attribute list in the literal area:
// a 4-byte header, then packed (namelen, valuelen, flags, name, value)
// records.
func (f *FS) sfAttrWalk(ino *Inode, fk fork, fn func(flags uint8, name []byte) bool) error {
	buf := fk.raw
	if len(buf) < 4 {
		return fmt.Errorf("inode %d: shortform attr header truncated: %w", ino.Ino, ErrCorrupt)
	}
	totsize := int(binary.BigEndian.Uint16(buf))
	count := int(buf[2])
	if totsize < 4 || totsize > len(buf) {
		return fmt.Errorf("inode %d: shortform attr totsize %d: %w", ino.Ino, totsize, ErrCorrupt)
	}
	off := 4
	for i := 0; i < count; i++ {
		if off+3 > totsize {
			return fmt.Errorf("inode %d: shortform attr entry %d truncated: %w", ino.Ino, i, ErrCorrupt)
		}
		namelen := int(buf[off])
		valuelen := int(buf[off+1])
		flags := buf[off+2]
		off += 3
		if off+namelen+valuelen > totsize {
			return fmt.Errorf("inode %d: shortform attr entry %d spills past totsize: %w", ino.Ino, i, ErrCorrupt)
		}
		name := buf[off : off+namelen]
		off += namelen + valuelen
		if flags&attrFlagIncomplete != 0 {
			continue
		}
		if !fn(flags, name) {
			return nil
		}
	}
	return nil
}

// sfAttrGet is the shortform lookup: linear scan with name and
// namespace comparison, same walk as sfAttrWalk but keeping values.
func (f *FS) sfAttrGet(ino *Inode, fk fork, wantFlags uint8, name string) ([]byte, error) {
	buf := fk.raw
	if len(buf) < 4 {
		return nil, fmt.Errorf("inode %d: shortform attr header truncated: %w", ino.Ino, ErrCorrupt)
	}
	totsize := int(binary.BigEndian.Uint16(buf))
	count := int(buf[2])
	if totsize < 4 || totsize > len(buf) {
		return nil, fmt.Errorf("inode %d: shortform attr totsize %d: %w", ino.Ino, totsize, ErrCorrupt)
	}
	off := 4
	for i := 0; i < count; i++ {
		if off+3 > totsize {
			return nil, fmt.Errorf("inode %d: shortform attr entry %d truncated: %w", ino.Ino, i, ErrCorrupt)
		}
		namelen := int(buf[off])
		valuelen := int(buf[off+1])
		flags := buf[off+2]
		off += 3
		if off+namelen+valuelen > totsize {
			return nil, fmt.Errorf("inode %d: shortform attr entry %d spills past totsize: %w", ino.Ino, i, ErrCorrupt)
		}
		if flags&attrFlagIncomplete == 0 &&
			nsMatch(flags, wantFlags) &&
			string(buf[off:off+namelen]) == name {
			val := append([]byte(nil), buf[off+namelen:off+namelen+valuelen]...)
			return val, nil
		}
		off += namelen + valuelen
	}
	return nil, fmt.Errorf("attribute %q on inode %d: %w", name, ino.Ino, ErrNotExist)
}
