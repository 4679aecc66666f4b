package xfs

import (
	"encoding/binary"
	"fmt"
)

// Remote symlink blocks carry "XSLM" headers on V5 images.
const (
	symlinkMagicV5   = 0x58534c4d
	symlinkHdrSizeV5 = 56
	symlinkOffCRC    = 12

	// Symlink targets are at most one name's worth of path.
	symlinkMaxLen = 1024
)

// ReadLink returns the target path of a symbolic link inode.
func (f *FS) ReadLink(inum uint64) (string, error) {
	ino, err := f.getInode(inum)
	if err != nil {
		return "", err
	}
	if !ino.IsSymlink() {
		return "", fmt.Errorf("inode %d is not a symlink: %w", inum, ErrInvalidOp)
	}
	if ino.Size <= 0 || ino.Size > symlinkMaxLen {
		return "", fmt.Errorf("inode %d: symlink length %d: %w", inum, ino.Size, ErrCorrupt)
	}

	fk := ino.dataFork()
	switch fk.format {
	case fmtLocal:
		// The target is the literal area itself, unterminated.
		if int(ino.Size) > len(fk.raw) {
			return "", fmt.Errorf("inode %d: symlink length %d exceeds literal area: %w", inum, ino.Size, ErrCorrupt)
		}
		return string(fk.raw[:ino.Size]), nil
	case fmtExtents:
		return f.readRemoteSymlink(ino, fk)
	default:
		return "", fmt.Errorf("inode %d: symlink fork format %v: %w", inum, fk.format, ErrCorrupt)
	}
}

// readRemoteSymlink reads a target stored in data fork blocks. V5
// blocks start with an "XSLM" header recording the byte range carried.
func (f *FS) readRemoteSymlink(ino *Inode, fk fork) (string, error) {
	ext, err := f.forkExtents(fk)
	if err != nil {
		return "", err
	}
	target := make([]byte, 0, ino.Size)
	for _, e := range ext {
		for i := uint64(0); i < e.blockCount && len(target) < int(ino.Size); i++ {
			buf, err := f.readFSBlock(e.startBlock + i)
			if err != nil {
				return "", err
			}
			if f.sb.IsV5() {
				if len(buf) < symlinkHdrSizeV5 {
					return "", fmt.Errorf("inode %d: symlink block truncated: %w", ino.Ino, ErrCorrupt)
				}
				if magic := binary.BigEndian.Uint32(buf); magic != symlinkMagicV5 {
					return "", fmt.Errorf("inode %d: symlink block magic %#08x: %w", ino.Ino, magic, ErrCorrupt)
				}
				if got, want := metaCRC(buf, symlinkOffCRC), binary.BigEndian.Uint32(buf[symlinkOffCRC:]); got != want {
					return "", fmt.Errorf("inode %d: symlink block checksum %#08x, computed %#08x: %w",
						ino.Ino, want, got, ErrCorrupt)
				}
				if off := int(binary.BigEndian.Uint32(buf[4:])); off != len(target) {
					return "", fmt.Errorf("inode %d: symlink block carries offset %d, want %d: %w",
						ino.Ino, off, len(target), ErrCorrupt)
				}
				n := int(binary.BigEndian.Uint32(buf[8:]))
				if n <= 0 || symlinkHdrSizeV5+n > len(buf) || len(target)+n > int(ino.Size) {
					return "", fmt.Errorf("inode %d: symlink block carries %d bytes: %w", ino.Ino, n, ErrCorrupt)
				}
				target = append(target, buf[symlinkHdrSizeV5:symlinkHdrSizeV5+n]...)
			} else {
				n := int(ino.Size) - len(target)
				if n > len(buf) {
					n = len(buf)
				}
				target = append(target, buf[:n]...)
			}
		}
	}
	if len(target) != int(ino.Size) {
		return "", fmt.Errorf("inode %d: symlink maps %d of %d bytes: %w", ino.Ino, len(target), ino.Size, ErrCorrupt)
	}
	return string(target), nil
}
