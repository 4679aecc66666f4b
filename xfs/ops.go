package xfs

import (
	"fmt"
	"io"
	"sort"
)

// GetInode resolves an inode number to its decoded record.
func (f *FS) GetInode(inum uint64) (*Inode, error) {
	return f.getInode(inum)
}

// Lookup resolves name within the directory inode parent. "." returns
// parent itself, ".." the parent's parent (the root is its own parent).
func (f *FS) Lookup(parent uint64, name string) (uint64, error) {
	ino, err := f.getInode(parent)
	if err != nil {
		return 0, err
	}
	dir, err := f.openDir(ino)
	if err != nil {
		return 0, err
	}
	child, err := dir.lookup(name)
	if err != nil {
		return 0, fmt.Errorf("%q in directory %d: %w", name, parent, err)
	}
	return child, nil
}

// DirEntries returns the entries of a directory inode, without "." and
// "..". Hash-indexed layouts come back in hash order, shortform in
// insertion order.
func (f *FS) DirEntries(inum uint64) ([]DirEntry, error) {
	var out []DirEntry
	err := f.IterDir(inum, func(e DirEntry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// IterDir streams directory entries to fn until it returns false.
func (f *FS) IterDir(inum uint64, fn func(DirEntry) bool) error {
	ino, err := f.getInode(inum)
	if err != nil {
		return err
	}
	dir, err := f.openDir(ino)
	if err != nil {
		return err
	}
	return dir.iterate(fn)
}

// DirLayout names the on-disk layout of a directory inode, for
// diagnostics.
func (f *FS) DirLayout(inum uint64) (string, error) {
	ino, err := f.getInode(inum)
	if err != nil {
		return "", err
	}
	dir, err := f.openDir(ino)
	if err != nil {
		return "", err
	}
	return dir.layout(), nil
}

// ReadAt reads file content from a regular file inode at byte offset
// off. Holes and unwritten extents read as zeros. Reads are clamped at
// the file size; a short read returns io.EOF.
func (f *FS) ReadAt(inum uint64, p []byte, off int64) (int, error) {
	ino, err := f.getInode(inum)
	if err != nil {
		return 0, err
	}
	if !ino.IsRegular() {
		return 0, fmt.Errorf("read from inode %d type %#x: %w", inum, ino.FileType(), ErrInvalidOp)
	}
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d: %w", off, ErrInvalidOp)
	}
	if off >= ino.Size {
		return 0, io.EOF
	}
	want := len(p)
	if max := ino.Size - off; int64(want) > max {
		want = int(max)
	}

	// One map resolution serves the whole request, however many
	// extents the range crosses.
	ext, err := f.forkExtents(ino.dataFork())
	if err != nil {
		return 0, err
	}
	done := 0
	for done < want {
		pos := off + int64(done)
		lb := uint64(pos) >> f.sb.BlockLog
		within := int(uint64(pos) & uint64(f.sb.BlockSize-1))

		var e extent
		ok := false
		if i := sort.Search(len(ext), func(i int) bool { return ext[i].end() > lb }); i < len(ext) && ext[i].startOff <= lb {
			e, ok = ext[i], true
		}
		if !ok || e.unwritten {
			// Zero to the end of this block; the next round maps again.
			n := int(f.sb.BlockSize) - within
			if n > want-done {
				n = want - done
			}
			for i := 0; i < n; i++ {
				p[done+i] = 0
			}
			done += n
			continue
		}

		// Read the mapped tail of the extent straight off the device:
		// file content bypasses the metadata cache.
		byteOff, err := f.sb.FSBlockToByte(e.startBlock + (lb - e.startOff))
		if err != nil {
			return done, err
		}
		n := int((e.end()-lb)<<f.sb.BlockLog) - within
		if n > want-done {
			n = want - done
		}
		if _, err := f.dev.ReadAt(p[done:done+n], byteOff+int64(within)); err != nil {
			return done, fmt.Errorf("inode %d: reading block %#x: %w", inum, e.startBlock, err)
		}
		done += n
	}
	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}
