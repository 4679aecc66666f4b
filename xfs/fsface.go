package xfs

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dvries/xfsread/fsys"
)

// Symlink chains longer than this fail resolution, like the kernel's
// ELOOP limit.
const maxSymlinkDepth = 40

// resolvePath walks a slash-separated path from the root, following
// symlinks in every component.
func (f *FS) resolvePath(name string) (uint64, *Inode, error) {
	if !fs.ValidPath(name) {
		return 0, nil, fmt.Errorf("%q: %w", name, fs.ErrInvalid)
	}
	return f.walkPath(f.sb.RootIno, name, 0)
}

func (f *FS) walkPath(dir uint64, name string, depth int) (uint64, *Inode, error) {
	cur := dir
	for name != "" && name != "." {
		var comp string
		if i := strings.IndexByte(name, '/'); i >= 0 {
			comp, name = name[:i], name[i+1:]
		} else {
			comp, name = name, ""
		}
		ino, err := f.Lookup(cur, comp)
		if err != nil {
			return 0, nil, err
		}
		rec, err := f.getInode(ino)
		if err != nil {
			return 0, nil, err
		}
		if rec.IsSymlink() {
			if depth >= maxSymlinkDepth {
				return 0, nil, fmt.Errorf("%q: too many levels of symbolic links: %w", comp, ErrInvalidOp)
			}
			target, err := f.ReadLink(ino)
			if err != nil {
				return 0, nil, err
			}
			if len(target) > 0 && target[0] == '/' {
				cur = f.sb.RootIno
				target = target[1:]
			}
			ino, rec, err = f.walkPath(cur, path.Clean(target), depth+1)
			if err != nil {
				return 0, nil, err
			}
		}
		cur = ino
		if name != "" && !rec.IsDir() {
			return 0, nil, fmt.Errorf("%q: %w", comp, ErrNotDir)
		}
	}
	rec, err := f.getInode(cur)
	if err != nil {
		return 0, nil, err
	}
	return cur, rec, nil
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	inum, ino, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info := newFileInfo(path.Base(name), ino)
	if ino.IsDir() {
		return &dirHandle{fs: f, inum: inum, info: info}, nil
	}
	if !ino.IsRegular() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrInvalidOp}
	}
	return &fileHandle{fs: f, inum: inum, info: info}, nil
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	_, ino, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return newFileInfo(path.Base(name), ino), nil
}

// ReadDir implements fs.ReadDirFS. DirEntries keeps the on-disk
// order; this adapter sorts by name as the interface demands.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	inum, ino, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	if !ino.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}
	return f.readDirEntries(inum)
}

func (f *FS) readDirEntries(inum uint64) ([]fs.DirEntry, error) {
	ents, err := f.DirEntries(inum)
	if err != nil {
		return nil, err
	}
	out := make([]fs.DirEntry, len(ents))
	for i, e := range ents {
		out[i] = &dirEntry{fs: f, ent: e}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// FileExtents implements fsys.ExtentMapper: the physical image ranges
// backing a file, for zero-copy streaming. Holes are simply absent.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	_, ino, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: err}
	}
	if !ino.IsRegular() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: ErrInvalidOp}
	}
	ext, err := f.forkExtents(ino.dataFork())
	if err != nil {
		return nil, err
	}
	out := make([]fsys.Extent, 0, len(ext))
	for _, e := range ext {
		if e.unwritten {
			continue
		}
		phys, err := f.sb.FSBlockToByte(e.startBlock)
		if err != nil {
			return nil, err
		}
		out = append(out, fsys.Extent{
			Logical:  int64(e.startOff << f.sb.BlockLog),
			Physical: phys,
			Length:   int64(e.blockCount << f.sb.BlockLog),
		})
	}
	// The last extent may run past EOF; clamp it to the file size.
	for i := range out {
		if end := out[i].Logical + out[i].Length; end > ino.Size {
			out[i].Length = ino.Size - out[i].Logical
		}
	}
	return out, nil
}

// ListXattrs implements fsys.Xattrer over resolved paths.
func (f *FS) ListXattrs(name string) ([]string, error) {
	inum, _, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "listxattr", Path: name, Err: err}
	}
	return f.ListXattr(inum)
}

// Xattr resolves one extended attribute by path and external name.
func (f *FS) Xattr(name, attr string) ([]byte, error) {
	inum, _, err := f.resolvePath(name)
	if err != nil {
		return nil, &fs.PathError{Op: "getxattr", Path: name, Err: err}
	}
	return f.GetXattr(inum, attr)
}

// fileInfo implements fs.FileInfo and fsys.FileInfo over a decoded
// inode.
type fileInfo struct {
	name string
	ino  *Inode
}

func newFileInfo(name string, ino *Inode) *fileInfo {
	return &fileInfo{name: name, ino: ino}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.ino.Size }
func (fi *fileInfo) ModTime() time.Time { return fi.ino.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.ino.IsDir() }
func (fi *fileInfo) Sys() interface{}   { return fi.ino }
func (fi *fileInfo) Inode() uint64      { return fi.ino.Ino }

func (fi *fileInfo) Mode() fs.FileMode {
	mode := fs.FileMode(fi.ino.Mode & 0o777)
	switch fi.ino.FileType() {
	case modeDir:
		mode |= fs.ModeDir
	case modeSymlink:
		mode |= fs.ModeSymlink
	case modeFifo:
		mode |= fs.ModeNamedPipe
	case modeSocket:
		mode |= fs.ModeSocket
	case modeChar:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case modeBlock:
		mode |= fs.ModeDevice
	}
	if fi.ino.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if fi.ino.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if fi.ino.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// dirEntry implements fs.DirEntry lazily: the inode record is only
// fetched when Info is asked for.
type dirEntry struct {
	fs  *FS
	ent DirEntry
}

func (d *dirEntry) Name() string { return d.ent.Name }

func (d *dirEntry) IsDir() bool {
	if d.ent.Ftype != FtypeUnknown {
		return d.ent.Ftype == FtypeDir
	}
	info, err := d.Info()
	return err == nil && info.IsDir()
}

func (d *dirEntry) Type() fs.FileMode {
	switch d.ent.Ftype {
	case FtypeRegular:
		return 0
	case FtypeDir:
		return fs.ModeDir
	case FtypeSymlink:
		return fs.ModeSymlink
	case FtypeFifo:
		return fs.ModeNamedPipe
	case FtypeSocket:
		return fs.ModeSocket
	case FtypeChardev:
		return fs.ModeDevice | fs.ModeCharDevice
	case FtypeBlockdev:
		return fs.ModeDevice
	}
	info, err := d.Info()
	if err != nil {
		return fs.ModeIrregular
	}
	return info.Mode().Type()
}

func (d *dirEntry) Info() (fs.FileInfo, error) {
	ino, err := d.fs.getInode(d.ent.Ino)
	if err != nil {
		return nil, err
	}
	return newFileInfo(d.ent.Name, ino), nil
}

// fileHandle implements fs.File over a regular file inode. Read state
// is a plain offset; concurrent readers should use ReadAt.
type fileHandle struct {
	fs   *FS
	inum uint64
	info *fileInfo
	off  int64
}

func (h *fileHandle) Stat() (fs.FileInfo, error) { return h.info, nil }
func (h *fileHandle) Close() error               { return nil }

func (h *fileHandle) Read(p []byte) (int, error) {
	n, err := h.fs.ReadAt(h.inum, p, h.off)
	h.off += int64(n)
	return n, err
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.fs.ReadAt(h.inum, p, off)
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += h.off
	case io.SeekEnd:
		offset += h.info.Size()
	default:
		return 0, fmt.Errorf("seek whence %d: %w", whence, fs.ErrInvalid)
	}
	if offset < 0 {
		return 0, fmt.Errorf("seek to %d: %w", offset, fs.ErrInvalid)
	}
	h.off = offset
	return offset, nil
}

// dirHandle implements fs.ReadDirFile over a directory inode.
type dirHandle struct {
	fs   *FS
	inum uint64
	info *fileInfo
	ents []fs.DirEntry
	pos  int
}

func (h *dirHandle) Stat() (fs.FileInfo, error) { return h.info, nil }
func (h *dirHandle) Close() error               { return nil }

func (h *dirHandle) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: h.info.name, Err: ErrInvalidOp}
}

func (h *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	if h.ents == nil {
		ents, err := h.fs.readDirEntries(h.inum)
		if err != nil {
			return nil, err
		}
		h.ents = ents
	}
	if n <= 0 {
		out := h.ents[h.pos:]
		h.pos = len(h.ents)
		return out, nil
	}
	if h.pos >= len(h.ents) {
		return nil, io.EOF
	}
	if h.pos+n > len(h.ents) {
		n = len(h.ents) - h.pos
	}
	out := h.ents[h.pos : h.pos+n]
	h.pos += n
	return out, nil
}
