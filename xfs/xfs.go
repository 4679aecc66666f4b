// Package xfs implements a read-only decoder for the XFS on-disk
// format: superblock and allocation-group geometry, inodes, extent
// maps, the five directory layouts, the three extended-attribute
// layouts, and symlink targets. It never writes to the image.
package xfs

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dvries/xfsread/bcache"
	"github.com/dvries/xfsread/device"
	"github.com/dvries/xfsread/fsys"
)

// Options tune a mount. The zero value is usable.
type Options struct {
	// CacheBlocks bounds the block cache; <= 0 selects the default.
	CacheBlocks int
	// Logger receives mount-time diagnostics. Nil disables logging.
	Logger *logrus.Logger
}

// FS is a mounted read-only XFS volume. All mount-wide constants are
// carried here explicitly, so several images can be served at once
// without interference. Safe for concurrent use: the block cache is
// the only shared mutable state, and its entries are write-once.
type FS struct {
	dev *device.Device
	bc  *bcache.Cache
	sb  Superblock
	log logrus.FieldLogger
}

// Mount parses and validates the primary superblock and returns a
// filesystem ready to serve requests. The image is never modified.
func Mount(r io.ReaderAt, size int64, opts Options) (*FS, error) {
	dev := device.New(r, size)

	// The superblock lives in the first sector, but sector size is
	// itself a superblock field; read a generous fixed prefix.
	buf := make([]byte, sbMinSize)
	if size >= 4096 {
		buf = make([]byte, 4096)
	}
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", ErrInvalidFormat)
	}
	sb, err := parseSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if err := dev.SetBlockSize(int(sb.BlockSize)); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidFormat)
	}

	fs := &FS{
		dev: dev,
		bc:  bcache.New(dev, opts.CacheBlocks),
		sb:  sb,
	}
	if opts.Logger != nil {
		fs.log = opts.Logger.WithField("fs", "xfs")
		fs.log.WithFields(logrus.Fields{
			"blocksize": sb.BlockSize,
			"inodesize": sb.InodeSize,
			"agcount":   sb.AgCount,
			"agblocks":  sb.AgBlocks,
			"rootino":   sb.RootIno,
			"v5":        sb.IsV5(),
			"label":     sb.Label(),
		}).Debug("mounted")
	}

	// The root inode must resolve cleanly, or the image is not worth
	// mounting: everything is reached from it.
	root, err := fs.getInode(sb.RootIno)
	if err != nil {
		return nil, fmt.Errorf("root inode: %w", ErrInvalidFormat)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("root inode %d is not a directory: %w", sb.RootIno, ErrInvalidFormat)
	}
	return fs, nil
}

// Superblock returns a copy of the decoded superblock.
func (f *FS) Superblock() Superblock { return f.sb }

// RootIno returns the root directory's inode number.
func (f *FS) RootIno() uint64 { return f.sb.RootIno }

// Type returns the filesystem type name.
func (f *FS) Type() string {
	if f.sb.IsV5() {
		return "XFS (V5)"
	}
	return "XFS (V4)"
}

// Volume implements fsys.VolumeReporter from the superblock.
func (f *FS) Volume() fsys.Volume {
	u := f.sb.UUID
	return fsys.Volume{
		Label: f.sb.Label(),
		UUID: fmt.Sprintf("%x-%x-%x-%x-%x",
			u[0:4], u[4:6], u[6:8], u[8:10], u[10:16]),
		Version:   f.Type(),
		BlockSize: f.sb.BlockSize,
		Blocks:    f.sb.Dblocks,
		Groups:    f.sb.AgCount,
	}
}

// Close releases the filesystem. The backing reader is owned by the
// caller and stays open.
func (f *FS) Close() error { return nil }

// BaseReader exposes the backing image for extent-aware streaming.
func (f *FS) BaseReader() io.ReaderAt { return f.dev }

// readFSBlock reads one filesystem block through the cache.
func (f *FS) readFSBlock(fsbno uint64) ([]byte, error) {
	off, err := f.sb.FSBlockToByte(fsbno)
	if err != nil {
		return nil, err
	}
	return f.bc.Get(off >> f.sb.BlockLog)
}

// getInode resolves a global inode number to a decoded inode: locate
// the AG and block via geometry, fetch the block through the cache,
// and decode the record at its within-block slot.
func (f *FS) getInode(ino uint64) (*Inode, error) {
	off, err := f.sb.InoToByte(ino)
	if err != nil {
		return nil, err
	}
	blk, err := f.bc.Get(off >> f.sb.BlockLog)
	if err != nil {
		return nil, err
	}
	slot := int(off & int64(f.sb.BlockSize-1))
	return decodeInode(&f.sb, blk[slot:slot+int(f.sb.InodeSize)], ino)
}
