package xfs

import (
	"errors"
	"io/fs"
)

// Error taxonomy. Decoders return these (wrapped with context via %w);
// nothing in this package panics on bad image bytes.
var (
	// ErrInvalidFormat means the primary superblock failed its magic or
	// checksum validation. Fatal: the mount is aborted.
	ErrInvalidFormat = errors.New("xfs: invalid format")

	// ErrCorrupt means a metadata block (inode, directory block, btree
	// node, attribute block) failed a magic, checksum, or consistency
	// check while serving a request. Localized to that request.
	ErrCorrupt = errors.New("xfs: corrupt metadata")

	// ErrNotDir is returned for directory operations on non-directories.
	ErrNotDir = errors.New("xfs: not a directory")

	// ErrInvalidOp is returned for operations an inode's type cannot
	// support, such as reading a device node's data fork.
	ErrInvalidOp = errors.New("xfs: invalid operation for file type")

	// ErrNotExist is the not-found case for names, inode numbers, and
	// attribute keys. Expected, never an error-level failure.
	ErrNotExist = fs.ErrNotExist
)
