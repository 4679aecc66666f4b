// Package device provides random-access block reads from a backing
// filesystem image (a regular file, a block device, or anything else
// that implements io.ReaderAt).
package device

import (
	"fmt"
	"io"
)

// Device is the single I/O primitive used by every other component.
// It reads fixed-size blocks from an immutable byte address space.
// A Device is safe for concurrent use if its underlying reader is;
// *os.File and bytes.Reader both are.
type Device struct {
	r         io.ReaderAt
	size      int64
	blockSize int
}

// New creates a Device over r. The block size is not known until the
// superblock has been parsed; set it with SetBlockSize before calling
// ReadBlock.
func New(r io.ReaderAt, size int64) *Device {
	return &Device{r: r, size: size}
}

// SetBlockSize fixes the block size for ReadBlock. It must be a power
// of two. Called exactly once, after the superblock has been decoded.
func (d *Device) SetBlockSize(n int) error {
	if n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("device: block size %d is not a power of two", n)
	}
	d.blockSize = n
	return nil
}

// BlockSize returns the configured block size, or 0 if not yet set.
func (d *Device) BlockSize() int { return d.blockSize }

// Size returns the total size of the image in bytes.
func (d *Device) Size() int64 { return d.size }

// ReadAt implements io.ReaderAt over the image, rejecting reads that
// extend past the end of the image.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("device: read [%d,%d) outside image of %d bytes: %w",
			off, off+int64(len(p)), d.size, io.ErrUnexpectedEOF)
	}
	n, err := d.r.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// ReadBlock reads block number blkno (in units of the configured block
// size) and returns a freshly allocated buffer holding it.
func (d *Device) ReadBlock(blkno int64) ([]byte, error) {
	if d.blockSize == 0 {
		return nil, fmt.Errorf("device: block size not set")
	}
	buf := make([]byte, d.blockSize)
	if _, err := d.ReadAt(buf, blkno*int64(d.blockSize)); err != nil {
		return nil, err
	}
	return buf, nil
}
