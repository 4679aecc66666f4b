// Package fsys defines the read-only filesystem interface disk image
// drivers implement, plus extent-based streaming helpers.
package fsys

import (
	"fmt"
	"io"
	"io/fs"
	"sort"
)

// Range is a byte range [Start, End) within the image.
type Range struct {
	Start int64
	End   int64
}

// Size returns the length of the range in bytes.
func (r Range) Size() int64 { return r.End - r.Start }

// Extent maps a run of logical file bytes onto physical image bytes.
type Extent struct {
	Logical  int64 // offset within the file
	Physical int64 // offset within the image
	Length   int64
}

// FS is a read-only filesystem opened from a disk image.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name, e.g. "XFS (V5)".
	Type() string

	// Close releases any resources held by the filesystem.
	Close() error
}

// FreeBlocker is an optional interface: the free byte ranges of the
// image, ascending and non-overlapping.
type FreeBlocker interface {
	FreeBlocks() ([]Range, error)
}

// FreeSpacer is an optional interface: total free bytes, typically
// cheaper than enumerating FreeBlocks.
type FreeSpacer interface {
	FreeSpace() (int64, error)
}

// ExtentMapper is an optional interface: the physical location of a
// file's data within the image, for zero-copy streaming. Sparse
// regions are simply absent from the list.
type ExtentMapper interface {
	FileExtents(path string) ([]Extent, error)
}

// Xattrer is an optional interface for filesystems that carry extended
// attributes. Names include their namespace prefix (user., trusted.).
type Xattrer interface {
	ListXattrs(path string) ([]string, error)
	Xattr(path, name string) ([]byte, error)
}

// Volume describes image-level identity and geometry.
type Volume struct {
	Label     string
	UUID      string
	Version   string
	BlockSize uint32
	Blocks    uint64 // filesystem size in blocks
	Groups    uint32 // allocation groups or block groups
}

// VolumeReporter is an optional interface behind the info command.
type VolumeReporter interface {
	Volume() Volume
}

// FileInfo extends fs.FileInfo with the inode number, zero for
// filesystems without inodes.
type FileInfo interface {
	fs.FileInfo
	Inode() uint64
}

// ExtentReaderAt reads a file through its extent list directly from
// the backing image. Gaps between extents read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent // sorted by Logical
	size    int64
}

// NewExtentReaderAt builds an ExtentReaderAt over r. When r is itself
// an ExtentReaderAt the two mappings are composed, so stacked images
// (a filesystem inside a partition inside a file) flatten to one
// level of indirection.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := append([]Extent(nil), extents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Logical < sorted[j].Logical })
	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// Size returns the logical file size.
func (e *ExtentReaderAt) Size() int64 { return e.size }

// ReadAt implements io.ReaderAt.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("extent read at negative offset %d", off)
	}
	if off >= e.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
	}

	total := 0
	for len(p) > 0 {
		ext, ok := e.find(off)
		if !ok {
			// Sparse region: zero-fill up to the next extent or EOF.
			gapEnd := e.nextStart(off)
			n := int64(len(p))
			if gapEnd-off < n {
				n = gapEnd - off
			}
			for i := int64(0); i < n; i++ {
				p[i] = 0
			}
			total += int(n)
			off += n
			p = p[n:]
			continue
		}
		n := ext.Length - (off - ext.Logical)
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		nr, err := e.r.ReadAt(p[:n], ext.Physical+(off-ext.Logical))
		total += nr
		off += int64(nr)
		p = p[nr:]
		if err != nil && err != io.EOF {
			return total, err
		}
		if int64(nr) < n {
			return total, io.EOF
		}
	}
	return total, nil
}

// find returns the extent covering logical offset off.
func (e *ExtentReaderAt) find(off int64) (Extent, bool) {
	i := sort.Search(len(e.extents), func(i int) bool {
		return e.extents[i].Logical+e.extents[i].Length > off
	})
	if i == len(e.extents) || e.extents[i].Logical > off {
		return Extent{}, false
	}
	return e.extents[i], true
}

// nextStart returns the logical start of the first extent past off, or
// the file size when none follows.
func (e *ExtentReaderAt) nextStart(off int64) int64 {
	i := sort.Search(len(e.extents), func(i int) bool { return e.extents[i].Logical > off })
	if i == len(e.extents) {
		return e.size
	}
	return e.extents[i].Logical
}

// ComposeExtents flattens two stacked mappings: outer maps logical
// offsets into an intermediate space, inner maps that space onto the
// image. The result maps outer logical offsets straight onto the
// image. Gaps in inner stay gaps in the result. Both inputs must be
// sorted by Logical.
func ComposeExtents(outer, inner []Extent) []Extent {
	var out []Extent
	for _, o := range outer {
		logical, mid, left := o.Logical, o.Physical, o.Length
		for left > 0 {
			i := sort.Search(len(inner), func(i int) bool {
				return inner[i].Logical+inner[i].Length > mid
			})
			if i == len(inner) {
				break
			}
			in := inner[i]
			if in.Logical > mid {
				// Gap before the next inner extent.
				skip := in.Logical - mid
				if skip > left {
					skip = left
				}
				logical, mid, left = logical+skip, mid+skip, left-skip
				continue
			}
			n := in.Length - (mid - in.Logical)
			if n > left {
				n = left
			}
			out = append(out, Extent{
				Logical:  logical,
				Physical: in.Physical + (mid - in.Logical),
				Length:   n,
			})
			logical, mid, left = logical+n, mid+n, left-n
		}
	}
	return out
}
