package xfs

import (
	"encoding/binary"
	"fmt"
)

// Block-map btree block magics: "BMAP" (V4) and "BMA3" (V5).
const (
	bmbtMagic   = 0x424d4150
	bmbtMagicV5 = 0x424d4133

	bmbtHdrSize   = 24
	bmbtHdrSizeV5 = 72
	bmbtOffCRC    = 64

	bmbtRecSize = 16

	// A bmap btree taller than this cannot describe a legal file.
	bmbtMaxLevels = 9
)

// extent maps a contiguous run of logical file blocks onto a
// contiguous run of filesystem blocks.
type extent struct {
	startOff   uint64 // logical offset, in blocks
	startBlock uint64 // filesystem block address
	blockCount uint64
	unwritten  bool // allocated but never written: reads as zeros
}

func (e extent) end() uint64 { return e.startOff + e.blockCount }

// decodeBmbtRec unpacks one packed 128-bit extent record. The field
// boundaries are bit positions, not byte positions: one flag bit,
// a 54-bit logical offset, a 52-bit start block, a 21-bit length.
func decodeBmbtRec(buf []byte) extent {
	l0 := binary.BigEndian.Uint64(buf)
	l1 := binary.BigEndian.Uint64(buf[8:])
	return extent{
		unwritten:  l0>>63 != 0,
		startOff:   l0 >> 9 & (1<<54 - 1),
		startBlock: l0&(1<<9-1)<<43 | l1>>21,
		blockCount: l1 & (1<<21 - 1),
	}
}

// decodeExtentList decodes a packed array of n extent records and
// checks the fork invariant: strictly ordered by logical offset and
// pairwise non-overlapping.
func decodeExtentList(buf []byte, n uint32) ([]extent, error) {
	if int(n)*bmbtRecSize > len(buf) {
		return nil, fmt.Errorf("extent list: %d records exceed %d fork bytes: %w", n, len(buf), ErrCorrupt)
	}
	ext := make([]extent, n)
	for i := range ext {
		ext[i] = decodeBmbtRec(buf[i*bmbtRecSize:])
		if ext[i].blockCount == 0 {
			return nil, fmt.Errorf("extent %d: zero length: %w", i, ErrCorrupt)
		}
		if i > 0 && ext[i].startOff < ext[i-1].end() {
			return nil, fmt.Errorf("extent %d at block %d overlaps previous: %w", i, ext[i].startOff, ErrCorrupt)
		}
	}
	return ext, nil
}

// bmdrRoot is the btree root descriptor stored inline in a fork's
// literal area. Keys and pointers are split at the maxrecs boundary
// computed from the fork size, not packed back to back.
type bmdrRoot struct {
	level   int
	numrecs int
	raw     []byte
	maxrecs int
}

func decodeBmdrRoot(raw []byte) (bmdrRoot, error) {
	if len(raw) < 4+bmbtRecSize {
		return bmdrRoot{}, fmt.Errorf("btree fork root: %d bytes: %w", len(raw), ErrCorrupt)
	}
	r := bmdrRoot{
		level:   int(binary.BigEndian.Uint16(raw)),
		numrecs: int(binary.BigEndian.Uint16(raw[2:])),
		raw:     raw,
		maxrecs: (len(raw) - 4) / bmbtRecSize,
	}
	if r.level < 1 || r.level > bmbtMaxLevels {
		return bmdrRoot{}, fmt.Errorf("btree fork root: level %d: %w", r.level, ErrCorrupt)
	}
	if r.numrecs < 1 || r.numrecs > r.maxrecs {
		return bmdrRoot{}, fmt.Errorf("btree fork root: %d records, max %d: %w", r.numrecs, r.maxrecs, ErrCorrupt)
	}
	return r, nil
}

func (r bmdrRoot) key(i int) uint64 {
	return binary.BigEndian.Uint64(r.raw[4+i*8:])
}

func (r bmdrRoot) ptr(i int) uint64 {
	return binary.BigEndian.Uint64(r.raw[4+r.maxrecs*8+i*8:])
}

// bmbtBlock is a transient view of one long-format btree block. Nodes
// are decoded on demand from the cache and discarded; the image is the
// only persistent tree.
type bmbtBlock struct {
	level   int
	numrecs int
	body    []byte // past the header
	maxrecs int
}

func (f *FS) readBmbtBlock(fsbno uint64, wantLevel int) (bmbtBlock, error) {
	buf, err := f.readFSBlock(fsbno)
	if err != nil {
		return bmbtBlock{}, err
	}
	magic := binary.BigEndian.Uint32(buf)
	hdr := bmbtHdrSize
	switch {
	case magic == bmbtMagicV5 && f.sb.IsV5():
		hdr = bmbtHdrSizeV5
		if got, want := metaCRC(buf, bmbtOffCRC), binary.BigEndian.Uint32(buf[bmbtOffCRC:]); got != want {
			return bmbtBlock{}, fmt.Errorf("bmap block %#x: checksum %#08x, computed %#08x: %w", fsbno, want, got, ErrCorrupt)
		}
	case magic == bmbtMagic && !f.sb.IsV5():
	default:
		return bmbtBlock{}, fmt.Errorf("bmap block %#x: magic %#08x: %w", fsbno, magic, ErrCorrupt)
	}
	b := bmbtBlock{
		level:   int(binary.BigEndian.Uint16(buf[4:])),
		numrecs: int(binary.BigEndian.Uint16(buf[6:])),
		body:    buf[hdr:],
	}
	b.maxrecs = len(b.body) / bmbtRecSize
	if b.level != wantLevel {
		return bmbtBlock{}, fmt.Errorf("bmap block %#x: level %d, parent expects %d: %w", fsbno, b.level, wantLevel, ErrCorrupt)
	}
	if b.numrecs < 1 || b.numrecs > b.maxrecs {
		return bmbtBlock{}, fmt.Errorf("bmap block %#x: %d records, max %d: %w", fsbno, b.numrecs, b.maxrecs, ErrCorrupt)
	}
	return b, nil
}

func (b bmbtBlock) key(i int) uint64 { return binary.BigEndian.Uint64(b.body[i*8:]) }
func (b bmbtBlock) ptr(i int) uint64 { return binary.BigEndian.Uint64(b.body[b.maxrecs*8+i*8:]) }

// forkExtents resolves a fork's complete extent map in logical order.
// Local forks have no extents; the callers read the literal area
// directly and never ask.
func (f *FS) forkExtents(fk fork) ([]extent, error) {
	switch fk.format {
	case fmtExtents:
		return decodeExtentList(fk.raw, fk.nextents)
	case fmtBtree:
		root, err := decodeBmdrRoot(fk.raw)
		if err != nil {
			return nil, err
		}
		var out []extent
		for i := 0; i < root.numrecs; i++ {
			out, err = f.appendSubtree(out, root.ptr(i), root.level-1)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fork format %v has no extent map: %w", fk.format, ErrCorrupt)
	}
}

// appendSubtree walks one btree child in order, appending its leaf
// records to out and checking ordering across node boundaries.
func (f *FS) appendSubtree(out []extent, fsbno uint64, level int) ([]extent, error) {
	if level < 0 {
		return nil, fmt.Errorf("bmap btree deeper than recorded: %w", ErrCorrupt)
	}
	blk, err := f.readBmbtBlock(fsbno, level)
	if err != nil {
		return nil, err
	}
	if level == 0 {
		for i := 0; i < blk.numrecs; i++ {
			e := decodeBmbtRec(blk.body[i*bmbtRecSize:])
			if e.blockCount == 0 {
				return nil, fmt.Errorf("bmap block %#x: zero-length record: %w", fsbno, ErrCorrupt)
			}
			if n := len(out); n > 0 && e.startOff < out[n-1].end() {
				return nil, fmt.Errorf("bmap block %#x: record at %d overlaps previous: %w", fsbno, e.startOff, ErrCorrupt)
			}
			out = append(out, e)
		}
		return out, nil
	}
	for i := 0; i < blk.numrecs; i++ {
		out, err = f.appendSubtree(out, blk.ptr(i), level-1)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
