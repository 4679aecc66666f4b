package xfs

import (
	"encoding/binary"
	"fmt"

	"github.com/dvries/xfsread/fsys"
)

// AGF header magic "XAGF" and the by-block free space btree magics
// "ABTB" (V4) and "AB3B" (V5).
const (
	agfMagic = 0x58414746

	abtbMagic   = 0x41425442
	abtbMagicV5 = 0x41423342

	agfOffCRC = 216

	// Short-form btree block headers: magic, level, numrecs and the
	// sibling links; V5 appends blkno/lsn/uuid/owner/crc.
	sbtHdrSize   = 16
	sbtHdrSizeV5 = 56
	sbtOffCRC    = 52

	allocRecSize = 8
)

// agf is the decoded free space header of one allocation group. Only
// the by-block btree fields matter here; the by-size tree indexes the
// same records.
type agf struct {
	seqno    uint32
	length   uint32
	bnoRoot  uint32
	bnoLevel uint32
	freeblks uint32
	longest  uint32
}

// readAGF reads and validates the AGF sector of allocation group agno.
// It lives in the second sector of the group.
func (f *FS) readAGF(agno uint32) (agf, error) {
	base, err := f.sb.FSBlockToByte(f.sb.MakeFSBlock(agno, 0))
	if err != nil {
		return agf{}, err
	}
	buf := make([]byte, f.sb.SectSize)
	if _, err := f.dev.ReadAt(buf, base+int64(f.sb.SectSize)); err != nil {
		return agf{}, fmt.Errorf("AG %d: reading AGF: %w", agno, err)
	}
	if magic := binary.BigEndian.Uint32(buf); magic != agfMagic {
		return agf{}, fmt.Errorf("AG %d: AGF magic %#08x: %w", agno, magic, ErrCorrupt)
	}
	if f.sb.IsV5() {
		if got, want := metaCRC(buf, agfOffCRC), binary.BigEndian.Uint32(buf[agfOffCRC:]); got != want {
			return agf{}, fmt.Errorf("AG %d: AGF checksum %#08x, computed %#08x: %w", agno, want, got, ErrCorrupt)
		}
	}
	a := agf{
		seqno:    binary.BigEndian.Uint32(buf[8:]),
		length:   binary.BigEndian.Uint32(buf[12:]),
		bnoRoot:  binary.BigEndian.Uint32(buf[16:]),
		bnoLevel: binary.BigEndian.Uint32(buf[28:]),
		freeblks: binary.BigEndian.Uint32(buf[52:]),
		longest:  binary.BigEndian.Uint32(buf[56:]),
	}
	if a.seqno != agno {
		return agf{}, fmt.Errorf("AG %d: AGF claims group %d: %w", agno, a.seqno, ErrCorrupt)
	}
	if a.bnoLevel < 1 || a.bnoLevel > bmbtMaxLevels {
		return agf{}, fmt.Errorf("AG %d: free btree level %d: %w", agno, a.bnoLevel, ErrCorrupt)
	}
	return a, nil
}

// FreeBlocks implements fsys.FreeBlocker: the free byte ranges of the
// image, ascending and non-overlapping, gathered from each allocation
// group's by-block free space btree.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	var out []fsys.Range
	for agno := uint32(0); agno < f.sb.AgCount; agno++ {
		a, err := f.readAGF(agno)
		if err != nil {
			return nil, err
		}
		out, err = f.appendFreeSubtree(out, agno, a.bnoRoot, int(a.bnoLevel)-1)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FreeSpace sums the AGF free block counters, in bytes.
func (f *FS) FreeSpace() (int64, error) {
	var blocks int64
	for agno := uint32(0); agno < f.sb.AgCount; agno++ {
		a, err := f.readAGF(agno)
		if err != nil {
			return 0, err
		}
		blocks += int64(a.freeblks)
	}
	return blocks << f.sb.BlockLog, nil
}

// appendFreeSubtree walks one by-block btree child in record order.
// Pointers are AG-relative block numbers.
func (f *FS) appendFreeSubtree(out []fsys.Range, agno, agbno uint32, level int) ([]fsys.Range, error) {
	if level < 0 {
		return nil, fmt.Errorf("AG %d: free btree deeper than recorded: %w", agno, ErrCorrupt)
	}
	buf, err := f.readFSBlock(f.sb.MakeFSBlock(agno, agbno))
	if err != nil {
		return nil, err
	}
	hdr := sbtHdrSize
	switch magic := binary.BigEndian.Uint32(buf); {
	case magic == abtbMagicV5 && f.sb.IsV5():
		hdr = sbtHdrSizeV5
		if got, want := metaCRC(buf, sbtOffCRC), binary.BigEndian.Uint32(buf[sbtOffCRC:]); got != want {
			return nil, fmt.Errorf("AG %d: free btree block %d checksum %#08x, computed %#08x: %w",
				agno, agbno, want, got, ErrCorrupt)
		}
	case magic == abtbMagic && !f.sb.IsV5():
	default:
		return nil, fmt.Errorf("AG %d: free btree block %d magic %#08x: %w",
			agno, agbno, binary.BigEndian.Uint32(buf), ErrCorrupt)
	}
	got := int(binary.BigEndian.Uint16(buf[4:]))
	numrecs := int(binary.BigEndian.Uint16(buf[6:]))
	if got != level {
		return nil, fmt.Errorf("AG %d: free btree block %d level %d, parent expects %d: %w",
			agno, agbno, got, level, ErrCorrupt)
	}
	body := buf[hdr:]

	if level == 0 {
		maxrecs := len(body) / allocRecSize
		if numrecs < 1 || numrecs > maxrecs {
			return nil, fmt.Errorf("AG %d: free btree block %d has %d records: %w", agno, agbno, numrecs, ErrCorrupt)
		}
		for i := 0; i < numrecs; i++ {
			start := binary.BigEndian.Uint32(body[i*allocRecSize:])
			count := binary.BigEndian.Uint32(body[i*allocRecSize+4:])
			if count == 0 {
				return nil, fmt.Errorf("AG %d: zero-length free record: %w", agno, ErrCorrupt)
			}
			base, err := f.sb.FSBlockToByte(f.sb.MakeFSBlock(agno, start))
			if err != nil {
				return nil, err
			}
			out = append(out, fsys.Range{Start: base, End: base + int64(count)<<f.sb.BlockLog})
		}
		return out, nil
	}
	// Internal nodes carry 8-byte keys then 4-byte child pointers,
	// split at the maxrecs boundary like the bmap btree.
	maxrecs := len(body) / (allocRecSize + 4)
	if numrecs < 1 || numrecs > maxrecs {
		return nil, fmt.Errorf("AG %d: free btree block %d has %d records: %w", agno, agbno, numrecs, ErrCorrupt)
	}
	ptrBase := maxrecs * allocRecSize
	for i := 0; i < numrecs; i++ {
		child := binary.BigEndian.Uint32(body[ptrBase+i*4:])
		out, err = f.appendFreeSubtree(out, agno, child, level-1)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
