package xfs

import (
	"encoding/binary"
	"fmt"
)

// attrBlocks provides attribute-space block addressing over the attr
// fork's resolved extent list. Attribute blocks are always one
// filesystem block; the directory-block multiplier does not apply.
type attrBlocks struct {
	fs  *FS
	ino *Inode
	ext []extent
}

// openAttrBlocks resolves the attr fork's extent map, for the leaf and
// node layouts.
func (f *FS) openAttrBlocks(ino *Inode, fk fork) (*attrBlocks, error) {
	ext, err := f.forkExtents(fk)
	if err != nil {
		return nil, fmt.Errorf("inode %d attr fork: %w", ino.Ino, err)
	}
	return &attrBlocks{fs: f, ino: ino, ext: ext}, nil
}

// readDABlock reads the attr block at fork-logical block dablk.
func (a *attrBlocks) readDABlock(dablk uint64) ([]byte, error) {
	for _, e := range a.ext {
		if dablk >= e.startOff && dablk < e.end() {
			return a.fs.readFSBlock(e.startBlock + (dablk - e.startOff))
		}
	}
	return nil, fmt.Errorf("inode %d: attr block %#x unmapped: %w", a.ino.Ino, dablk, ErrCorrupt)
}

// attrLeaf is a decoded attribute leaf block. Entries are hash-sorted;
// name records live at each entry's nameidx within the same block.
type attrLeaf struct {
	info daBlkInfo
	buf  []byte
	ents []attrLeafEnt
}

type attrLeafEnt struct {
	hashval uint32
	nameidx int
	flags   uint8
}

// decodeAttrLeaf decodes an attribute leaf block: the da header, then
// count/usedbytes/firstused/holes and the freemap, then the entry
// array.
func (f *FS) decodeAttrLeaf(buf []byte) (attrLeaf, error) {
	info, hdr, err := f.decodeDaBlkInfo(buf, attrLeafMagic, attrLeafMagicV5)
	if err != nil {
		return attrLeaf{}, err
	}
	entOff := attrLeafHdrSize
	if hdr == daBlkInfoSizeV5 {
		entOff = attrLeafHdrSizeV5
	}
	count := int(binary.BigEndian.Uint16(buf[hdr:]))
	if entOff+count*8 > len(buf) {
		return attrLeaf{}, fmt.Errorf("attr leaf: %d entries: %w", count, ErrCorrupt)
	}
	leaf := attrLeaf{info: info, buf: buf, ents: make([]attrLeafEnt, count)}
	for i := range leaf.ents {
		leaf.ents[i] = attrLeafEnt{
			hashval: binary.BigEndian.Uint32(buf[entOff+i*8:]),
			nameidx: int(binary.BigEndian.Uint16(buf[entOff+i*8+4:])),
			flags:   buf[entOff+i*8+6],
		}
		if i > 0 && leaf.ents[i].hashval < leaf.ents[i-1].hashval {
			return attrLeaf{}, fmt.Errorf("attr leaf: hashes not monotonic at %d: %w", i, ErrCorrupt)
		}
	}
	return leaf, nil
}

// name returns entry i's raw name. For local entries it also returns
// the inline value; for remote ones the value block and length.
func (l attrLeaf) name(i int) (name []byte, local []byte, valueblk uint64, valuelen int, err error) {
	e := l.ents[i]
	off := e.nameidx
	if e.flags&attrFlagLocal != 0 {
		if off+3 > len(l.buf) {
			return nil, nil, 0, 0, fmt.Errorf("attr leaf: local record at %d truncated: %w", off, ErrCorrupt)
		}
		vlen := int(binary.BigEndian.Uint16(l.buf[off:]))
		nlen := int(l.buf[off+2])
		if off+3+nlen+vlen > len(l.buf) {
			return nil, nil, 0, 0, fmt.Errorf("attr leaf: local record at %d spills: %w", off, ErrCorrupt)
		}
		return l.buf[off+3 : off+3+nlen], l.buf[off+3+nlen : off+3+nlen+vlen], 0, 0, nil
	}
	if off+9 > len(l.buf) {
		return nil, nil, 0, 0, fmt.Errorf("attr leaf: remote record at %d truncated: %w", off, ErrCorrupt)
	}
	vblk := binary.BigEndian.Uint32(l.buf[off:])
	vlen := int(binary.BigEndian.Uint32(l.buf[off+4:]))
	nlen := int(l.buf[off+8])
	if off+9+nlen > len(l.buf) {
		return nil, nil, 0, 0, fmt.Errorf("attr leaf: remote record at %d spills: %w", off, ErrCorrupt)
	}
	return l.buf[off+9 : off+9+nlen], nil, uint64(vblk), vlen, nil
}

// leftmostLeaf descends from attr block 0 to the first leaf. Block 0 is
// the leaf itself in the two-level layout, a da node above that.
func (a *attrBlocks) leftmostLeaf() (attrLeaf, error) {
	dablk := uint64(0)
	for depth := 0; ; depth++ {
		if depth > daMaxLevels {
			return attrLeaf{}, fmt.Errorf("inode %d: attr btree deeper than %d: %w", a.ino.Ino, daMaxLevels, ErrCorrupt)
		}
		buf, err := a.readDABlock(dablk)
		if err != nil {
			return attrLeaf{}, err
		}
		switch binary.BigEndian.Uint16(buf[8:]) {
		case attrLeafMagic, attrLeafMagicV5:
			return a.fs.decodeAttrLeaf(buf)
		case daNodeMagic, daNodeMagicV5:
			node, err := a.fs.decodeDaNode(buf)
			if err != nil {
				return attrLeaf{}, err
			}
			dablk = uint64(node.firstChild())
		default:
			return attrLeaf{}, fmt.Errorf("inode %d: attr block %#x magic %#04x: %w",
				a.ino.Ino, dablk, binary.BigEndian.Uint16(buf[8:]), ErrCorrupt)
		}
	}
}

// leafFor descends to the leaf that can contain hash. A miss in an
// internal node means the name does not exist.
func (a *attrBlocks) leafFor(hash uint32) (attrLeaf, bool, error) {
	dablk := uint64(0)
	for depth := 0; ; depth++ {
		if depth > daMaxLevels {
			return attrLeaf{}, false, fmt.Errorf("inode %d: attr btree deeper than %d: %w", a.ino.Ino, daMaxLevels, ErrCorrupt)
		}
		buf, err := a.readDABlock(dablk)
		if err != nil {
			return attrLeaf{}, false, err
		}
		switch binary.BigEndian.Uint16(buf[8:]) {
		case attrLeafMagic, attrLeafMagicV5:
			leaf, err := a.fs.decodeAttrLeaf(buf)
			return leaf, err == nil, err
		case daNodeMagic, daNodeMagicV5:
			node, err := a.fs.decodeDaNode(buf)
			if err != nil {
				return attrLeaf{}, false, err
			}
			child, ok := node.childFor(hash)
			if !ok {
				return attrLeaf{}, false, nil
			}
			dablk = uint64(child)
		default:
			return attrLeaf{}, false, fmt.Errorf("inode %d: attr block %#x magic %#04x: %w",
				a.ino.Ino, dablk, binary.BigEndian.Uint16(buf[8:]), ErrCorrupt)
		}
	}
}

// walk iterates all complete attribute names in hash order, following
// the leaf sibling chain.
func (a *attrBlocks) walk(fn func(flags uint8, name []byte) bool) error {
	leaf, err := a.leftmostLeaf()
	if err != nil {
		return err
	}
	for steps := 0; ; steps++ {
		if steps > 1<<20 {
			return fmt.Errorf("inode %d: attr leaf chain does not terminate: %w", a.ino.Ino, ErrCorrupt)
		}
		for i := range leaf.ents {
			if leaf.ents[i].flags&attrFlagIncomplete != 0 {
				continue
			}
			name, _, _, _, err := leaf.name(i)
			if err != nil {
				return err
			}
			if !fn(leaf.ents[i].flags, name) {
				return nil
			}
		}
		if leaf.info.forw == 0 {
			return nil
		}
		buf, err := a.readDABlock(uint64(leaf.info.forw))
		if err != nil {
			return err
		}
		leaf, err = a.fs.decodeAttrLeaf(buf)
		if err != nil {
			return err
		}
	}
}

// get resolves (namespace flags, raw name) to a value. Equal-hash runs
// may continue into the next leaf, so the probe follows forw while the
// last hash still matches.
func (a *attrBlocks) get(wantFlags uint8, name string) ([]byte, bool, error) {
	hash := nameHash([]byte(name))
	leaf, ok, err := a.leafFor(hash)
	if err != nil || !ok {
		return nil, false, err
	}
	for steps := 0; ; steps++ {
		if steps > 1<<20 {
			return nil, false, fmt.Errorf("inode %d: attr leaf chain does not terminate: %w", a.ino.Ino, ErrCorrupt)
		}
		ents := make([]daEntry, len(leaf.ents))
		for i, e := range leaf.ents {
			ents[i] = daEntry{hashval: e.hashval}
		}
		lo, hi := searchDaEntries(ents, hash)
		for i := lo; i < hi; i++ {
			e := leaf.ents[i]
			if e.flags&attrFlagIncomplete != 0 || !nsMatch(e.flags, wantFlags) {
				continue
			}
			n, local, vblk, vlen, err := leaf.name(i)
			if err != nil {
				return nil, false, err
			}
			if string(n) != name {
				continue
			}
			if e.flags&attrFlagLocal != 0 {
				return append([]byte(nil), local...), true, nil
			}
			val, err := a.readRemoteValue(vblk, vlen)
			if err != nil {
				return nil, false, err
			}
			return val, true, nil
		}
		// The run might spill into the right sibling.
		if hi < len(leaf.ents) || leaf.info.forw == 0 ||
			len(leaf.ents) == 0 || leaf.ents[len(leaf.ents)-1].hashval != hash {
			return nil, false, nil
		}
		buf, err := a.readDABlock(uint64(leaf.info.forw))
		if err != nil {
			return nil, false, err
		}
		leaf, err = a.fs.decodeAttrLeaf(buf)
		if err != nil {
			return nil, false, err
		}
	}
}

// readRemoteValue reads a value stored in its own attr-fork blocks,
// starting at valueblk. V5 images wrap each block in an "XARM" header
// recording the byte range it carries.
func (a *attrBlocks) readRemoteValue(valueblk uint64, valuelen int) ([]byte, error) {
	val := make([]byte, 0, valuelen)
	for blk := valueblk; len(val) < valuelen; blk++ {
		buf, err := a.readDABlock(blk)
		if err != nil {
			return nil, err
		}
		if a.fs.sb.IsV5() {
			if len(buf) < attrRemoteHdrSizeV5 {
				return nil, fmt.Errorf("inode %d: remote attr block %#x truncated: %w", a.ino.Ino, blk, ErrCorrupt)
			}
			if magic := binary.BigEndian.Uint32(buf); magic != attrRemoteMagicV5 {
				return nil, fmt.Errorf("inode %d: remote attr block %#x magic %#08x: %w", a.ino.Ino, blk, magic, ErrCorrupt)
			}
			if got, want := metaCRC(buf, attrRemoteOffCRC), binary.BigEndian.Uint32(buf[attrRemoteOffCRC:]); got != want {
				return nil, fmt.Errorf("inode %d: remote attr block %#x checksum %#08x, computed %#08x: %w",
					a.ino.Ino, blk, want, got, ErrCorrupt)
			}
			if off := int(binary.BigEndian.Uint32(buf[4:])); off != len(val) {
				return nil, fmt.Errorf("inode %d: remote attr block %#x carries offset %d, want %d: %w",
					a.ino.Ino, blk, off, len(val), ErrCorrupt)
			}
			n := int(binary.BigEndian.Uint32(buf[8:]))
			if n <= 0 || attrRemoteHdrSizeV5+n > len(buf) || len(val)+n > valuelen {
				return nil, fmt.Errorf("inode %d: remote attr block %#x carries %d bytes: %w", a.ino.Ino, blk, n, ErrCorrupt)
			}
			val = append(val, buf[attrRemoteHdrSizeV5:attrRemoteHdrSizeV5+n]...)
		} else {
			n := valuelen - len(val)
			if n > len(buf) {
				n = len(buf)
			}
			val = append(val, buf[:n]...)
		}
	}
	return val, nil
}
