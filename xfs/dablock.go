package xfs

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Magic numbers of the hash-indexed ("da") btree block family. The V5
// variants protect the block with a CRC and carry owner/uuid fields.
const (
	daNodeMagic   = 0xfebe
	daNodeMagicV5 = 0x3ebe

	dirLeaf1Magic   = 0xd2f1
	dirLeaf1MagicV5 = 0x3df1
	dirLeafNMagic   = 0xd2ff
	dirLeafNMagicV5 = 0x3dff

	attrLeafMagic   = 0xfbee
	attrLeafMagicV5 = 0x3bee

	// Header sizes of the shared block info: forw/back/magic/pad,
	// plus crc/blkno/lsn/uuid/owner on V5.
	daBlkInfoSize   = 12
	daBlkInfoSizeV5 = 56
	daOffCRC        = 12 // crc position within the V5 block info

	// A da btree taller than this cannot index a legal directory.
	daMaxLevels = 6
)

// daBlkInfo is the header every da-family block starts with: sibling
// links for leaf chains and the layout magic.
type daBlkInfo struct {
	forw  uint32
	back  uint32
	magic uint16
}

// decodeDaBlkInfo decodes and checks the header of a da block. wantV4
// and wantV5 name the acceptable magics for the caller's context; the
// size of the header depends on which generation matched.
func (f *FS) decodeDaBlkInfo(buf []byte, wantV4, wantV5 uint16) (daBlkInfo, int, error) {
	info := daBlkInfo{
		forw:  binary.BigEndian.Uint32(buf),
		back:  binary.BigEndian.Uint32(buf[4:]),
		magic: binary.BigEndian.Uint16(buf[8:]),
	}
	switch info.magic {
	case wantV5:
		if !f.sb.IsV5() {
			return info, 0, fmt.Errorf("da block: V5 magic %#04x on V4 image: %w", info.magic, ErrCorrupt)
		}
		if got, want := metaCRC(buf, daOffCRC), binary.BigEndian.Uint32(buf[daOffCRC:]); got != want {
			return info, 0, fmt.Errorf("da block magic %#04x: checksum %#08x, computed %#08x: %w",
				info.magic, want, got, ErrCorrupt)
		}
		return info, daBlkInfoSizeV5, nil
	case wantV4:
		if f.sb.IsV5() {
			return info, 0, fmt.Errorf("da block: V4 magic %#04x on V5 image: %w", info.magic, ErrCorrupt)
		}
		return info, daBlkInfoSize, nil
	}
	return info, 0, fmt.Errorf("da block: magic %#04x, want %#04x or %#04x: %w",
		info.magic, wantV4, wantV5, ErrCorrupt)
}

// daEntry is one (hash, value) pair. In internal nodes value is the
// child's directory-space block number; in leaves it is the packed
// address of a data entry (directories) or a name index (attributes).
type daEntry struct {
	hashval uint32
	value   uint32
}

// daNode is a decoded internal node of the hash btree.
type daNode struct {
	info    daBlkInfo
	level   int
	entries []daEntry
}

// decodeDaNode decodes an internal node block.
func (f *FS) decodeDaNode(buf []byte) (daNode, error) {
	info, hdr, err := f.decodeDaBlkInfo(buf, daNodeMagic, daNodeMagicV5)
	if err != nil {
		return daNode{}, err
	}
	count := int(binary.BigEndian.Uint16(buf[hdr:]))
	node := daNode{info: info, level: int(binary.BigEndian.Uint16(buf[hdr+2:]))}
	// V5 nodes align entries past a pad word.
	entOff := hdr + 4
	if hdr == daBlkInfoSizeV5 {
		entOff = hdr + 8
	}
	if node.level < 1 || node.level > daMaxLevels {
		return daNode{}, fmt.Errorf("da node: level %d: %w", node.level, ErrCorrupt)
	}
	if count < 1 || entOff+count*8 > len(buf) {
		return daNode{}, fmt.Errorf("da node: %d entries: %w", count, ErrCorrupt)
	}
	node.entries = make([]daEntry, count)
	for i := range node.entries {
		node.entries[i] = daEntry{
			hashval: binary.BigEndian.Uint32(buf[entOff+i*8:]),
			value:   binary.BigEndian.Uint32(buf[entOff+i*8+4:]),
		}
		if i > 0 && node.entries[i].hashval < node.entries[i-1].hashval {
			return daNode{}, fmt.Errorf("da node: keys not monotonic at %d: %w", i, ErrCorrupt)
		}
	}
	return node, nil
}

// childFor picks the subtree that can contain hash: the first entry
// whose hashval is >= hash (each entry records its subtree's maximum).
func (n daNode) childFor(hash uint32) (uint32, bool) {
	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].hashval >= hash })
	if i == len(n.entries) {
		return 0, false
	}
	return n.entries[i].value, true
}

// firstChild returns the leftmost subtree, for full iteration.
func (n daNode) firstChild() uint32 { return n.entries[0].value }

// searchDaEntries finds the range of leaf entries matching hash in a
// hash-sorted entry array: binary search for the first match, then the
// run of equal hashes. Collisions are resolved by the caller comparing
// names.
func searchDaEntries(ents []daEntry, hash uint32) (lo, hi int) {
	lo = sort.Search(len(ents), func(i int) bool { return ents[i].hashval >= hash })
	hi = lo
	for hi < len(ents) && ents[hi].hashval == hash {
		hi++
	}
	return lo, hi
}
