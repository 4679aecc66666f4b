package xfs

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"
)

// imgBuilder assembles a small two-AG filesystem image in memory:
// 4 KiB blocks, 512-byte sectors, 64 blocks per AG by default.
// Blocks 0-2 of each AG hold the headers and the free space btree,
// blocks 3-7 of AG 0 hold inodes, data is bump-allocated from block 8.
type imgBuilder struct {
	t  *testing.T
	v5 bool

	img []byte

	blockSize uint32
	sectSize  uint32
	inodeSize uint32
	inopBlog  uint8
	agBlkLog  uint8
	agBlocks  uint32
	agCount   uint32

	uuid [16]byte

	nextIno  int
	nextData []uint32
	rootIno  uint64
}

type bldEnt struct {
	name  string
	ino   uint64
	ftype uint8
}

const (
	bldInodeStartBlk = 3
	bldInodeBlks     = 5
	bldDataStartBlk  = 8
)

func newImg(t *testing.T, v5 bool) *imgBuilder {
	t.Helper()
	return newImgSized(t, v5, 6)
}

// newImgSized picks the group size: 1<<agBlkLog blocks per AG, for
// tests whose fixtures outgrow the default 64.
func newImgSized(t *testing.T, v5 bool, agBlkLog uint8) *imgBuilder {
	t.Helper()
	b := &imgBuilder{
		t:         t,
		v5:        v5,
		blockSize: 4096,
		sectSize:  512,
		inodeSize: 512,
		agBlkLog:  agBlkLog,
		agBlocks:  1 << agBlkLog,
		agCount:   2,
	}
	if !v5 {
		b.inodeSize = 256
	}
	b.inopBlog = 3 // 8 inodes per 4 KiB block
	if !v5 {
		b.inopBlog = 4
	}
	for i := range b.uuid {
		b.uuid[i] = byte(0xa0 + i)
	}
	b.img = make([]byte, int(b.agCount)*int(b.agBlocks)*int(b.blockSize))
	b.nextData = []uint32{bldDataStartBlk, bldDataStartBlk}
	return b
}

func (b *imgBuilder) allocInode() uint64 {
	b.t.Helper()
	perBlk := int(b.blockSize / b.inodeSize)
	if b.nextIno >= bldInodeBlks*perBlk {
		b.t.Fatal("inode space exhausted")
	}
	slot := b.nextIno
	b.nextIno++
	agbno := uint64(bldInodeStartBlk + slot/perBlk)
	ino := agbno<<b.inopBlog | uint64(slot%perBlk)
	if b.rootIno == 0 {
		b.rootIno = ino
	}
	return ino
}

func (b *imgBuilder) allocBlock(ag int) uint64 {
	b.t.Helper()
	agbno := b.nextData[ag]
	if agbno >= b.agBlocks {
		b.t.Fatalf("AG %d exhausted", ag)
	}
	b.nextData[ag]++
	return uint64(ag)<<b.agBlkLog | uint64(agbno)
}

func (b *imgBuilder) blockOff(fsbno uint64) int {
	agno := uint32(fsbno >> b.agBlkLog)
	agbno := uint32(fsbno & (1<<b.agBlkLog - 1))
	return int(agno*b.agBlocks+agbno) * int(b.blockSize)
}

func (b *imgBuilder) blockAt(fsbno uint64) []byte {
	off := b.blockOff(fsbno)
	return b.img[off : off+int(b.blockSize)]
}

// inodeConf is everything writeInode needs beyond the number.
type inodeConf struct {
	mode     uint16
	nlink    uint32
	size     int64
	format   forkFormat
	aformat  forkFormat
	forkOff  uint8
	nextents uint32
	anext    uint16
	data     []byte
	attr     []byte
}

func (b *imgBuilder) writeInode(ino uint64, c inodeConf) {
	b.t.Helper()
	agbno := ino >> b.inopBlog
	idx := ino & (1<<b.inopBlog - 1)
	off := int(agbno)*int(b.blockSize) + int(idx)*int(b.inodeSize)
	rec := b.img[off : off+int(b.inodeSize)]
	for i := range rec {
		rec[i] = 0
	}

	coreSize := inodeCoreSizeV2
	version := uint8(2)
	if b.v5 {
		coreSize = inodeCoreSizeV3
		version = 3
	}
	binary.BigEndian.PutUint16(rec, inodeMagic)
	binary.BigEndian.PutUint16(rec[2:], c.mode)
	rec[4] = version
	rec[5] = uint8(c.format)
	nlink := c.nlink
	if nlink == 0 {
		nlink = 1
	}
	binary.BigEndian.PutUint32(rec[16:], nlink)
	binary.BigEndian.PutUint64(rec[56:], uint64(c.size))
	binary.BigEndian.PutUint32(rec[76:], c.nextents)
	binary.BigEndian.PutUint16(rec[80:], c.anext)
	rec[82] = c.forkOff
	rec[83] = uint8(c.aformat)
	binary.BigEndian.PutUint32(rec[92:], 1) // generation

	if len(c.data) > 0 {
		copy(rec[coreSize:], c.data)
	}
	if len(c.attr) > 0 {
		if c.forkOff == 0 {
			b.t.Fatal("attr data without fork offset")
		}
		copy(rec[coreSize+int(c.forkOff)*8:], c.attr)
	}
	if b.v5 {
		binary.BigEndian.PutUint64(rec[152:], ino)
		copy(rec[160:], b.uuid[:])
		binary.BigEndian.PutUint32(rec[inodeOffCRC:], metaCRC(rec, inodeOffCRC))
	}
}

// packExtent encodes one bmbt record.
func packExtent(e extent) []byte {
	var rec [bmbtRecSize]byte
	l0 := e.startOff<<9 | e.startBlock>>43
	if e.unwritten {
		l0 |= 1 << 63
	}
	l1 := (e.startBlock&(1<<43-1))<<21 | e.blockCount
	binary.BigEndian.PutUint64(rec[:], l0)
	binary.BigEndian.PutUint64(rec[8:], l1)
	return rec[:]
}

func packExtents(ext []extent) []byte {
	var out []byte
	for _, e := range ext {
		out = append(out, packExtent(e)...)
	}
	return out
}

// writeDaHeader fills the common da block info and returns the offset
// where the layout-specific header continues.
func (b *imgBuilder) writeDaHeader(buf []byte, magic uint16, forw, back uint32) int {
	binary.BigEndian.PutUint32(buf, forw)
	binary.BigEndian.PutUint32(buf[4:], back)
	binary.BigEndian.PutUint16(buf[8:], magic)
	if b.v5 {
		copy(buf[32:], b.uuid[:]) // uuid slot of the V5 info
		return daBlkInfoSizeV5
	}
	return daBlkInfoSize
}

func (b *imgBuilder) sealDaBlock(buf []byte) {
	if b.v5 {
		binary.BigEndian.PutUint32(buf[daOffCRC:], metaCRC(buf, daOffCRC))
	}
}

// writeDirData lays out directory data entries in one block and
// returns (hash, addr) pairs. db is the directory-block index used for
// address computation; reserve keeps the block tail free for the
// single-block trailer.
func (b *imgBuilder) writeDirData(buf []byte, db int, blockForm bool, ents []bldEnt, reserve int) []daEntry {
	b.t.Helper()
	magic, hdr := dirDataMagic, dirDataHdrSize
	switch {
	case blockForm && b.v5:
		magic, hdr = dirBlockMagicV5, dirDataHdrSizeV5
	case blockForm:
		magic = dirBlockMagic
	case b.v5:
		magic, hdr = dirDataMagicV5, dirDataHdrSizeV5
	}
	binary.BigEndian.PutUint32(buf, uint32(magic))
	if b.v5 {
		copy(buf[24:], b.uuid[:])
	}

	// Both generations are built with the ftype feature on.
	var out []daEntry
	off := hdr
	for _, e := range ents {
		size := (8 + 1 + len(e.name) + 1 + 2 + dirDataAlign - 1) &^ (dirDataAlign - 1)
		if off+size > len(buf)-reserve {
			b.t.Fatalf("directory block overflow at %q", e.name)
		}
		binary.BigEndian.PutUint64(buf[off:], e.ino)
		buf[off+8] = byte(len(e.name))
		copy(buf[off+9:], e.name)
		buf[off+9+len(e.name)] = e.ftype
		binary.BigEndian.PutUint16(buf[off+size-2:], uint16(off))
		out = append(out, daEntry{
			hashval: nameHash([]byte(e.name)),
			value:   uint32((db*int(b.blockSize) + off) / dirDataAlign),
		})
		off += size
	}
	// One free region covers the rest of the data area.
	if gap := len(buf) - reserve - off; gap > 0 {
		if gap < 8 {
			b.t.Fatalf("unstuffable gap of %d bytes", gap)
		}
		binary.BigEndian.PutUint16(buf[off:], dirFreeTag)
		binary.BigEndian.PutUint16(buf[off+2:], uint16(gap))
	}
	if b.v5 {
		binary.BigEndian.PutUint32(buf[dirDataOffCRC:], metaCRC(buf, dirDataOffCRC))
	}
	return out
}

func sortDaEntries(ents []daEntry) {
	sort.Slice(ents, func(i, j int) bool { return ents[i].hashval < ents[j].hashval })
}

// buildBlockDir creates a single-block directory inode and returns its
// number.
func (b *imgBuilder) buildBlockDir(parent uint64, ents []bldEnt) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	if parent == 0 {
		parent = ino
	}
	fsbno := b.allocBlock(0)
	buf := b.blockAt(fsbno)

	all := append([]bldEnt{{".", ino, FtypeDir}, {"..", parent, FtypeDir}}, ents...)
	reserve := len(all)*8 + 8
	leaf := b.writeDirData(buf, 0, true, all, reserve)
	sortDaEntries(leaf)
	base := len(buf) - reserve
	for i, le := range leaf {
		binary.BigEndian.PutUint32(buf[base+i*8:], le.hashval)
		binary.BigEndian.PutUint32(buf[base+i*8+4:], le.value)
	}
	binary.BigEndian.PutUint32(buf[len(buf)-8:], uint32(len(leaf)))
	if b.v5 {
		binary.BigEndian.PutUint32(buf[dirDataOffCRC:], metaCRC(buf, dirDataOffCRC))
	}

	b.writeInode(ino, inodeConf{
		mode: modeDir | 0o755, nlink: 2,
		size: int64(b.blockSize), format: fmtExtents, nextents: 1,
		data: packExtent(extent{startOff: 0, startBlock: fsbno, blockCount: 1}),
	})
	return ino
}

// buildSfDir creates a shortform directory. Entries keep their given
// order on disk.
func (b *imgBuilder) buildSfDir(parent uint64, ents []bldEnt) uint64 {
	b.t.Helper()
	return b.writeSfDir(b.allocInode(), parent, ents)
}

// writeSfDir fills an already-allocated inode with a shortform
// directory, for tests that need the directory at a fixed number.
func (b *imgBuilder) writeSfDir(ino, parent uint64, ents []bldEnt) uint64 {
	b.t.Helper()
	if parent == 0 {
		parent = ino
	}
	var sf []byte
	sf = append(sf, byte(len(ents)), 0)
	var p4 [4]byte
	binary.BigEndian.PutUint32(p4[:], uint32(parent))
	sf = append(sf, p4[:]...)
	size := int64(len(sf))
	for _, e := range ents {
		sf = append(sf, byte(len(e.name)), 0, 0)
		sf = append(sf, e.name...)
		sf = append(sf, e.ftype)
		binary.BigEndian.PutUint32(p4[:], uint32(e.ino))
		sf = append(sf, p4[:]...)
		size += int64(3 + len(e.name) + 1 + 4)
	}
	b.writeInode(ino, inodeConf{
		mode: modeDir | 0o755, nlink: 2,
		size: size, format: fmtLocal, data: sf,
	})
	return ino
}

// dirDataCapacity returns how many generated entries fit in one data
// block, leaving the named headroom.
func (b *imgBuilder) dirEntCap(nameLen, headroom int) int {
	hdr := dirDataHdrSize
	if b.v5 {
		hdr = dirDataHdrSizeV5
	}
	size := (8 + 1 + nameLen + 1 + 2 + 7) &^ 7
	return (int(b.blockSize) - hdr - headroom) / size
}

// buildLeafDir creates a leaf-layout directory: data blocks plus a
// single leaf1 index block at the 32 GiB mark.
func (b *imgBuilder) buildLeafDir(parent uint64, ents []bldEnt) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	if parent == 0 {
		parent = ino
	}
	all := append([]bldEnt{{".", ino, FtypeDir}, {"..", parent, FtypeDir}}, ents...)

	per := b.dirEntCap(8, 16)
	var dataBlks []uint64
	var leaf []daEntry
	for db := 0; len(all) > 0; db++ {
		n := per
		if n > len(all) {
			n = len(all)
		}
		fsbno := b.allocBlock(0)
		dataBlks = append(dataBlks, fsbno)
		leaf = append(leaf, b.writeDirData(b.blockAt(fsbno), db, false, all[:n], 0)...)
		all = all[n:]
	}
	sortDaEntries(leaf)

	leafBlk := b.allocBlock(0)
	lbuf := b.blockAt(leafBlk)
	hdr := b.writeDaHeader(lbuf, b.pick16(dirLeaf1Magic, dirLeaf1MagicV5), 0, 0)
	binary.BigEndian.PutUint16(lbuf[hdr:], uint16(len(leaf)))
	entOff := hdr + 4
	if b.v5 {
		entOff = hdr + 8
	}
	for i, le := range leaf {
		binary.BigEndian.PutUint32(lbuf[entOff+i*8:], le.hashval)
		binary.BigEndian.PutUint32(lbuf[entOff+i*8+4:], le.value)
	}
	b.sealDaBlock(lbuf)

	ext := b.contiguousExtents(dataBlks, 0)
	ext = append(ext, extent{startOff: dirLeafOffsetBytes >> 12, startBlock: leafBlk, blockCount: 1})
	b.writeInode(ino, inodeConf{
		mode: modeDir | 0o755, nlink: 2,
		size: int64(len(dataBlks)) * int64(b.blockSize),
		format: fmtExtents, nextents: uint32(len(ext)),
		data: packExtents(ext),
	})
	return ino
}

// writeDaNode fills fsbno with an internal index node at the given
// level.
func (b *imgBuilder) writeDaNode(fsbno uint64, level int, ents []daEntry) {
	buf := b.blockAt(fsbno)
	hdr := b.writeDaHeader(buf, b.pick16(daNodeMagic, daNodeMagicV5), 0, 0)
	binary.BigEndian.PutUint16(buf[hdr:], uint16(len(ents)))
	binary.BigEndian.PutUint16(buf[hdr+2:], uint16(level))
	entOff := hdr + 4
	if b.v5 {
		entOff = hdr + 8
	}
	for i, ne := range ents {
		binary.BigEndian.PutUint32(buf[entOff+i*8:], ne.hashval)
		binary.BigEndian.PutUint32(buf[entOff+i*8+4:], ne.value)
	}
	b.sealDaBlock(buf)
}

// buildNodeDir creates a node-layout (or, with btreeFork, btree
// layout) directory: a da node root above a chain of leafn blocks.
func (b *imgBuilder) buildNodeDir(parent uint64, ents []bldEnt, leaves int, btreeFork bool) uint64 {
	b.t.Helper()
	return b.buildIndexedDir(parent, ents, leaves, btreeFork, 0)
}

// buildDeepNodeDir adds a second internal level: a level-2 root over
// level-1 nodes of the given fanout over the leafn chain.
func (b *imgBuilder) buildDeepNodeDir(parent uint64, ents []bldEnt, leaves, fanout int) uint64 {
	b.t.Helper()
	return b.buildIndexedDir(parent, ents, leaves, false, fanout)
}

func (b *imgBuilder) buildIndexedDir(parent uint64, ents []bldEnt, leaves int, btreeFork bool, fanout int) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	if parent == 0 {
		parent = ino
	}
	all := append([]bldEnt{{".", ino, FtypeDir}, {"..", parent, FtypeDir}}, ents...)

	per := b.dirEntCap(8, 16)
	var dataBlks []uint64
	var leaf []daEntry
	for db := 0; len(all) > 0; db++ {
		n := per
		if n > len(all) {
			n = len(all)
		}
		fsbno := b.allocBlock(0)
		dataBlks = append(dataBlks, fsbno)
		leaf = append(leaf, b.writeDirData(b.blockAt(fsbno), db, false, all[:n], 0)...)
		all = all[n:]
	}
	sortDaEntries(leaf)

	// Split the sorted trailer across the requested number of leafn
	// blocks, chained left to right behind the index nodes.
	rootDablk := uint32(dirLeafOffsetBytes >> 12)
	leafBlks := make([]uint64, leaves)
	for i := range leafBlks {
		leafBlks[i] = b.allocBlock(0)
	}
	rootBlk := b.allocBlock(0)

	chunk := (len(leaf) + leaves - 1) / leaves
	var leafEnts []daEntry
	for i := 0; i < leaves; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(leaf) {
			hi = len(leaf)
		}
		part := leaf[lo:hi]
		dablk := rootDablk + 1 + uint32(i)
		forw := uint32(0)
		if i < leaves-1 {
			forw = dablk + 1
		}
		back := uint32(0)
		if i > 0 {
			back = dablk - 1
		}
		lbuf := b.blockAt(leafBlks[i])
		hdr := b.writeDaHeader(lbuf, b.pick16(dirLeafNMagic, dirLeafNMagicV5), forw, back)
		binary.BigEndian.PutUint16(lbuf[hdr:], uint16(len(part)))
		entOff := hdr + 4
		if b.v5 {
			entOff = hdr + 8
		}
		for j, le := range part {
			binary.BigEndian.PutUint32(lbuf[entOff+j*8:], le.hashval)
			binary.BigEndian.PutUint32(lbuf[entOff+j*8+4:], le.value)
		}
		b.sealDaBlock(lbuf)
		leafEnts = append(leafEnts, daEntry{hashval: part[len(part)-1].hashval, value: dablk})
	}

	ext := b.contiguousExtents(dataBlks, 0)
	ext = append(ext, extent{startOff: uint64(rootDablk), startBlock: rootBlk, blockCount: 1})
	ext = append(ext, b.contiguousExtents(leafBlks, uint64(rootDablk)+1)...)

	if fanout > 0 {
		// Group the leaf summaries under level-1 nodes; the root
		// becomes a level-2 node over those.
		var interBlks []uint64
		var rootEnts []daEntry
		for lo := 0; lo < len(leafEnts); lo += fanout {
			hi := lo + fanout
			if hi > len(leafEnts) {
				hi = len(leafEnts)
			}
			blk := b.allocBlock(0)
			dablk := rootDablk + 1 + uint32(leaves) + uint32(len(interBlks))
			b.writeDaNode(blk, 1, leafEnts[lo:hi])
			interBlks = append(interBlks, blk)
			rootEnts = append(rootEnts, daEntry{hashval: leafEnts[hi-1].hashval, value: dablk})
		}
		b.writeDaNode(rootBlk, 2, rootEnts)
		ext = append(ext, b.contiguousExtents(interBlks, uint64(rootDablk)+1+uint64(leaves))...)
	} else {
		b.writeDaNode(rootBlk, 1, leafEnts)
	}

	conf := inodeConf{
		mode: modeDir | 0o755, nlink: 2,
		size: int64(len(dataBlks)) * int64(b.blockSize),
	}
	if btreeFork {
		conf.format = fmtBtree
		conf.data = b.buildBmbtFork(ext)
	} else {
		conf.format = fmtExtents
		conf.nextents = uint32(len(ext))
		conf.data = packExtents(ext)
	}
	b.writeInode(ino, conf)
	return ino
}

// contiguousExtents folds a run of allocated blocks into extents,
// merging physically adjacent neighbours.
func (b *imgBuilder) contiguousExtents(blks []uint64, startOff uint64) []extent {
	var out []extent
	for i, fsbno := range blks {
		off := startOff + uint64(i)
		if n := len(out); n > 0 && out[n-1].startBlock+out[n-1].blockCount == fsbno &&
			out[n-1].startOff+out[n-1].blockCount == off {
			out[n-1].blockCount++
			continue
		}
		out = append(out, extent{startOff: off, startBlock: fsbno, blockCount: 1})
	}
	return out
}

// buildBmbtFork stores the extent list behind a one-level bmap btree:
// a root descriptor in the fork and one leaf block holding the
// records.
func (b *imgBuilder) buildBmbtFork(ext []extent) []byte {
	b.t.Helper()
	leafBlk := b.allocBlock(0)
	buf := b.blockAt(leafBlk)
	hdr := bmbtHdrSize
	if b.v5 {
		hdr = bmbtHdrSizeV5
		binary.BigEndian.PutUint32(buf, bmbtMagicV5)
		copy(buf[40:], b.uuid[:])
	} else {
		binary.BigEndian.PutUint32(buf, bmbtMagic)
	}
	binary.BigEndian.PutUint16(buf[4:], 0) // level
	binary.BigEndian.PutUint16(buf[6:], uint16(len(ext)))
	for i := range buf[8 : 8+16] { // no siblings
		buf[8+i] = 0xff
	}
	copy(buf[hdr:], packExtents(ext))
	if b.v5 {
		binary.BigEndian.PutUint32(buf[bmbtOffCRC:], metaCRC(buf, bmbtOffCRC))
	}

	// Inline root: level 1, one key/pointer pair.
	forkSize := int(b.inodeSize) - inodeCoreSizeV2
	if b.v5 {
		forkSize = int(b.inodeSize) - inodeCoreSizeV3
	}
	root := make([]byte, forkSize)
	binary.BigEndian.PutUint16(root, 1)
	binary.BigEndian.PutUint16(root[2:], 1)
	maxrecs := (forkSize - 4) / bmbtRecSize
	binary.BigEndian.PutUint64(root[4:], ext[0].startOff)
	binary.BigEndian.PutUint64(root[4+maxrecs*8:], leafBlk)
	return root
}

func (b *imgBuilder) pick16(v4, v5 uint16) uint16 {
	if b.v5 {
		return v5
	}
	return v4
}

// buildFile creates a regular file from explicit extents, writing
// content at the mapped blocks.
func (b *imgBuilder) buildFile(size int64, ext []extent, fill func(logicalBlock uint64, blk []byte)) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	for _, e := range ext {
		for i := uint64(0); i < e.blockCount; i++ {
			if fill != nil && !e.unwritten {
				fill(e.startOff+i, b.blockAt(e.startBlock+i))
			}
		}
	}
	b.writeInode(ino, inodeConf{
		mode: modeRegular | 0o644, nlink: 1,
		size: size, format: fmtExtents, nextents: uint32(len(ext)),
		data: packExtents(ext),
	})
	return ino
}

// buildSymlink creates a symlink inode, inline when the target fits.
func (b *imgBuilder) buildSymlink(target string, remote bool) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	if !remote {
		b.writeInode(ino, inodeConf{
			mode: modeSymlink | 0o777, nlink: 1,
			size: int64(len(target)), format: fmtLocal, data: []byte(target),
		})
		return ino
	}
	fsbno := b.allocBlock(0)
	buf := b.blockAt(fsbno)
	if b.v5 {
		binary.BigEndian.PutUint32(buf, symlinkMagicV5)
		binary.BigEndian.PutUint32(buf[4:], 0)
		binary.BigEndian.PutUint32(buf[8:], uint32(len(target)))
		copy(buf[16:], b.uuid[:])
		copy(buf[symlinkHdrSizeV5:], target)
		binary.BigEndian.PutUint32(buf[symlinkOffCRC:], metaCRC(buf, symlinkOffCRC))
	} else {
		copy(buf, target)
	}
	b.writeInode(ino, inodeConf{
		mode: modeSymlink | 0o777, nlink: 1,
		size: int64(len(target)), format: fmtExtents, nextents: 1,
		data: packExtent(extent{startOff: 0, startBlock: fsbno, blockCount: 1}),
	})
	return ino
}

// attrSf packs a shortform attribute fork.
func attrSf(ents []bldAttr) []byte {
	var body []byte
	for _, a := range ents {
		body = append(body, byte(len(a.name)), byte(len(a.value)), a.flags)
		body = append(body, a.name...)
		body = append(body, a.value...)
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint16(out, uint16(4+len(body)))
	out[2] = byte(len(ents))
	return append(out, body...)
}

type bldAttr struct {
	name  string
	value []byte
	flags uint8
}

// writeAttrLeaf fills one attribute leaf block. Remote entries hold
// (valueblk, valuelen) instead of an inline value.
func (b *imgBuilder) writeAttrLeaf(buf []byte, ents []bldAttr, forw, back uint32, remote map[string][2]uint32) {
	b.t.Helper()
	hdr := b.writeDaHeader(buf, b.pick16(attrLeafMagic, attrLeafMagicV5), forw, back)
	entOff := attrLeafHdrSize
	if b.v5 {
		entOff = attrLeafHdrSizeV5
	}
	sorted := append([]bldAttr(nil), ents...)
	sort.Slice(sorted, func(i, j int) bool {
		return nameHash([]byte(sorted[i].name)) < nameHash([]byte(sorted[j].name))
	})
	binary.BigEndian.PutUint16(buf[hdr:], uint16(len(sorted)))

	nameOff := len(buf)
	for i, a := range sorted {
		var rec []byte
		if r, ok := remote[a.name]; ok {
			rec = make([]byte, 9+len(a.name))
			binary.BigEndian.PutUint32(rec, r[0])
			binary.BigEndian.PutUint32(rec[4:], r[1])
			rec[8] = byte(len(a.name))
			copy(rec[9:], a.name)
		} else {
			rec = make([]byte, 3+len(a.name)+len(a.value))
			binary.BigEndian.PutUint16(rec, uint16(len(a.value)))
			rec[2] = byte(len(a.name))
			copy(rec[3:], a.name)
			copy(rec[3+len(a.name):], a.value)
		}
		nameOff -= len(rec)
		copy(buf[nameOff:], rec)

		e := buf[entOff+i*8:]
		binary.BigEndian.PutUint32(e, nameHash([]byte(a.name)))
		binary.BigEndian.PutUint16(e[4:], uint16(nameOff))
		e[6] = a.flags
	}
	b.sealDaBlock(buf)
}

// writeRemoteAttrValue writes one remote value block and returns its
// attr-fork dablk extent.
func (b *imgBuilder) writeRemoteAttrValue(fsbno uint64, value []byte) {
	b.t.Helper()
	buf := b.blockAt(fsbno)
	if b.v5 {
		binary.BigEndian.PutUint32(buf, attrRemoteMagicV5)
		binary.BigEndian.PutUint32(buf[4:], 0)
		binary.BigEndian.PutUint32(buf[8:], uint32(len(value)))
		copy(buf[16:], b.uuid[:])
		copy(buf[attrRemoteHdrSizeV5:], value)
		binary.BigEndian.PutUint32(buf[attrRemoteOffCRC:], metaCRC(buf, attrRemoteOffCRC))
	} else {
		copy(buf, value)
	}
}

// attrForkOff returns the fork offset (8-byte units) used for inodes
// carrying an attribute fork.
func (b *imgBuilder) attrForkOff() uint8 {
	if b.v5 {
		return 24
	}
	return 8
}

// buildFileWithSfAttrs creates an empty regular file whose attribute
// fork is shortform.
func (b *imgBuilder) buildFileWithSfAttrs(attrs []bldAttr) uint64 {
	b.t.Helper()
	ino := b.allocInode()
	b.writeInode(ino, inodeConf{
		mode: modeRegular | 0o644, nlink: 1,
		format:  fmtExtents,
		aformat: fmtLocal, forkOff: b.attrForkOff(),
		attr: attrSf(attrs),
	})
	return ino
}

// buildFileWithLeafAttrs creates a file whose attributes live in a
// chain of leaf blocks; remote carries the value of any attribute too
// large to inline, stored in its own block.
func (b *imgBuilder) buildFileWithLeafAttrs(leaves [][]bldAttr, remote map[string][]byte) uint64 {
	b.t.Helper()
	ino := b.allocInode()

	blks := make([]uint64, len(leaves))
	for i := range blks {
		blks[i] = b.allocBlock(0)
	}
	nextDablk := uint32(len(leaves))
	remoteAt := make(map[string][2]uint32)
	var remoteBlks []uint64
	for name, val := range remote {
		fsbno := b.allocBlock(0)
		b.writeRemoteAttrValue(fsbno, val)
		remoteAt[name] = [2]uint32{nextDablk, uint32(len(val))}
		remoteBlks = append(remoteBlks, fsbno)
		nextDablk++
	}
	for i, ents := range leaves {
		forw := uint32(0)
		if i < len(leaves)-1 {
			forw = uint32(i) + 1
		}
		back := uint32(0)
		if i > 0 {
			back = uint32(i) - 1
		}
		b.writeAttrLeaf(b.blockAt(blks[i]), ents, forw, back, remoteAt)
	}

	ext := b.contiguousExtents(blks, 0)
	ext = append(ext, b.contiguousExtents(remoteBlks, uint64(len(leaves)))...)
	b.writeInode(ino, inodeConf{
		mode: modeRegular | 0o644, nlink: 1,
		format:  fmtExtents,
		aformat: fmtExtents, forkOff: b.attrForkOff(),
		anext: uint16(len(ext)), attr: packExtents(ext),
	})
	return ino
}

// buildFileWithNodeAttrs is buildFileWithLeafAttrs behind a da node
// root: dablk 0 is the node, the leaves follow.
func (b *imgBuilder) buildFileWithNodeAttrs(leaves [][]bldAttr) uint64 {
	b.t.Helper()
	ino := b.allocInode()

	rootBlk := b.allocBlock(0)
	blks := make([]uint64, len(leaves))
	for i := range blks {
		blks[i] = b.allocBlock(0)
	}
	var rootEnts []daEntry
	for i, ents := range leaves {
		forw := uint32(0)
		if i < len(leaves)-1 {
			forw = uint32(i) + 2
		}
		back := uint32(0)
		if i > 0 {
			back = uint32(i)
		}
		b.writeAttrLeaf(b.blockAt(blks[i]), ents, forw, back, nil)
		last := ents[0]
		for _, a := range ents {
			if nameHash([]byte(a.name)) > nameHash([]byte(last.name)) {
				last = a
			}
		}
		rootEnts = append(rootEnts, daEntry{hashval: nameHash([]byte(last.name)), value: uint32(i) + 1})
	}

	rbuf := b.blockAt(rootBlk)
	hdr := b.writeDaHeader(rbuf, b.pick16(daNodeMagic, daNodeMagicV5), 0, 0)
	binary.BigEndian.PutUint16(rbuf[hdr:], uint16(len(rootEnts)))
	binary.BigEndian.PutUint16(rbuf[hdr+2:], 1)
	entOff := hdr + 4
	if b.v5 {
		entOff = hdr + 8
	}
	for i, ne := range rootEnts {
		binary.BigEndian.PutUint32(rbuf[entOff+i*8:], ne.hashval)
		binary.BigEndian.PutUint32(rbuf[entOff+i*8+4:], ne.value)
	}
	b.sealDaBlock(rbuf)

	ext := append([]extent{{startOff: 0, startBlock: rootBlk, blockCount: 1}},
		b.contiguousExtents(blks, 1)...)
	b.writeInode(ino, inodeConf{
		mode: modeRegular | 0o644, nlink: 1,
		format:  fmtExtents,
		aformat: fmtExtents, forkOff: b.attrForkOff(),
		anext: uint16(len(ext)), attr: packExtents(ext),
	})
	return ino
}

// finish writes the superblock and the free space metadata of every
// AG, then mounts the image.
func (b *imgBuilder) mount() *FS {
	b.t.Helper()
	b.writeSuperblock()
	for ag := 0; ag < int(b.agCount); ag++ {
		b.writeAGF(ag)
	}
	fs, err := Mount(bytes.NewReader(b.img), int64(len(b.img)), Options{})
	if err != nil {
		b.t.Fatalf("mount: %v", err)
	}
	return fs
}

func (b *imgBuilder) writeSuperblock() {
	buf := b.img[:b.sectSize]
	binary.BigEndian.PutUint32(buf[sbOffMagic:], sbMagic)
	binary.BigEndian.PutUint32(buf[sbOffBlockSize:], b.blockSize)
	binary.BigEndian.PutUint64(buf[sbOffDblocks:], uint64(b.agCount)*uint64(b.agBlocks))
	copy(buf[sbOffUUID:], b.uuid[:])
	binary.BigEndian.PutUint64(buf[sbOffRootIno:], b.rootIno)
	binary.BigEndian.PutUint32(buf[sbOffAgBlocks:], b.agBlocks)
	binary.BigEndian.PutUint32(buf[sbOffAgCount:], b.agCount)
	version := uint16(sbVersion5)
	if !b.v5 {
		version = sbVersion4 | sbVersionMoreBits
		binary.BigEndian.PutUint32(buf[sbOffFeatures2:], sbVersion2Ftype)
	}
	binary.BigEndian.PutUint16(buf[sbOffVersion:], version)
	binary.BigEndian.PutUint16(buf[sbOffSectSize:], uint16(b.sectSize))
	binary.BigEndian.PutUint16(buf[sbOffInodeSize:], uint16(b.inodeSize))
	binary.BigEndian.PutUint16(buf[sbOffInopBlock:], uint16(b.blockSize/b.inodeSize))
	copy(buf[sbOffFname:], "xfstest")
	buf[sbOffBlockLog] = 12
	buf[sbOffSectLog] = 9
	buf[sbOffInodeLog] = 9
	if !b.v5 {
		buf[sbOffInodeLog] = 8
	}
	buf[sbOffInopBlog] = b.inopBlog
	buf[sbOffAgBlkLog] = b.agBlkLog
	buf[sbOffDirBlkLog] = 0
	if b.v5 {
		binary.BigEndian.PutUint32(buf[sbOffIncompat:], sbFeatIncompatFtype)
		binary.BigEndian.PutUint32(buf[sbOffCRC:], metaCRC(buf, sbOffCRC))
	}
}

func (b *imgBuilder) writeAGF(ag int) {
	agOff := ag * int(b.agBlocks) * int(b.blockSize)
	buf := b.img[agOff+int(b.sectSize) : agOff+2*int(b.sectSize)]
	binary.BigEndian.PutUint32(buf, agfMagic)
	binary.BigEndian.PutUint32(buf[4:], 1) // version
	binary.BigEndian.PutUint32(buf[8:], uint32(ag))
	binary.BigEndian.PutUint32(buf[12:], b.agBlocks)
	binary.BigEndian.PutUint32(buf[16:], 1) // bno root at agbno 1
	binary.BigEndian.PutUint32(buf[28:], 1) // one level
	free := b.agBlocks - b.nextData[ag]
	binary.BigEndian.PutUint32(buf[52:], free)
	binary.BigEndian.PutUint32(buf[56:], free)
	if b.v5 {
		copy(buf[64:], b.uuid[:])
		binary.BigEndian.PutUint32(buf[agfOffCRC:], metaCRC(buf, agfOffCRC))
	}

	// By-block btree: a single leaf with one record covering the tail
	// of the group.
	leaf := b.blockAt(uint64(ag)<<b.agBlkLog | 1)
	hdr := sbtHdrSize
	if b.v5 {
		hdr = sbtHdrSizeV5
		binary.BigEndian.PutUint32(leaf, abtbMagicV5)
		copy(leaf[32:], b.uuid[:])
	} else {
		binary.BigEndian.PutUint32(leaf, abtbMagic)
	}
	binary.BigEndian.PutUint16(leaf[4:], 0) // level
	binary.BigEndian.PutUint16(leaf[6:], 1) // numrecs
	binary.BigEndian.PutUint32(leaf[8:], 0xffffffff)  // leftsib
	binary.BigEndian.PutUint32(leaf[12:], 0xffffffff) // rightsib
	binary.BigEndian.PutUint32(leaf[hdr:], b.nextData[ag])
	binary.BigEndian.PutUint32(leaf[hdr+4:], free)
	if b.v5 {
		binary.BigEndian.PutUint32(leaf[sbtOffCRC:], metaCRC(leaf, sbtOffCRC))
	}
}
