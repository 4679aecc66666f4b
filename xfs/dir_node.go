package xfs

import (
	"encoding/binary"
	"fmt"
)

// nodeDir is the node layout: one or more internal hash-btree blocks
// above a chain of leaf blocks, all addressed inside the directory's
// reserved index region. btreeDir is the same engine for directories
// whose data fork has outgrown the extents format: block addressing
// then goes through the fork's extent btree instead of a flat list.
type nodeDir struct {
	*dirBlocks
	root uint64 // fork-logical block of the btree root
}

type btreeDir struct {
	nodeDir
}

func (d *nodeDir) layout() string  { return "node" }
func (d *btreeDir) layout() string { return "btree" }

// openIndexedDir classifies a multi-block directory by the magic of
// the block at the reserved index offset: a leaf1 block means the leaf
// layout, an internal node means node (or btree, by fork format).
func (f *FS) openIndexedDir(d *dirBlocks, btreeFork bool) (directory, error) {
	root := d.leafDABlock()
	buf, err := d.readDABlock(root)
	if err != nil {
		return nil, err
	}
	switch binary.BigEndian.Uint16(buf[8:]) {
	case dirLeaf1Magic, dirLeaf1MagicV5:
		return newLeafDir(d, buf)
	case daNodeMagic, daNodeMagicV5, dirLeafNMagic, dirLeafNMagicV5:
		nd := nodeDir{dirBlocks: d, root: root}
		if btreeFork {
			return &btreeDir{nd}, nil
		}
		return &nd, nil
	default:
		return nil, fmt.Errorf("inode %d: directory index block magic %#04x: %w",
			d.ino.Ino, binary.BigEndian.Uint16(buf[8:]), ErrCorrupt)
	}
}

// descend walks internal nodes toward hash until it reaches a leafn
// block, which it returns decoded. Depth is bounded by the root's
// recorded level.
func (d *nodeDir) descend(hash uint32) ([]daEntry, daBlkInfo, error) {
	cur := d.root
	level := -1 // unknown until the root is read
	for {
		buf, err := d.readDABlock(cur)
		if err != nil {
			return nil, daBlkInfo{}, err
		}
		switch binary.BigEndian.Uint16(buf[8:]) {
		case dirLeafNMagic, dirLeafNMagicV5:
			if level > 1 {
				return nil, daBlkInfo{}, fmt.Errorf("inode %d: leaf above level 1: %w", d.ino.Ino, ErrCorrupt)
			}
			ents, info, err := d.fs.decodeDirLeafEnts(buf, dirLeafNMagic, dirLeafNMagicV5)
			if err != nil {
				return nil, daBlkInfo{}, fmt.Errorf("inode %d: %w", d.ino.Ino, err)
			}
			return ents, info, nil
		}
		node, err := d.fs.decodeDaNode(buf)
		if err != nil {
			return nil, daBlkInfo{}, fmt.Errorf("inode %d: %w", d.ino.Ino, err)
		}
		if level != -1 && node.level != level-1 {
			return nil, daBlkInfo{}, fmt.Errorf("inode %d: node level %d under level %d: %w",
				d.ino.Ino, node.level, level, ErrCorrupt)
		}
		level = node.level
		child, ok := node.childFor(hash)
		if !ok {
			// Hash beyond every subtree maximum: no entry can match.
			return nil, daBlkInfo{}, nil
		}
		cur = uint64(child)
	}
}

// leftmostLeaf descends first children down to the start of the leaf
// chain.
func (d *nodeDir) leftmostLeaf() ([]daEntry, daBlkInfo, error) {
	return d.descend(0)
}

func (d *nodeDir) lookup(name string) (uint64, error) {
	hash := nameHash([]byte(name))
	ents, info, err := d.descend(hash)
	if err != nil {
		return 0, err
	}
	for ents != nil {
		ino, ok, err := d.lookupHashed(ents, name, hash)
		if err != nil {
			return 0, err
		}
		if ok {
			return ino, nil
		}
		// The colliding run may continue in the next leaf: only
		// follow the chain while the boundary hash still matches.
		if info.forw == 0 || len(ents) == 0 || ents[len(ents)-1].hashval != hash {
			break
		}
		buf, err := d.readDABlock(uint64(info.forw))
		if err != nil {
			return 0, err
		}
		ents, info, err = d.fs.decodeDirLeafEnts(buf, dirLeafNMagic, dirLeafNMagicV5)
		if err != nil {
			return 0, fmt.Errorf("inode %d: %w", d.ino.Ino, err)
		}
	}
	return 0, fmt.Errorf("%q in inode %d: %w", name, d.ino.Ino, ErrNotExist)
}

func (d *nodeDir) iterate(fn func(DirEntry) bool) error {
	ents, info, err := d.leftmostLeaf()
	if err != nil {
		return err
	}
	seen := 0
	for ents != nil {
		stop := false
		err := iterateLeafEnts(d.dirBlocks, ents, func(e DirEntry) bool {
			if !fn(e) {
				stop = true
				return false
			}
			return true
		})
		if err != nil || stop {
			return err
		}
		if info.forw == 0 {
			return nil
		}
		if seen++; seen > 1<<20 {
			return fmt.Errorf("inode %d: leaf chain does not terminate: %w", d.ino.Ino, ErrCorrupt)
		}
		buf, err := d.readDABlock(uint64(info.forw))
		if err != nil {
			return err
		}
		ents, info, err = d.fs.decodeDirLeafEnts(buf, dirLeafNMagic, dirLeafNMagicV5)
		if err != nil {
			return fmt.Errorf("inode %d: %w", d.ino.Ino, err)
		}
	}
	return nil
}
