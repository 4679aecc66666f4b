package xfs

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Dinode magic "IN".
const inodeMagic = 0x494e

// Core sizes: V1/V2 inodes end at the next_unlinked pointer, V3 adds
// the CRC block (crc, change count, lsn, flags2, crtime, ino, uuid).
const (
	inodeCoreSizeV2 = 100
	inodeCoreSizeV3 = 176
	inodeOffCRC     = 100
)

// Fork format tags. One per fork; values above fmtBtree (other than
// the device special case) are not decodable and reported as corrupt.
type forkFormat uint8

const (
	fmtDev forkFormat = iota
	fmtLocal
	fmtExtents
	fmtBtree
)

func (f forkFormat) String() string {
	switch f {
	case fmtDev:
		return "dev"
	case fmtLocal:
		return "local"
	case fmtExtents:
		return "extents"
	case fmtBtree:
		return "btree"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Mode type bits (S_IFMT family).
const (
	modeTypeMask = 0xf000
	modeFifo     = 0x1000
	modeChar     = 0x2000
	modeDir      = 0x4000
	modeBlock    = 0x6000
	modeRegular  = 0x8000
	modeSymlink  = 0xa000
	modeSocket   = 0xc000
)

// Inode is a decoded on-disk inode record. It is immutable after
// decode; the literal area is a private copy of the bytes following
// the core, shared by the data and attribute forks.
type Inode struct {
	Ino      uint64
	Mode     uint16
	Version  uint8
	Nlink    uint32
	UID      uint32
	GID      uint32
	Size     int64
	Nblocks  uint64
	Nextents uint32
	Anext    uint16
	Flags    uint16
	Gen      uint32
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
	Crtime   time.Time // zero on V1/V2 inodes

	format  forkFormat
	aformat forkFormat
	forkOff uint8 // attr fork offset in 8-byte units, 0 = no attr fork
	literal []byte
}

// fork is one of the inode's two sub-structures: its format tag, the
// slice of the literal area backing it when the format is local or
// extents or holds a btree root, and its extent count.
type fork struct {
	format   forkFormat
	raw      []byte
	nextents uint32
}

func (ino *Inode) FileType() uint16 { return ino.Mode & modeTypeMask }
func (ino *Inode) IsDir() bool      { return ino.FileType() == modeDir }
func (ino *Inode) IsRegular() bool  { return ino.FileType() == modeRegular }
func (ino *Inode) IsSymlink() bool  { return ino.FileType() == modeSymlink }

// IsSpecial reports device nodes, fifos and sockets: inode types that
// expose no data fork content.
func (ino *Inode) IsSpecial() bool {
	switch ino.FileType() {
	case modeFifo, modeChar, modeBlock, modeSocket:
		return true
	}
	return false
}

// dataFork returns the data fork descriptor.
func (ino *Inode) dataFork() fork {
	end := len(ino.literal)
	if ino.forkOff != 0 {
		end = int(ino.forkOff) * 8
	}
	return fork{format: ino.format, raw: ino.literal[:end], nextents: ino.Nextents}
}

// attrFork returns the attribute fork descriptor, or ok=false if the
// inode has no attribute fork.
func (ino *Inode) attrFork() (fork, bool) {
	if ino.forkOff == 0 || int(ino.forkOff)*8 >= len(ino.literal) {
		return fork{}, false
	}
	return fork{
		format:   ino.aformat,
		raw:      ino.literal[int(ino.forkOff)*8:],
		nextents: uint32(ino.Anext),
	}, true
}

func decodeTimestamp(buf []byte) time.Time {
	sec := int32(binary.BigEndian.Uint32(buf))
	nsec := binary.BigEndian.Uint32(buf[4:])
	return time.Unix(int64(sec), int64(nsec)).UTC()
}

// decodeInode decodes the inode record at buf, which must hold exactly
// sb.InodeSize bytes. wantIno is the global number the caller resolved;
// V3 inodes record their own number and the two must agree.
func decodeInode(sb *Superblock, buf []byte, wantIno uint64) (*Inode, error) {
	if len(buf) != int(sb.InodeSize) {
		return nil, fmt.Errorf("inode %d: record size %d: %w", wantIno, len(buf), ErrCorrupt)
	}
	if magic := binary.BigEndian.Uint16(buf); magic != inodeMagic {
		return nil, fmt.Errorf("inode %d: magic %#04x: %w", wantIno, magic, ErrCorrupt)
	}

	ino := &Inode{
		Ino:     wantIno,
		Mode:    binary.BigEndian.Uint16(buf[2:]),
		Version: buf[4],
		UID:     binary.BigEndian.Uint32(buf[8:]),
		GID:     binary.BigEndian.Uint32(buf[12:]),
		Atime:   decodeTimestamp(buf[32:]),
		Mtime:   decodeTimestamp(buf[40:]),
		Ctime:   decodeTimestamp(buf[48:]),
		Size:    int64(binary.BigEndian.Uint64(buf[56:])),
		Nblocks: binary.BigEndian.Uint64(buf[64:]),
		Anext:   binary.BigEndian.Uint16(buf[80:]),
		forkOff: buf[82],
		Flags:   binary.BigEndian.Uint16(buf[90:]),
		Gen:     binary.BigEndian.Uint32(buf[92:]),
	}
	ino.format = forkFormat(buf[5])
	ino.aformat = forkFormat(buf[83])
	ino.Nextents = binary.BigEndian.Uint32(buf[76:])

	var coreSize int
	switch ino.Version {
	case 1:
		ino.Nlink = uint32(binary.BigEndian.Uint16(buf[6:])) // di_onlink
		coreSize = inodeCoreSizeV2
	case 2:
		ino.Nlink = binary.BigEndian.Uint32(buf[16:])
		coreSize = inodeCoreSizeV2
	case 3:
		ino.Nlink = binary.BigEndian.Uint32(buf[16:])
		coreSize = inodeCoreSizeV3
		if got, want := metaCRC(buf, inodeOffCRC), binary.BigEndian.Uint32(buf[inodeOffCRC:]); got != want {
			return nil, fmt.Errorf("inode %d: checksum %#08x, computed %#08x: %w", wantIno, want, got, ErrCorrupt)
		}
		if self := binary.BigEndian.Uint64(buf[152:]); self != wantIno {
			return nil, fmt.Errorf("inode %d: record claims number %d: %w", wantIno, self, ErrCorrupt)
		}
		ino.Crtime = decodeTimestamp(buf[144:])
	default:
		return nil, fmt.Errorf("inode %d: version %d: %w", wantIno, ino.Version, ErrCorrupt)
	}
	if sb.IsV5() && ino.Version != 3 {
		return nil, fmt.Errorf("inode %d: version %d on a V5 image: %w", wantIno, ino.Version, ErrCorrupt)
	}

	if err := ino.checkForks(coreSize, int(sb.InodeSize)); err != nil {
		return nil, err
	}
	ino.literal = append([]byte(nil), buf[coreSize:]...)
	return ino, nil
}

// checkForks validates the fork format tags against the inode type and
// the fork split point against the literal area bounds.
func (ino *Inode) checkForks(coreSize, inodeSize int) error {
	litSize := inodeSize - coreSize
	if ino.forkOff != 0 && int(ino.forkOff)*8 > litSize {
		return fmt.Errorf("inode %d: attr fork offset %d beyond literal area: %w", ino.Ino, ino.forkOff, ErrCorrupt)
	}
	switch ino.format {
	case fmtDev:
		if !ino.IsSpecial() {
			return fmt.Errorf("inode %d: dev format on type %#x: %w", ino.Ino, ino.FileType(), ErrCorrupt)
		}
	case fmtLocal, fmtExtents, fmtBtree:
	default:
		return fmt.Errorf("inode %d: data fork format %d: %w", ino.Ino, ino.format, ErrCorrupt)
	}
	switch ino.aformat {
	case fmtLocal, fmtExtents, fmtBtree:
	default:
		if ino.forkOff != 0 {
			return fmt.Errorf("inode %d: attr fork format %d: %w", ino.Ino, ino.aformat, ErrCorrupt)
		}
	}
	return nil
}
