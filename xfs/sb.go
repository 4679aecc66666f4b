package xfs

import (
	"encoding/binary"
	"fmt"
)

// Superblock magic "XFSB".
const sbMagic = 0x58465342

// Version field: low nibble is the format generation.
const (
	sbVersionMask = 0x000f
	sbVersion4    = 4
	sbVersion5    = 5

	// V4: more feature bits live in sb_features2.
	sbVersionMoreBits = 0x8000
	// sb_features2: directory entries carry a file type byte.
	sbVersion2Ftype = 0x00000200

	// V5 incompatible feature bits.
	sbFeatIncompatFtype = 0x00000001
	// Features this read-only implementation understands. Unknown
	// incompatible bits only matter to writers for most features, but
	// the ones below change on-disk layouts we decode.
	sbFeatIncompatKnown = sbFeatIncompatFtype | 0x00000002 // ftype, sparse inodes
)

// On-disk byte offsets within the primary superblock.
const (
	sbOffMagic       = 0
	sbOffBlockSize   = 4
	sbOffDblocks     = 8
	sbOffUUID        = 32
	sbOffRootIno     = 56
	sbOffAgBlocks    = 84
	sbOffAgCount     = 88
	sbOffVersion     = 100
	sbOffSectSize    = 102
	sbOffInodeSize   = 104
	sbOffInopBlock   = 106
	sbOffFname       = 108
	sbOffBlockLog    = 120
	sbOffSectLog     = 121
	sbOffInodeLog    = 122
	sbOffInopBlog    = 123
	sbOffAgBlkLog    = 124
	sbOffDirBlkLog   = 192
	sbOffFeatures2   = 200
	sbOffIncompat    = 216
	sbOffCRC         = 224
	sbMinSize        = 264
)

// Superblock holds the decoded primary superblock plus the derived
// geometry constants. Immutable once loaded; every shift below comes
// from the image, never from compiled-in assumptions.
type Superblock struct {
	BlockSize uint32
	Dblocks   uint64 // filesystem size in blocks
	UUID      [16]byte
	RootIno   uint64
	AgBlocks  uint32 // blocks per allocation group
	AgCount   uint32
	Version   uint16
	SectSize  uint16
	InodeSize uint16
	InopBlock uint16 // inodes per block
	Fname     [12]byte

	BlockLog  uint8 // log2(BlockSize)
	SectLog   uint8
	InodeLog  uint8
	InopBlog  uint8 // log2(InopBlock)
	AgBlkLog  uint8 // log2(AgBlocks), rounded up
	DirBlkLog uint8 // log2(dir block size / block size)

	Features2        uint32
	FeaturesIncompat uint32
}

// parseSuperblock decodes and validates the primary superblock from the
// first sector of the image. All failures are ErrInvalidFormat: there
// is no fallback to secondary superblocks on a read-only mount.
func parseSuperblock(buf []byte) (Superblock, error) {
	var sb Superblock
	if len(buf) < sbMinSize {
		return sb, fmt.Errorf("superblock short read (%d bytes): %w", len(buf), ErrInvalidFormat)
	}
	if magic := binary.BigEndian.Uint32(buf[sbOffMagic:]); magic != sbMagic {
		return sb, fmt.Errorf("superblock magic %#08x: %w", magic, ErrInvalidFormat)
	}

	sb.BlockSize = binary.BigEndian.Uint32(buf[sbOffBlockSize:])
	sb.Dblocks = binary.BigEndian.Uint64(buf[sbOffDblocks:])
	copy(sb.UUID[:], buf[sbOffUUID:])
	sb.RootIno = binary.BigEndian.Uint64(buf[sbOffRootIno:])
	sb.AgBlocks = binary.BigEndian.Uint32(buf[sbOffAgBlocks:])
	sb.AgCount = binary.BigEndian.Uint32(buf[sbOffAgCount:])
	sb.Version = binary.BigEndian.Uint16(buf[sbOffVersion:])
	sb.SectSize = binary.BigEndian.Uint16(buf[sbOffSectSize:])
	sb.InodeSize = binary.BigEndian.Uint16(buf[sbOffInodeSize:])
	sb.InopBlock = binary.BigEndian.Uint16(buf[sbOffInopBlock:])
	copy(sb.Fname[:], buf[sbOffFname:])
	sb.BlockLog = buf[sbOffBlockLog]
	sb.SectLog = buf[sbOffSectLog]
	sb.InodeLog = buf[sbOffInodeLog]
	sb.InopBlog = buf[sbOffInopBlog]
	sb.AgBlkLog = buf[sbOffAgBlkLog]
	sb.DirBlkLog = buf[sbOffDirBlkLog]
	sb.Features2 = binary.BigEndian.Uint32(buf[sbOffFeatures2:])
	sb.FeaturesIncompat = binary.BigEndian.Uint32(buf[sbOffIncompat:])

	switch v := sb.Version & sbVersionMask; v {
	case sbVersion4:
	case sbVersion5:
		if sb.FeaturesIncompat&^sbFeatIncompatKnown != 0 {
			return sb, fmt.Errorf("unsupported incompatible features %#x: %w",
				sb.FeaturesIncompat&^sbFeatIncompatKnown, ErrInvalidFormat)
		}
		if int(sb.SectSize) > len(buf) {
			return sb, fmt.Errorf("superblock sector size %d: %w", sb.SectSize, ErrInvalidFormat)
		}
		if got, want := metaCRC(buf[:sb.SectSize], sbOffCRC), binary.BigEndian.Uint32(buf[sbOffCRC:]); got != want {
			return sb, fmt.Errorf("superblock checksum %#08x, computed %#08x: %w", want, got, ErrInvalidFormat)
		}
	default:
		return sb, fmt.Errorf("superblock version %d: %w", v, ErrInvalidFormat)
	}

	// Cross-check the log2 constants against their plain counterparts;
	// everything downstream depends on the shifts being trustworthy.
	switch {
	case sb.BlockSize != 1<<sb.BlockLog,
		sb.InodeSize != 1<<sb.InodeLog,
		sb.InopBlock != 1<<sb.InopBlog,
		uint32(sb.InopBlock)<<sb.InodeLog != sb.BlockSize,
		sb.AgCount == 0,
		sb.AgBlocks == 0,
		sb.AgBlocks > 1<<sb.AgBlkLog,
		sb.RootIno == 0:
		return sb, fmt.Errorf("superblock geometry inconsistent: %w", ErrInvalidFormat)
	}
	return sb, nil
}

// IsV5 reports whether the image uses the CRC-enabled V5 format.
func (sb *Superblock) IsV5() bool { return sb.Version&sbVersionMask == sbVersion5 }

// HasFtype reports whether directory entries carry a file type byte.
func (sb *Superblock) HasFtype() bool {
	if sb.IsV5() {
		return sb.FeaturesIncompat&sbFeatIncompatFtype != 0
	}
	return sb.Version&sbVersionMoreBits != 0 && sb.Features2&sbVersion2Ftype != 0
}

// DirBlockSize returns the directory block size in bytes; directories
// are blocked at blockSize << DirBlkLog independently of the data fork.
func (sb *Superblock) DirBlockSize() int { return int(sb.BlockSize) << sb.DirBlkLog }

// Label returns the trimmed volume label.
func (sb *Superblock) Label() string {
	b := sb.Fname[:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// inoMask returns a mask of n low bits.
func inoMask(n uint8) uint64 { return 1<<n - 1 }

// SplitIno splits a global inode number into its AG index, AG-relative
// block, and within-block index, using the shifts recovered from the
// superblock.
func (sb *Superblock) SplitIno(ino uint64) (agno uint32, agbno uint32, index uint32, err error) {
	agno = uint32(ino >> (sb.AgBlkLog + sb.InopBlog))
	agbno = uint32((ino >> sb.InopBlog) & inoMask(sb.AgBlkLog))
	index = uint32(ino & inoMask(sb.InopBlog))
	if agno >= sb.AgCount || agbno >= sb.AgBlocks {
		return 0, 0, 0, fmt.Errorf("inode %d outside any allocation group: %w", ino, ErrNotExist)
	}
	return agno, agbno, index, nil
}

// MakeIno is the inverse of SplitIno.
func (sb *Superblock) MakeIno(agno, agbno, index uint32) uint64 {
	return uint64(agno)<<(sb.AgBlkLog+sb.InopBlog) | uint64(agbno)<<sb.InopBlog | uint64(index)
}

// SplitFSBlock splits a filesystem block address into AG index and
// AG-relative block number.
func (sb *Superblock) SplitFSBlock(fsbno uint64) (agno uint32, agbno uint32, err error) {
	agno = uint32(fsbno >> sb.AgBlkLog)
	agbno = uint32(fsbno & inoMask(sb.AgBlkLog))
	if agno >= sb.AgCount || agbno >= sb.AgBlocks {
		return 0, 0, fmt.Errorf("block %#x outside any allocation group: %w", fsbno, ErrCorrupt)
	}
	return agno, agbno, nil
}

// MakeFSBlock is the inverse of SplitFSBlock.
func (sb *Superblock) MakeFSBlock(agno, agbno uint32) uint64 {
	return uint64(agno)<<sb.AgBlkLog | uint64(agbno)
}

// FSBlockToByte converts a filesystem block address to an absolute
// byte offset in the image. AGs are laid out back to back, AgBlocks
// blocks each; the AgBlkLog shift only applies inside addresses.
func (sb *Superblock) FSBlockToByte(fsbno uint64) (int64, error) {
	agno, agbno, err := sb.SplitFSBlock(fsbno)
	if err != nil {
		return 0, err
	}
	return (int64(agno)*int64(sb.AgBlocks) + int64(agbno)) << sb.BlockLog, nil
}

// InoToByte converts an inode number to the absolute byte offset of
// its on-disk record.
func (sb *Superblock) InoToByte(ino uint64) (int64, error) {
	agno, agbno, index, err := sb.SplitIno(ino)
	if err != nil {
		return 0, err
	}
	blk := int64(agno)*int64(sb.AgBlocks) + int64(agbno)
	return blk<<sb.BlockLog + int64(index)<<sb.InodeLog, nil
}
