// Package detect identifies the filesystem type of a disk image from
// its header magic, so mount failures can name what the image holds.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type represents a filesystem or container format.
type Type int

const (
	Unknown Type = iota
	XFS
	Ext // ext2/3/4, not distinguished further
	FAT
	NTFS
	APFS
	HFSPlus
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table
)

func (t Type) String() string {
	switch t {
	case XFS:
		return "XFS"
	case Ext:
		return "ext2/3/4"
	case FAT:
		return "FAT"
	case NTFS:
		return "NTFS"
	case APFS:
		return "APFS"
	case HFSPlus:
		return "HFS+"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// IsPartitionTable reports container formats: the filesystem, if any,
// lives inside a partition, not at offset zero.
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

// Detect identifies the format of the image behind r. The first 4 KiB
// hold every magic it looks for.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 4096)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < 512 {
		return Unknown, fmt.Errorf("image too small: %d bytes", n)
	}
	header = header[:n]

	// XFS superblock magic "XFSB", big-endian at offset 0.
	if binary.BigEndian.Uint32(header) == 0x58465342 {
		return XFS, nil
	}

	// GPT: "EFI PART" at LBA 1.
	if n >= 520 && bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT, nil
	}

	// APFS container superblock: "NXSB" at offset 32.
	if binary.LittleEndian.Uint32(header[32:]) == 0x4253584e {
		return APFS, nil
	}

	// HFS+ volume header at offset 1024: 'H+' or 'HX'.
	if n >= 1026 {
		if sig := binary.BigEndian.Uint16(header[1024:]); sig == 0x482b || sig == 0x4858 {
			return HFSPlus, nil
		}
	}

	if bytes.Equal(header[3:11], []byte("NTFS    ")) {
		return NTFS, nil
	}

	// ext superblock at byte 1024, magic 0xef53 at its offset 0x38.
	if n >= 0x43a && binary.LittleEndian.Uint16(header[0x438:]) == 0xef53 {
		return Ext, nil
	}

	// Boot sector signature: an MBR partition table or a FAT volume.
	if header[510] == 0x55 && header[511] == 0xaa {
		if hasMBRPartition(header) {
			return MBR, nil
		}
		return FAT, nil
	}

	return Unknown, nil
}

// hasMBRPartition reports whether the boot sector carries at least one
// plausible partition entry. FAT volumes also end in 55 AA, so a FAT
// label or a sane BPB vetoes the partition table reading.
func hasMBRPartition(header []byte) bool {
	if bytes.Equal(header[54:59], []byte("FAT12")) ||
		bytes.Equal(header[54:59], []byte("FAT16")) ||
		bytes.Equal(header[82:87], []byte("FAT32")) {
		return false
	}
	if bps := binary.LittleEndian.Uint16(header[11:]); bps == 512 || bps == 1024 || bps == 2048 || bps == 4096 {
		switch header[13] { // sectors per cluster
		case 1, 2, 4, 8, 16, 32, 64, 128:
			return false
		}
	}
	for i := 0; i < 4; i++ {
		entry := header[446+i*16 : 446+(i+1)*16]
		if entry[0] != 0x00 && entry[0] != 0x80 {
			continue
		}
		if entry[4] == 0 {
			continue
		}
		lbaStart := binary.LittleEndian.Uint32(entry[8:])
		lbaSize := binary.LittleEndian.Uint32(entry[12:])
		if lbaStart > 0 && lbaSize > 0 {
			return true
		}
	}
	return false
}
