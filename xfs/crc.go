package xfs

import "hash/crc32"

// XFS V5 metadata checksums are CRC32c (Castagnoli) over the whole
// metadata object with the stored CRC field zeroed.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// metaCRC computes the checksum of buf as if the 4 bytes at crcOff
// were zero, without modifying buf.
func metaCRC(buf []byte, crcOff int) uint32 {
	var zero [4]byte
	c := crc32.Update(0, castagnoli, buf[:crcOff])
	c = crc32.Update(c, castagnoli, zero[:])
	return crc32.Update(c, castagnoli, buf[crcOff+4:])
}
