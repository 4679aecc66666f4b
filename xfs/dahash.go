package xfs

import "math/bits"

// nameHash is the rolling hash XFS computes over name bytes when it
// builds directory and attribute hash indices. Lookups must use the
// exact same function or every probe misses.
func nameHash(name []byte) uint32 {
	var hash uint32
	for len(name) >= 4 {
		hash = uint32(name[0])<<21 ^ uint32(name[1])<<14 ^
			uint32(name[2])<<7 ^ uint32(name[3]) ^ bits.RotateLeft32(hash, 28)
		name = name[4:]
	}
	switch len(name) {
	case 3:
		return uint32(name[0])<<14 ^ uint32(name[1])<<7 ^ uint32(name[2]) ^ bits.RotateLeft32(hash, 21)
	case 2:
		return uint32(name[0])<<7 ^ uint32(name[1]) ^ bits.RotateLeft32(hash, 14)
	case 1:
		return uint32(name[0]) ^ bits.RotateLeft32(hash, 7)
	}
	return hash
}
