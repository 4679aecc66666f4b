// Package xts implements the XTS-AES cipher mode of IEEE 1619-2007
// with configurable sector sizes, plus a decrypting io.ReaderAt so an
// encrypted disk image can be mounted without writing plaintext out.
package xts

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// blockSize is the AES block size, fixed by the mode.
const blockSize = 16

// Cipher holds the expanded data and tweak keys for one volume.
type Cipher struct {
	k1, k2      cipher.Block
	sectorSize  int
	tweakOffset uint64
}

// New creates an XTS-AES cipher. The key is split in half, the first
// for data and the second for the tweak, so valid lengths are 32
// (AES-128), 48 (AES-192) and 64 (AES-256) bytes. sectorSize must be
// a multiple of 16. tweakOffset is added to every sector number, for
// volumes whose encryption starts at a partition offset.
func New(key []byte, sectorSize int, tweakOffset uint64) (*Cipher, error) {
	if len(key) != 32 && len(key) != 48 && len(key) != 64 {
		return nil, fmt.Errorf("xts: invalid key length %d (must be 32, 48, or 64)", len(key))
	}
	if sectorSize < blockSize || sectorSize%blockSize != 0 {
		return nil, fmt.Errorf("xts: sector size must be a positive multiple of %d", blockSize)
	}
	k1, err := aes.NewCipher(key[:len(key)/2])
	if err != nil {
		return nil, err
	}
	k2, err := aes.NewCipher(key[len(key)/2:])
	if err != nil {
		return nil, err
	}
	return &Cipher{k1: k1, k2: k2, sectorSize: sectorSize, tweakOffset: tweakOffset}, nil
}

// SectorSize returns the configured sector size.
func (c *Cipher) SectorSize() int {
	return c.sectorSize
}

// EncryptSector encrypts a single sector in place.
func (c *Cipher) EncryptSector(sector []byte, sectorNum uint64) error {
	if len(sector) != c.sectorSize {
		return fmt.Errorf("xts: sector length %d != sector size %d", len(sector), c.sectorSize)
	}
	c.xorCrypt(sector, sectorNum, c.k1.Encrypt)
	return nil
}

// DecryptSector decrypts a single sector in place.
func (c *Cipher) DecryptSector(sector []byte, sectorNum uint64) error {
	if len(sector) != c.sectorSize {
		return fmt.Errorf("xts: sector length %d != sector size %d", len(sector), c.sectorSize)
	}
	c.xorCrypt(sector, sectorNum, c.k1.Decrypt)
	return nil
}

// Encrypt encrypts a run of whole sectors in place, starting at
// startSector.
func (c *Cipher) Encrypt(data []byte, startSector uint64) error {
	if len(data)%c.sectorSize != 0 {
		return fmt.Errorf("xts: data length %d not a multiple of sector size %d", len(data), c.sectorSize)
	}
	for i := 0; i < len(data); i += c.sectorSize {
		c.xorCrypt(data[i:i+c.sectorSize], startSector, c.k1.Encrypt)
		startSector++
	}
	return nil
}

// Decrypt decrypts a run of whole sectors in place, starting at
// startSector.
func (c *Cipher) Decrypt(data []byte, startSector uint64) error {
	if len(data)%c.sectorSize != 0 {
		return fmt.Errorf("xts: data length %d not a multiple of sector size %d", len(data), c.sectorSize)
	}
	for i := 0; i < len(data); i += c.sectorSize {
		c.xorCrypt(data[i:i+c.sectorSize], startSector, c.k1.Decrypt)
		startSector++
	}
	return nil
}

// xorCrypt applies XEX on one sector: XOR with the tweak, the block
// operation, XOR again, doubling the tweak per 16-byte block.
func (c *Cipher) xorCrypt(sector []byte, sectorNum uint64, block func(dst, src []byte)) {
	var tweak [blockSize]byte
	binary.LittleEndian.PutUint64(tweak[:8], sectorNum+c.tweakOffset)
	c.k2.Encrypt(tweak[:], tweak[:])

	for i := 0; i < len(sector); i += blockSize {
		for j := 0; j < blockSize; j++ {
			sector[i+j] ^= tweak[j]
		}
		block(sector[i:i+blockSize], sector[i:i+blockSize])
		for j := 0; j < blockSize; j++ {
			sector[i+j] ^= tweak[j]
		}
		mul2(&tweak)
	}
}

// mul2 multiplies the tweak by x in GF(2^128) with the polynomial
// x^128 + x^7 + x^2 + x + 1.
func mul2(tweak *[blockSize]byte) {
	var carryIn byte
	for j := range tweak {
		carryOut := tweak[j] >> 7
		tweak[j] = (tweak[j] << 1) + carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		tweak[0] ^= 1<<7 | 1<<2 | 1<<1 | 1
	}
}
