package xts

import (
	"fmt"
	"io"
)

// ReaderAt decrypts an encrypted io.ReaderAt on the fly. Reads may be
// unaligned; whole sectors are fetched and decrypted as needed.
type ReaderAt struct {
	r      io.ReaderAt
	cipher *Cipher
	size   int64
}

// NewReaderAt wraps r, which holds size bytes of XTS ciphertext.
func NewReaderAt(r io.ReaderAt, cipher *Cipher, size int64) *ReaderAt {
	return &ReaderAt{r: r, cipher: cipher, size: size}
}

func (x *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("xts: negative offset")
	}
	if off >= x.size {
		return 0, io.EOF
	}

	sectorSize := int64(x.cipher.SectorSize())
	startSector := off / sectorSize
	endOffset := off + int64(len(p))
	if endOffset > x.size {
		endOffset = x.size
	}
	endSector := (endOffset + sectorSize - 1) / sectorSize

	alignedStart := startSector * sectorSize
	buf := make([]byte, (endSector-startSector)*sectorSize)
	readN, err := x.r.ReadAt(buf, alignedStart)
	if err != nil && err != io.EOF {
		return 0, err
	}

	completeSectors := readN / int(sectorSize)
	if completeSectors == 0 {
		if readN > 0 {
			return 0, fmt.Errorf("xts: partial sector read (%d bytes)", readN)
		}
		return 0, io.EOF
	}
	decryptLen := completeSectors * int(sectorSize)
	if err := x.cipher.Decrypt(buf[:decryptLen], uint64(startSector)); err != nil {
		return 0, err
	}

	skip := int(off - alignedStart)
	n := copy(p, buf[skip:decryptLen])
	if max := x.size - off; int64(n) > max {
		n = int(max)
	}
	if off+int64(n) >= x.size {
		return n, io.EOF
	}
	return n, nil
}

// BaseReader returns the underlying ciphertext reader.
func (x *ReaderAt) BaseReader() io.ReaderAt {
	return x.r
}

// Size returns the logical size of the plaintext.
func (x *ReaderAt) Size() int64 {
	return x.size
}
