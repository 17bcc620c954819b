// Package encryptedfile implements a random-access file whose contents are
// transparently block-encrypted: every byte any higher layer of the engine
// persists passes through here.
//
// Layout: plaintext is partitioned into aligned blocks of cipher.BlockSize()
// bytes; block N lives at ciphertext offset N*block_size. A trailing 8-byte
// little-endian plaintext size follows the last ciphertext block and is the
// canonical file size, refreshed on every size-changing operation.
//
// This type does not lock internally — upper layers must
// guarantee single-threaded access to a given descriptor.
package encryptedfile

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/xcipher"
)

const tailSize = 8

// File is a block-encrypted random-access file.
type File struct {
	f      *os.File
	bs     int
	encCtx xcipher.EncryptionContext
	decCtx xcipher.DecryptionContext
	size   int64 // cached plaintext size; canonical value also lives in the tail
}

// Create creates a new encrypted file at path with an initial plaintext
// size of initialSize (usually 0). The file is first extended to cover
// sizeHint bytes, but writing the tail record trims it back so that it
// ends right after the tail; the pre-sizing does not persist. mode is the
// usual os.FileMode for a new file.
func Create(path string, initialSize int64, mode os.FileMode, encCtx xcipher.EncryptionContext, decCtx xcipher.DecryptionContext, blockSize int, sizeHint int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "create encrypted file")
	}
	ef := &File{f: f, bs: blockSize, encCtx: encCtx, decCtx: decCtx, size: 0}
	if sizeHint > 0 {
		numBlocks := ceilDiv(sizeHint, int64(blockSize))
		if err := f.Truncate(numBlocks*int64(blockSize) + tailSize); err != nil {
			f.Close()
			os.Remove(path)
			return nil, dberr.Wrap(dberr.IoError, err, "preallocate encrypted file")
		}
	}
	if err := ef.writeTail(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if initialSize > 0 {
		if _, err := ef.Extend(initialSize); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}
	return ef, nil
}

// Open opens an existing encrypted file, validating that its ciphertext
// length agrees with the trailing plaintext-size record.
func Open(path string, mode int, encCtx xcipher.EncryptionContext, decCtx xcipher.DecryptionContext, blockSize int) (*File, error) {
	f, err := os.OpenFile(path, mode, 0o600)
	if err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "open encrypted file")
	}
	ef := &File{f: f, bs: blockSize, encCtx: encCtx, decCtx: decCtx}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.IoError, err, "stat encrypted file")
	}
	ciphertextLen := st.Size()
	if ciphertextLen < tailSize {
		f.Close()
		return nil, dberr.New(dberr.Corrupt, "encrypted file: missing tail record")
	}
	var tailBuf [tailSize]byte
	if _, err := f.ReadAt(tailBuf[:], ciphertextLen-tailSize); err != nil {
		f.Close()
		return nil, dberr.Wrap(dberr.IoError, err, "read tail record")
	}
	size := int64(binary.LittleEndian.Uint64(tailBuf[:]))
	expectedCiphertextLen := ceilDiv(size, int64(blockSize))*int64(blockSize) + tailSize
	if expectedCiphertextLen != ciphertextLen {
		f.Close()
		return nil, dberr.Newf(dberr.Corrupt, "encrypted file: tail disagrees with ciphertext length (got %d, want %d)", ciphertextLen, expectedCiphertextLen)
	}
	ef.size = size
	return ef, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Stat returns the canonical plaintext size.
func (f *File) Stat() (int64, error) {
	return f.size, nil
}

// Close closes the underlying descriptor.
func (f *File) Close() error {
	return f.f.Close()
}

func (f *File) numBlocks() int64 {
	return ceilDiv(f.size, int64(f.bs))
}

// readBlock decrypts ciphertext block idx in full, regardless of how much
// of it is logically "live" per the current plaintext size.
func (f *File) readBlock(idx int64) ([]byte, error) {
	ct := make([]byte, f.bs)
	n, err := f.f.ReadAt(ct, idx*int64(f.bs))
	if err != nil && err != io.EOF {
		return nil, dberr.Wrap(dberr.IoError, err, "read ciphertext block")
	}
	if n < f.bs {
		// Block was never written (e.g. a hole left by a prior sparse
		// write); treat as all-zero plaintext rather than decrypting
		// undefined ciphertext.
		return make([]byte, f.bs), nil
	}
	pt := make([]byte, f.bs)
	if err := f.decCtx.DecryptBlock(uint64(idx), pt, ct); err != nil {
		return nil, dberr.Wrap(dberr.Corrupt, err, "decrypt block")
	}
	return pt, nil
}

func (f *File) writeBlock(idx int64, plain []byte) error {
	ct := make([]byte, f.bs)
	if err := f.encCtx.EncryptBlock(uint64(idx), ct, plain); err != nil {
		return dberr.Wrap(dberr.Corrupt, err, "encrypt block")
	}
	if _, err := f.f.WriteAt(ct, idx*int64(f.bs)); err != nil {
		return dberr.Wrap(dberr.IoError, err, "write ciphertext block")
	}
	return nil
}

func (f *File) writeTail(size int64) error {
	var tailBuf [tailSize]byte
	binary.LittleEndian.PutUint64(tailBuf[:], uint64(size))
	off := ceilDiv(size, int64(f.bs)) * int64(f.bs)
	if _, err := f.f.WriteAt(tailBuf[:], off); err != nil {
		return dberr.Wrap(dberr.IoError, err, "write tail record")
	}
	if err := f.f.Truncate(off + tailSize); err != nil {
		return dberr.Wrap(dberr.IoError, err, "trim file after tail record")
	}
	if err := f.f.Sync(); err != nil {
		return dberr.Wrap(dberr.IoError, err, "flush tail record")
	}
	f.size = size
	return nil
}

// Read fills buf from the plaintext at offset, returning a short read past
// EOF (never an error purely for that reason).
func (f *File) Read(buf []byte, offset int64) (int, error) {
	if offset >= f.size {
		return 0, nil
	}
	n := len(buf)
	if offset+int64(n) > f.size {
		n = int(f.size - offset)
	}
	b0 := offset / int64(f.bs)
	b1 := (offset + int64(n) - 1) / int64(f.bs)
	read := 0
	for idx := b0; idx <= b1; idx++ {
		pt, err := f.readBlock(idx)
		if err != nil {
			return read, err
		}
		blockStart := idx * int64(f.bs)
		srcLo := int64(0)
		if blockStart < offset {
			srcLo = offset - blockStart
		}
		srcHi := int64(f.bs)
		if blockStart+srcHi > offset+int64(n) {
			srcHi = offset + int64(n) - blockStart
		}
		copy(buf[blockStart+srcLo-offset:], pt[srcLo:srcHi])
		read += int(srcHi - srcLo)
	}
	return read, nil
}

// Write implements a partial-block read-modify-write update protocol: the
// first and last touched blocks are read-modify-write when not fully
// covered, middle blocks are encrypted directly from buf, and the tail
// size record is updated last so a failed write never advances the
// file's visible size.
func (f *File) Write(buf []byte, offset int64) (int, error) {
	n := len(buf)
	if n == 0 {
		return 0, nil
	}
	newSize := f.size
	if offset+int64(n) > newSize {
		newSize = offset + int64(n)
	}
	b0 := offset / int64(f.bs)
	b1 := (offset + int64(n) - 1) / int64(f.bs)

	// A write that starts past the current end of file leaves a gap;
	// those blocks never receive any byte from buf and must be
	// materialized as zero rather than left as ciphertext holes.
	oldBlocks := f.numBlocks()
	for idx := oldBlocks; idx < b0; idx++ {
		if err := f.writeBlock(idx, make([]byte, f.bs)); err != nil {
			return 0, err
		}
	}

	for idx := b0; idx <= b1; idx++ {
		blockStart := idx * int64(f.bs)
		blockEnd := blockStart + int64(f.bs)
		coveredFully := blockStart >= offset && blockEnd <= offset+int64(n)

		var plain []byte
		if coveredFully {
			plain = buf[blockStart-offset : blockEnd-offset]
		} else {
			existing, err := f.readBlock(idx)
			if err != nil {
				return 0, err
			}
			plain = existing
			overlayLo := int64(0)
			if blockStart < offset {
				overlayLo = offset - blockStart
			}
			overlayHi := int64(f.bs)
			if blockEnd > offset+int64(n) {
				overlayHi = offset + int64(n) - blockStart
			}
			if overlayHi > overlayLo {
				copy(plain[overlayLo:overlayHi], buf[blockStart+overlayLo-offset:blockStart+overlayHi-offset])
			}
		}
		if err := f.writeBlock(idx, plain); err != nil {
			return 0, err
		}
	}

	if err := f.writeTail(newSize); err != nil {
		return 0, err
	}
	return n, nil
}

// Extend grows the plaintext by length zero-filled bytes.
func (f *File) Extend(length int64) (int64, error) {
	if length <= 0 {
		return f.size, nil
	}
	oldSize := f.size
	newSize := oldSize + length
	oldBlocks := f.numBlocks()
	newBlocks := ceilDiv(newSize, int64(f.bs))

	if oldSize%int64(f.bs) != 0 && oldBlocks > 0 {
		// The previously-last block had unused tail space; re-encrypt it
		// with zeros appended so reads of the newly-extended region see
		// zero bytes rather than stale ciphertext.
		idx := oldBlocks - 1
		pt, err := f.readBlock(idx)
		if err != nil {
			return 0, err
		}
		for i := int(oldSize % int64(f.bs)); i < f.bs; i++ {
			pt[i] = 0
		}
		if err := f.writeBlock(idx, pt); err != nil {
			return 0, err
		}
	}
	for idx := oldBlocks; idx < newBlocks; idx++ {
		if err := f.writeBlock(idx, make([]byte, f.bs)); err != nil {
			return 0, err
		}
	}
	if err := f.writeTail(newSize); err != nil {
		return 0, err
	}
	return newSize, nil
}
