package colblock

import (
	"crypto/sha512"
	"os"
	"sync"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/xcipher"
	"github.com/latticedb/lattice/storage/encryptedfile"
)

// Block is one fixed-size extent of a column's append storage: a header,
// a linear write cursor and a commit watermark, backed by an encrypted
// file. At most one appender may be active on a Block at a time (enforced
// by mu); readers may proceed concurrently as long as they respect the
// commit watermark.
type Block struct {
	header Header
	ef     *encryptedfile.File
	state  State
	mu     sync.Mutex
}

// Create allocates a brand-new block file and persists its initial header.
func Create(path string, full FullBlockID, prevBlockID uint64, dataAreaSize uint32, prevDigest [DigestSize]byte, mode os.FileMode, encCtx xcipher.EncryptionContext, decCtx xcipher.DecryptionContext, cipherBlockSize int) (*Block, error) {
	ef, err := encryptedfile.Create(path, 0, mode, encCtx, decCtx, cipherBlockSize, int64(HeaderSize)+int64(dataAreaSize))
	if err != nil {
		return nil, err
	}
	h := NewHeader(full, prevBlockID, dataAreaSize, prevDigest)
	b := &Block{header: h, ef: ef, state: Creating}
	if err := b.persistHeader(); err != nil {
		ef.Close()
		return nil, err
	}
	return b, nil
}

// Open loads an existing block file and its header.
func Open(path string, encCtx xcipher.EncryptionContext, decCtx xcipher.DecryptionContext, cipherBlockSize int) (*Block, error) {
	ef, err := encryptedfile.Open(path, os.O_RDWR, encCtx, decCtx, cipherBlockSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	if _, err := ef.Read(buf, 0); err != nil {
		ef.Close()
		return nil, dberr.Wrap(dberr.Corrupt, err, "read block header")
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		ef.Close()
		return nil, err
	}
	state := Current
	if h.Sealed() {
		state = Closed
	}
	return &Block{header: h, ef: ef, state: state}, nil
}

func (b *Block) Close() error { return b.ef.Close() }

// Header returns a copy of the block's current in-memory header.
func (b *Block) Header() Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.header
}

func (b *Block) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Block) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *Block) persistHeader() error {
	buf := b.header.Marshal()
	_, err := b.ef.Write(buf, 0)
	if err != nil {
		return dberr.Wrap(dberr.IoError, err, "persist block header")
	}
	return nil
}

// Remaining returns how many more bytes can still be appended before the
// data area is full.
func (b *Block) Remaining() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.header.DataAreaSize - b.header.NextDataOffset
}

// Append writes data at the current write cursor and advances it. It does
// not persist the header — durability is established by Commit — so a
// crash between Append and Commit simply discards the uncommitted tail on
// reopen.
func (b *Block) Append(data []byte) (Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.header.Sealed() {
		return Address{}, dberr.New(dberr.Conflict, "block is sealed, cannot append")
	}
	need := uint32(len(data))
	if b.header.NextDataOffset+need > b.header.DataAreaSize {
		return Address{}, dberr.New(dberr.Conflict, "block data area full")
	}
	addr := Address{BlockID: b.header.Full.BlockID, Offset: b.header.NextDataOffset}
	writeOffset := int64(b.header.DataAreaOffset) + int64(b.header.NextDataOffset)
	if _, err := b.ef.Write(data, writeOffset); err != nil {
		return Address{}, err
	}
	b.header.NextDataOffset += need
	return addr, nil
}

// Read reads length bytes at the given in-block offset into buf. Unless
// allowUncommitted is set (used only by the writer for same-transaction
// lookback), it refuses to read past the commit watermark.
func (b *Block) Read(offset uint32, length uint32, buf []byte, allowUncommitted bool) error {
	b.mu.Lock()
	limit := b.header.CommittedDataOffset
	nextOffset := b.header.NextDataOffset
	dataAreaOffset := b.header.DataAreaOffset
	b.mu.Unlock()

	if !allowUncommitted {
		limit = b.header.CommittedDataOffset
	} else {
		limit = nextOffset
	}
	if uint64(offset)+uint64(length) > uint64(limit) {
		return dberr.New(dberr.InvalidArgument, "read extends past commit watermark")
	}
	n, err := b.ef.Read(buf[:length], int64(dataAreaOffset)+int64(offset))
	if err != nil {
		return err
	}
	if uint32(n) != length {
		return dberr.New(dberr.Corrupt, "short read from block data area")
	}
	return nil
}

// Commit advances the commit watermark to the write cursor and persists
// the header.
func (b *Block) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.header.CommittedDataOffset = b.header.NextDataOffset
	return b.persistHeader()
}

// RollbackTo truncates the write cursor back to offset, which must not be
// before the commit watermark.
func (b *Block) RollbackTo(offset uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < b.header.CommittedDataOffset {
		return dberr.New(dberr.InvalidArgument, "rollback offset precedes commit watermark")
	}
	b.header.NextDataOffset = offset
	return nil
}

// Seal marks the block full: it stops accepting further appends, computes
// the tamper-evidence digest over the committed data chained with the
// predecessor's digest, and persists the header. The digest uses SHA-512,
// whose 64-byte output matches the header's Digest field width exactly;
// no third-party hash in the retrieved dependency set offers a more
// direct fit; crypto/sha512 is used as the standard-library fallback for
// this one concern.
func (b *Block) Seal(now uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.header.Sealed() {
		return nil
	}
	data := make([]byte, b.header.CommittedDataOffset)
	if b.header.CommittedDataOffset > 0 {
		n, err := b.ef.Read(data, int64(b.header.DataAreaOffset))
		if err != nil {
			return err
		}
		if uint32(n) != b.header.CommittedDataOffset {
			return dberr.New(dberr.Corrupt, "short read while sealing block")
		}
	}
	h := sha512.New()
	h.Write(b.header.PrevBlockDigest[:])
	h.Write(data)
	copy(b.header.Digest[:], h.Sum(nil))
	b.header.FillTimestamp = now
	b.state = Closed
	return b.persistHeader()
}
