// Package column implements a Column: the append-only, block-chunked
// store for one table column's raw values. It layers storage/colblock's
// Block type over storage/blockreg's registry, keeping a bounded LRU of
// open blocks for both reading and writing.
package column

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/internal/xcipher"
	"github.com/latticedb/lattice/storage/blockreg"
	"github.com/latticedb/lattice/storage/colblock"
)

// defaultOpenBlockCacheSize bounds how many Block objects (and their open
// file descriptors) a Column keeps resident at once.
const defaultOpenBlockCacheSize = 64

const blockFileExt = ".blk"

// Column is a single column's append/read/seal surface.
type Column struct {
	dataDir         string
	full            colblock.FullBlockID // BlockID field unused at this level
	encCtx          xcipher.EncryptionContext
	decCtx          xcipher.DecryptionContext
	cipherBlockSize int
	dataAreaSize    uint32
	mode            os.FileMode

	reg *blockreg.Registry

	mu             sync.Mutex
	currentBlockID uint64
	hasCurrent     bool
	cache          *lru.Cache[uint64, *colblock.Block]
}

// Options configures a Column's storage parameters.
type Options struct {
	DBUUID          uuid.UUID
	TableID         uint32
	ColumnID        uint64
	DataAreaSize    uint32
	CipherBlockSize int
	Mode            os.FileMode
	OpenBlockCache  int
	EncCtx          xcipher.EncryptionContext
	DecCtx          xcipher.DecryptionContext
}

func (o Options) full() colblock.FullBlockID {
	return colblock.FullBlockID{DBUUID: o.DBUUID, TableID: o.TableID, ColumnID: o.ColumnID}
}

func newColumn(dataDir string, opt Options, reg *blockreg.Registry) (*Column, error) {
	cacheSize := opt.OpenBlockCache
	if cacheSize <= 0 {
		cacheSize = defaultOpenBlockCacheSize
	}
	dataAreaSize := opt.DataAreaSize
	if dataAreaSize == 0 {
		dataAreaSize = colblock.DefaultDataAreaSize
	}
	mode := opt.Mode
	if mode == 0 {
		mode = 0o640
	}

	c := &Column{
		dataDir:         dataDir,
		full:            opt.full(),
		encCtx:          opt.EncCtx,
		decCtx:          opt.DecCtx,
		cipherBlockSize: opt.CipherBlockSize,
		dataAreaSize:    dataAreaSize,
		mode:            mode,
		reg:             reg,
	}
	cache, err := lru.NewWithEvict(cacheSize, func(_ uint64, b *colblock.Block) { b.Close() })
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "create open-block LRU")
	}
	c.cache = cache
	return c, nil
}

// Create initializes a brand-new, empty column: a fresh block registry and
// a single Current-state first block.
func Create(dataDir string, opt Options) (*Column, error) {
	reg, err := blockreg.Create(dataDir, opt.ColumnID)
	if err != nil {
		return nil, err
	}
	c, err := newColumn(dataDir, opt, reg)
	if err != nil {
		reg.Close()
		return nil, err
	}
	if _, err := c.allocateBlock(0, [colblock.DigestSize]byte{}); err != nil {
		reg.Close()
		return nil, err
	}
	return c, nil
}

// Open loads an existing column: its registry, and locates the Current
// block to resume appending to.
func Open(dataDir string, opt Options) (*Column, error) {
	reg, err := blockreg.Open(dataDir, opt.ColumnID)
	if err != nil {
		return nil, err
	}
	c, err := newColumn(dataDir, opt, reg)
	if err != nil {
		reg.Close()
		return nil, err
	}
	c.currentBlockID = reg.LastBlockID()
	c.hasCurrent = true
	return c, nil
}

func (c *Column) blockPath(blockID uint64) string {
	return filepath.Join(c.dataDir, strconv.FormatUint(blockID, 10)+blockFileExt)
}

// Close flushes and closes every open block plus the registry.
func (c *Column) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	return c.reg.Close()
}

// BlockIDs returns every block ID the registry has ever recorded, in
// ascending order.
func (c *Column) BlockIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.reg.LastBlockID()
	ids := make([]uint64, 0, last+1)
	for id := uint64(0); id <= last; id++ {
		if _, err := c.reg.FindPrevBlockID(id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Column) openBlock(blockID uint64) (*colblock.Block, error) {
	if b, ok := c.cache.Get(blockID); ok {
		return b, nil
	}
	b, err := colblock.Open(c.blockPath(blockID), c.encCtx, c.decCtx, c.cipherBlockSize)
	if err != nil {
		return nil, err
	}
	c.cache.Add(blockID, b)
	return b, nil
}

// allocateBlock assigns block IDs starting at 1: 0 is reserved as the
// "no parent" sentinel RecordBlockAndNextBlock checks against, so a real
// block can never carry it without colliding with that meaning.
func (c *Column) allocateBlock(prevBlockID uint64, prevDigest [colblock.DigestSize]byte) (*colblock.Block, error) {
	newBlockID := uint64(1)
	if c.hasCurrent {
		newBlockID = c.reg.LastBlockID() + 1
	}
	full := c.full
	full.BlockID = newBlockID
	b, err := colblock.Create(c.blockPath(newBlockID), full, prevBlockID, c.dataAreaSize, prevDigest, c.mode, c.encCtx, c.decCtx, c.cipherBlockSize)
	if err != nil {
		return nil, err
	}
	if err := c.reg.RecordBlockAndNextBlock(newBlockID, prevBlockID, colblock.Current); err != nil {
		b.Close()
		return nil, err
	}
	c.cache.Add(newBlockID, b)
	c.currentBlockID = newBlockID
	c.hasCurrent = true
	return b, nil
}

func (c *Column) currentBlock() (*colblock.Block, error) {
	if !c.hasCurrent {
		return c.allocateBlock(0, [colblock.DigestSize]byte{})
	}
	return c.openBlock(c.currentBlockID)
}

// AppendValue writes data to the current block as a varuint64-length-
// prefixed blob (so a later ReadValue needs only the address, not a
// caller-supplied length), sealing the current block and rolling over to
// a freshly allocated successor if the blob does not fit.
func (c *Column) AppendValue(data []byte) (colblock.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob := pbe.AppendVarBlob(nil, data)

	cur, err := c.currentBlock()
	if err != nil {
		return colblock.Address{}, err
	}
	if uint32(len(blob)) > cur.Header().DataAreaSize {
		return colblock.Address{}, dberr.New(dberr.InvalidArgument, "value larger than block data area")
	}
	if uint32(len(blob)) > cur.Remaining() {
		if _, err := c.sealCurrentBlockLocked(); err != nil {
			return colblock.Address{}, err
		}
		cur, err = c.currentBlock()
		if err != nil {
			return colblock.Address{}, err
		}
	}
	return cur.Append(blob)
}

// ReadValue reads the varuint64-length-prefixed blob written by AppendValue
// back out, returning only the value bytes (the length prefix is not part
// of the result).
func (c *Column) ReadValue(addr colblock.Address) ([]byte, error) {
	c.mu.Lock()
	b, err := c.openBlock(addr.BlockID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	committed := b.Header().CommittedDataOffset
	if addr.Offset > committed {
		return nil, dberr.New(dberr.InvalidArgument, "address past the block's committed data")
	}
	avail := committed - addr.Offset

	peekLen := avail
	if peekLen > pbe.MaxVarUint64Size {
		peekLen = pbe.MaxVarUint64Size
	}
	peek := make([]byte, peekLen)
	if err := b.Read(addr.Offset, peekLen, peek, false); err != nil {
		return nil, err
	}
	length, n, status := pbe.DecodeVarUint64(peek)
	if status != pbe.StatusOK {
		return nil, dberr.New(dberr.Corrupt, "column value: malformed length prefix")
	}
	total := uint64(n) + length
	if total > uint64(avail) {
		return nil, dberr.New(dberr.Corrupt, "column value: length prefix exceeds committed data")
	}

	buf := make([]byte, total)
	if err := b.Read(addr.Offset, uint32(total), buf, false); err != nil {
		return nil, err
	}
	return buf[n:], nil
}

// ReadBlockCommitted returns the raw, still-length-prefixed bytes of every
// value committed so far in blockID's data area, in append order. Callers
// that know how to walk their own record framing (e.g. storage/table,
// rebuilding its TRID index) use this instead of per-value ReadValue calls.
func (c *Column) ReadBlockCommitted(blockID uint64) ([]byte, error) {
	c.mu.Lock()
	b, err := c.openBlock(blockID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	committed := b.Header().CommittedDataOffset
	if committed == 0 {
		return nil, nil
	}
	buf := make([]byte, committed)
	if err := b.Read(0, committed, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// CommitCurrentBlock advances the current block's commit watermark,
// making its uncommitted appends durable and visible to readers.
func (c *Column) CommitCurrentBlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.currentBlock()
	if err != nil {
		return err
	}
	return cur.Commit()
}

// SealCurrentBlock seals the current block (sha512 digest chain, fill
// timestamp) and allocates + records a successor, returning the
// successor's address as the next append target.
func (c *Column) SealCurrentBlock() (colblock.Address, error) {
	return c.SealCurrentBlockAt(uint64(time.Now().Unix()))
}

// SealCurrentBlockAt is SealCurrentBlock with an explicit fill timestamp.
func (c *Column) SealCurrentBlockAt(now uint64) (colblock.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealCurrentBlockLockedAt(now)
}

func (c *Column) sealCurrentBlockLocked() (colblock.Address, error) {
	return c.sealCurrentBlockLockedAt(uint64(time.Now().Unix()))
}

func (c *Column) sealCurrentBlockLockedAt(now uint64) (colblock.Address, error) {
	cur, err := c.currentBlock()
	if err != nil {
		return colblock.Address{}, err
	}
	if err := cur.Commit(); err != nil {
		return colblock.Address{}, err
	}
	if err := cur.Seal(now); err != nil {
		return colblock.Address{}, err
	}
	if err := c.reg.UpdateBlockState(c.currentBlockID, colblock.Closed); err != nil {
		return colblock.Address{}, err
	}
	nextBlock, err := c.allocateBlock(c.currentBlockID, cur.Header().Digest)
	if err != nil {
		return colblock.Address{}, err
	}
	return colblock.Address{BlockID: nextBlock.Header().Full.BlockID, Offset: 0}, nil
}
