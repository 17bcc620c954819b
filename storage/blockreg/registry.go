// Package blockreg implements the block registry: the directory-level
// index that tracks, for one column, which block IDs exist, their
// lifecycle state, their previous-block link, and the children recorded
// against them.
package blockreg

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/storage/colblock"
)

const (
	subdir               = "breg"
	initFlagFile         = "initialized"
	blockListFilePrefix  = "blist"
	nextBlockFilePrefix  = "nblist"
	dataFileExt          = ".dat"
	blockListRecordSize  = 25 // state(1) + prevBlockId(8) + firstNextOffset(8) + lastNextOffset(8)
	nextBlockRecordSize  = 12 // blockId(8) + nextOffset(4)
	dataFileCreationMode = 0o640
)

type blockListRecord struct {
	present                  bool
	state                    colblock.State
	prevBlockID              uint64
	firstNextBlockListOffset uint64
	lastNextBlockListOffset  uint64
}

func (r blockListRecord) marshal() []byte {
	buf := make([]byte, 0, blockListRecordSize)
	buf = append(buf, byte(r.state))
	buf = pbe.AppendUint64(buf, r.prevBlockID)
	buf = pbe.AppendUint64(buf, r.firstNextBlockListOffset)
	buf = pbe.AppendUint64(buf, r.lastNextBlockListOffset)
	return buf
}

func unmarshalBlockListRecord(buf []byte) blockListRecord {
	var r blockListRecord
	r.state = colblock.State(buf[0])
	r.present = r.state != colblock.Absent
	off := 1
	r.prevBlockID = pbe.GetUint64(buf[off:])
	off += 8
	r.firstNextBlockListOffset = pbe.GetUint64(buf[off:])
	off += 8
	r.lastNextBlockListOffset = pbe.GetUint64(buf[off:])
	return r
}

type nextBlockRecord struct {
	blockID    uint64
	nextOffset uint32
}

func (r nextBlockRecord) marshal() []byte {
	buf := make([]byte, 0, nextBlockRecordSize)
	buf = pbe.AppendUint64(buf, r.blockID)
	buf = pbe.AppendUint32(buf, r.nextOffset)
	return buf
}

func unmarshalNextBlockRecord(buf []byte) nextBlockRecord {
	return nextBlockRecord{
		blockID:    pbe.GetUint64(buf),
		nextOffset: pbe.GetUint32(buf[8:]),
	}
}

// Registry is the on-disk block registry for a single column: a dense,
// directly-addressed block-list file (blockId*25) plus an append-only
// next-block-list file used to thread each block's children.
type Registry struct {
	dataDir         string
	blockListFile   *os.File
	nextBlockFile   *os.File
	blockListSize   int64
	nextBlockSize   int64
	lastBlockID     uint64
	lock            *flock.Flock
	columnID        uint64
}

// Create initializes a brand-new, empty registry rooted at dataDir/breg.
func Create(dataDir string, columnID uint64) (*Registry, error) {
	dir := filepath.Join(dataDir, subdir)
	if _, err := os.Stat(filepath.Join(dir, initFlagFile)); err == nil {
		return nil, dberr.New(dberr.AlreadyExists, "block registry already exists")
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "clear block registry dir")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "create block registry dir")
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		return nil, dberr.New(dberr.Conflict, "block registry directory is locked")
	}

	blFile, err := os.OpenFile(blockListPath(dir, columnID), os.O_CREATE|os.O_RDWR, dataFileCreationMode)
	if err != nil {
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "create block list file")
	}
	nbFile, err := os.OpenFile(nextBlockListPath(dir, columnID), os.O_CREATE|os.O_RDWR, dataFileCreationMode)
	if err != nil {
		blFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "create next block list file")
	}

	if err := os.WriteFile(filepath.Join(dir, initFlagFile), []byte{}, 0o640); err != nil {
		blFile.Close()
		nbFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "write registry init marker")
	}

	// Offset 0 in the next-block-list file is reserved: firstNextBlockListOffset
	// and lastNextBlockListOffset both use 0 to mean "no successors yet", so a
	// real record can never live there. Write a dummy padding record so the
	// first real AddNextBlock lands at offset nextBlockRecordSize instead.
	padding := nextBlockRecord{blockID: 0, nextOffset: 0}
	if _, err := nbFile.WriteAt(padding.marshal(), 0); err != nil {
		blFile.Close()
		nbFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "write next block list padding record")
	}

	return &Registry{
		dataDir:       dir,
		blockListFile: blFile,
		nextBlockFile: nbFile,
		nextBlockSize: nextBlockRecordSize,
		columnID:      columnID,
		lock:          lock,
	}, nil
}

// Open loads an existing registry, computing the last block ID from the
// block list file's size.
func Open(dataDir string, columnID uint64) (*Registry, error) {
	dir := filepath.Join(dataDir, subdir)
	if _, err := os.Stat(filepath.Join(dir, initFlagFile)); err != nil {
		return nil, dberr.Wrap(dberr.NotFound, err, "block registry not initialized")
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		return nil, dberr.New(dberr.Conflict, "block registry directory is locked")
	}

	blFile, err := os.OpenFile(blockListPath(dir, columnID), os.O_RDWR, dataFileCreationMode)
	if err != nil {
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "open block list file")
	}
	blInfo, err := blFile.Stat()
	if err != nil {
		blFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "stat block list file")
	}
	if blInfo.Size()%blockListRecordSize != 0 {
		blFile.Close()
		lock.Unlock()
		return nil, dberr.New(dberr.Corrupt, "block list file size is not a multiple of the record size")
	}

	nbFile, err := os.OpenFile(nextBlockListPath(dir, columnID), os.O_RDWR, dataFileCreationMode)
	if err != nil {
		blFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "open next block list file")
	}
	nbInfo, err := nbFile.Stat()
	if err != nil {
		blFile.Close()
		nbFile.Close()
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "stat next block list file")
	}
	if nbInfo.Size()%nextBlockRecordSize != 0 {
		blFile.Close()
		nbFile.Close()
		lock.Unlock()
		return nil, dberr.New(dberr.Corrupt, "next block list file size is not a multiple of the record size")
	}

	var lastBlockID uint64
	if n := blInfo.Size() / blockListRecordSize; n > 0 {
		lastBlockID = uint64(n - 1)
	}

	return &Registry{
		dataDir:       dir,
		blockListFile: blFile,
		nextBlockFile: nbFile,
		blockListSize: blInfo.Size(),
		nextBlockSize: nbInfo.Size(),
		lastBlockID:   lastBlockID,
		columnID:      columnID,
		lock:          lock,
	}, nil
}

func blockListPath(dir string, columnID uint64) string {
	return filepath.Join(dir, blockListFilePrefix) + "." + itoa(columnID) + dataFileExt
}

func nextBlockListPath(dir string, columnID uint64) string {
	return filepath.Join(dir, nextBlockFilePrefix) + "." + itoa(columnID) + dataFileExt
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Close releases the directory lock and closes both data files.
func (r *Registry) Close() error {
	r.blockListFile.Close()
	r.nextBlockFile.Close()
	return r.lock.Unlock()
}

// LastBlockID returns the highest block ID ever recorded, or 0 if none.
func (r *Registry) LastBlockID() uint64 {
	return r.lastBlockID
}

func blockRecordOffset(blockID uint64) int64 {
	return int64(blockID) * blockListRecordSize
}

func (r *Registry) loadRecord(blockID uint64) (blockListRecord, error) {
	if blockID > r.lastBlockID {
		return blockListRecord{}, dberr.Newf(dberr.NotFound, "block %d does not exist", blockID)
	}
	buf := make([]byte, blockListRecordSize)
	if _, err := r.blockListFile.ReadAt(buf, blockRecordOffset(blockID)); err != nil {
		return blockListRecord{}, dberr.Wrapf(dberr.IoError, err, "read block list record %d", blockID)
	}
	rec := unmarshalBlockListRecord(buf)
	if !rec.present {
		return blockListRecord{}, dberr.Newf(dberr.NotFound, "block %d does not exist", blockID)
	}
	return rec, nil
}

func (r *Registry) writeRecord(blockID uint64, rec blockListRecord) error {
	buf := rec.marshal()
	if _, err := r.blockListFile.WriteAt(buf, blockRecordOffset(blockID)); err != nil {
		return dberr.Wrapf(dberr.IoError, err, "write block list record %d", blockID)
	}
	if off := blockRecordOffset(blockID) + blockListRecordSize; off > r.blockListSize {
		r.blockListSize = off
	}
	// lastBlockID tracks the highest index the block list file has ever
	// been sized to address, regardless of whether intervening records
	// are present — matching the original's size-derived computation.
	if n := r.blockListSize / blockListRecordSize; n > 0 && uint64(n-1) > r.lastBlockID {
		r.lastBlockID = uint64(n - 1)
	}
	return nil
}

// FindPrevBlockID returns blockId's previous-block link, or 0 if blockId
// is the first block in its chain.
func (r *Registry) FindPrevBlockID(blockID uint64) (uint64, error) {
	rec, err := r.loadRecord(blockID)
	if err != nil {
		return 0, err
	}
	return rec.prevBlockID, nil
}

// FindNextBlockIDs walks the next-block chain recorded against blockId and
// returns every child block ID. It terminates strictly when a record's
// next-offset link is 0.
func (r *Registry) FindNextBlockIDs(blockID uint64) ([]uint64, error) {
	rec, err := r.loadRecord(blockID)
	if err != nil {
		return nil, err
	}
	var result []uint64
	offset := uint32(rec.firstNextBlockListOffset)
	for offset != 0 {
		buf := make([]byte, nextBlockRecordSize)
		if _, err := r.nextBlockFile.ReadAt(buf, int64(offset)); err != nil {
			return nil, dberr.Wrapf(dberr.IoError, err, "read next block list record at %d", offset)
		}
		nrec := unmarshalNextBlockRecord(buf)
		result = append(result, nrec.blockID)
		offset = nrec.nextOffset
	}
	return result, nil
}

// RecordBlock creates a new block-list entry for blockId with the given
// parent and initial state.
func (r *Registry) RecordBlock(blockID, parentBlockID uint64, state colblock.State) error {
	rec := blockListRecord{present: true, state: state, prevBlockID: parentBlockID}
	return r.writeRecord(blockID, rec)
}

// RecordBlockAndNextBlock records blockId and, if it has a parent, also
// threads it onto the parent's next-block chain.
func (r *Registry) RecordBlockAndNextBlock(blockID, parentBlockID uint64, state colblock.State) error {
	if err := r.RecordBlock(blockID, parentBlockID, state); err != nil {
		return err
	}
	if parentBlockID != 0 {
		return r.AddNextBlock(parentBlockID, blockID)
	}
	return nil
}

// UpdateBlockState overwrites just the one-byte state field of an
// existing block record.
func (r *Registry) UpdateBlockState(blockID uint64, state colblock.State) error {
	rec, err := r.loadRecord(blockID)
	if err != nil {
		return err
	}
	rec.state = state
	return r.writeRecord(blockID, rec)
}

// AddNextBlock appends nextBlockID to blockId's next-block chain. The
// write is guarded RAII-style against a partial failure: the new node is
// appended and linked from the chain's previous tail first, then the
// owning block record's tail pointer is updated last; if that final write
// fails, the previous tail's link is rolled back to 0 so the chain never
// observes a node the block record does not yet point to. This mirrors
// the LastRecordUpdate guard in the original BlockRegistry::addNextBlock.
func (r *Registry) AddNextBlock(blockID, nextBlockID uint64) error {
	rec, err := r.loadRecord(blockID)
	if err != nil {
		return err
	}

	newRecordOffset := r.nextBlockSize
	newRec := nextBlockRecord{blockID: nextBlockID, nextOffset: 0}
	if _, err := r.nextBlockFile.WriteAt(newRec.marshal(), newRecordOffset); err != nil {
		return dberr.Wrap(dberr.IoError, err, "append next block list record")
	}
	r.nextBlockSize += nextBlockRecordSize

	committed := false
	if rec.lastNextBlockListOffset == 0 {
		rec.firstNextBlockListOffset = uint64(newRecordOffset)
	} else {
		prevTailOffset := int64(rec.lastNextBlockListOffset)
		buf := make([]byte, nextBlockRecordSize)
		if _, err := r.nextBlockFile.ReadAt(buf, prevTailOffset); err != nil {
			return dberr.Wrap(dberr.IoError, err, "read previous tail next block list record")
		}
		prevTail := unmarshalNextBlockRecord(buf)

		prevTail.nextOffset = uint32(newRecordOffset)
		if _, err := r.nextBlockFile.WriteAt(prevTail.marshal(), prevTailOffset); err != nil {
			return dberr.Wrap(dberr.IoError, err, "link previous tail next block list record")
		}
		defer func() {
			if committed {
				return
			}
			rollback := nextBlockRecord{blockID: prevTail.blockID, nextOffset: 0}
			r.nextBlockFile.WriteAt(rollback.marshal(), prevTailOffset)
		}()
	}

	rec.lastNextBlockListOffset = uint64(newRecordOffset)
	if err := r.writeRecord(blockID, rec); err != nil {
		return err
	}
	committed = true
	return nil
}
