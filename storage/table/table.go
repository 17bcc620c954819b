package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/internal/xcipher"
	"github.com/latticedb/lattice/storage/colblock"
	"github.com/latticedb/lattice/storage/column"
)

// MasterColumnID is the reserved column ID for a table's MCR storage; user
// column IDs must not collide with it.
const MasterColumnID uint64 = 0

const (
	masterSubdir = "master"
	tridFileName = "trid"
)

// Options configures a Table's storage parameters. The same cipher and
// data-area sizing is shared by the master column and every user column;
// per-column overrides can be layered in later via a richer column spec
// without changing this shape.
type Options struct {
	DBUUID          uuid.UUID
	TableID         uint32
	DataAreaSize    uint32
	CipherBlockSize int
	Mode            os.FileMode
	OpenBlockCache  int
	EncCtx          xcipher.EncryptionContext
	DecCtx          xcipher.DecryptionContext
}

func (o Options) columnOptions(columnID uint64) column.Options {
	return column.Options{
		DBUUID:          o.DBUUID,
		TableID:         o.TableID,
		ColumnID:        columnID,
		DataAreaSize:    o.DataAreaSize,
		CipherBlockSize: o.CipherBlockSize,
		Mode:            o.Mode,
		OpenBlockCache:  o.OpenBlockCache,
		EncCtx:          o.EncCtx,
		DecCtx:          o.DecCtx,
	}
}

// Table groups a master column (storing Master Column Records) with the
// user columns holding each row version's field values. It owns the TRID
// generator and the INSERT/UPDATE/DELETE row lifecycle.
type Table struct {
	dataDir string
	opt     Options

	mu           sync.Mutex
	master       *column.Column
	columns      map[uint64]*column.Column
	columnOrder  []uint64
	lastUsedTRID uint64
	tridFile     *os.File
	rowIndex     map[uint64]colblock.Address // TRID -> latest MCR address
}

func columnDir(tableDir string, columnID uint64) string {
	if columnID == MasterColumnID {
		return filepath.Join(tableDir, masterSubdir)
	}
	return filepath.Join(tableDir, fmt.Sprintf("col-%d", columnID))
}

// Create initializes a brand-new table directory: its master column, one
// freshly created column per columnID, and a zeroed TRID counter.
func Create(dataDir string, opt Options, columnIDs []uint64) (*Table, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "create table directory")
	}

	master, err := column.Create(columnDir(dataDir, MasterColumnID), opt.columnOptions(MasterColumnID))
	if err != nil {
		return nil, err
	}

	columns := make(map[uint64]*column.Column, len(columnIDs))
	for _, id := range columnIDs {
		if id == MasterColumnID {
			closeAll(master, columns)
			return nil, dberr.New(dberr.InvalidArgument, "user column ID collides with the reserved master column ID")
		}
		col, err := column.Create(columnDir(dataDir, id), opt.columnOptions(id))
		if err != nil {
			closeAll(master, columns)
			return nil, err
		}
		columns[id] = col
	}

	tridFile, err := os.OpenFile(filepath.Join(dataDir, tridFileName), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		closeAll(master, columns)
		return nil, dberr.Wrap(dberr.IoError, err, "create TRID counter file")
	}
	if err := writeTRID(tridFile, 0); err != nil {
		tridFile.Close()
		closeAll(master, columns)
		return nil, err
	}

	return &Table{
		dataDir:     dataDir,
		opt:         opt,
		master:      master,
		columns:     columns,
		columnOrder: append([]uint64(nil), columnIDs...),
		tridFile:    tridFile,
		rowIndex:    make(map[uint64]colblock.Address),
	}, nil
}

// Open loads an existing table and rebuilds its in-memory TRID-to-latest-
// MCR-address index by scanning the master column's committed data from
// the start, since that index is not itself persisted.
func Open(dataDir string, opt Options, columnIDs []uint64) (*Table, error) {
	master, err := column.Open(columnDir(dataDir, MasterColumnID), opt.columnOptions(MasterColumnID))
	if err != nil {
		return nil, err
	}

	columns := make(map[uint64]*column.Column, len(columnIDs))
	for _, id := range columnIDs {
		col, err := column.Open(columnDir(dataDir, id), opt.columnOptions(id))
		if err != nil {
			closeAll(master, columns)
			return nil, err
		}
		columns[id] = col
	}

	tridFile, err := os.OpenFile(filepath.Join(dataDir, tridFileName), os.O_RDWR, 0o640)
	if err != nil {
		closeAll(master, columns)
		return nil, dberr.Wrap(dberr.IoError, err, "open TRID counter file")
	}
	lastUsed, err := readTRID(tridFile)
	if err != nil {
		tridFile.Close()
		closeAll(master, columns)
		return nil, err
	}

	t := &Table{
		dataDir:      dataDir,
		opt:          opt,
		master:       master,
		columns:      columns,
		columnOrder:  append([]uint64(nil), columnIDs...),
		lastUsedTRID: lastUsed,
		tridFile:     tridFile,
		rowIndex:     make(map[uint64]colblock.Address),
	}
	if err := t.rebuildRowIndex(); err != nil {
		tridFile.Close()
		closeAll(master, columns)
		return nil, err
	}
	return t, nil
}

func closeAll(master *column.Column, columns map[uint64]*column.Column) {
	if master != nil {
		master.Close()
	}
	for _, c := range columns {
		c.Close()
	}
}

// Close flushes and closes every column plus the TRID counter file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if err := t.master.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range t.columns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.tridFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func readTRID(f *os.File) (uint64, error) {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return 0, dberr.Wrap(dberr.IoError, err, "read TRID counter")
	}
	return pbe.GetUint64(buf[:]), nil
}

func writeTRID(f *os.File, lastUsed uint64) error {
	var buf [8]byte
	pbe.PutUint64(buf[:], lastUsed)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return dberr.Wrap(dberr.IoError, err, "write TRID counter")
	}
	return f.Sync()
}

// rebuildRowIndex walks the master column's blocks in chain order, parsing
// every committed MCR and keeping the most recently seen address for each
// TRID (which, since MCRs are only ever appended, is always that row's
// current version). Each record on disk carries the column layer's own
// varuint64 blob-length prefix (added by AppendValue) wrapping the MCR's
// self-tagged bytes, so unwrapping that outer prefix is what recovers
// the exact record boundaries a raw sequential scan needs.
func (t *Table) rebuildRowIndex() error {
	for _, blockID := range t.master.BlockIDs() {
		raw, err := t.master.ReadBlockCommitted(blockID)
		if err != nil {
			return err
		}
		offset := uint32(0)
		for offset < uint32(len(raw)) {
			body, rest, err := pbe.ReadVarBlob(raw[offset:])
			if err != nil {
				return dberr.Wrapf(dberr.Corrupt, err, "rebuild row index: block %d offset %d", blockID, offset)
			}
			consumed := uint32(len(raw)) - offset - uint32(len(rest))

			mcr, _, err := UnmarshalMCR(body)
			if err != nil {
				return dberr.Wrapf(dberr.Corrupt, err, "rebuild row index: block %d offset %d", blockID, offset)
			}
			t.rowIndex[mcr.TRID] = colblock.Address{BlockID: blockID, Offset: offset}
			offset += consumed
		}
	}
	return nil
}

// NextTRID generates and persists the next TRID, monotonically.
func (t *Table) NextTRID() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextTRIDLocked()
}

func (t *Table) nextTRIDLocked() (uint64, error) {
	next := t.lastUsedTRID + 1
	if err := writeTRID(t.tridFile, next); err != nil {
		return 0, err
	}
	t.lastUsedTRID = next
	return next, nil
}

// SetNextTRID reprograms the generator so the next TRID handed out is
// newNext; it rejects any value that would not advance the counter, since
// TRIDs already in use must never be reissued.
func (t *Table) SetNextTRID(newNext uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newNext <= t.lastUsedTRID {
		return dberr.Newf(dberr.Conflict, "next TRID %d does not advance past the last used TRID %d", newNext, t.lastUsedTRID)
	}
	if err := writeTRID(t.tridFile, newNext-1); err != nil {
		return err
	}
	t.lastUsedTRID = newNext - 1
	return nil
}

// Row is the decoded, current-version contents of one row: its values
// keyed by column ID, plus the MCR metadata describing that version.
type Row struct {
	MCR    MCR
	Values map[uint64][]byte
}

func nowUnix() uint64 { return uint64(time.Now().Unix()) }

// Insert appends a new row with OperationType OpInsert, writing values to
// every user column and a fresh MCR to the master column. Columns absent
// from values are stored as an empty value.
func (t *Table) Insert(userID uint64, transactionID uint64, values map[uint64][]byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trid, err := t.nextTRIDLocked()
	if err != nil {
		return 0, err
	}
	now := nowUnix()

	records, err := t.writeColumnValues(values)
	if err != nil {
		return 0, err
	}

	mcr := MCR{
		TRID:                   trid,
		TransactionID:          transactionID,
		CreateTS:               now,
		UpdateTS:               now,
		Version:                1,
		OperationType:          OpInsert,
		UserID:                 userID,
		ColumnRecords:          records,
		PreviousVersionAddress: colblock.NullAddress,
	}
	addr, err := t.appendMCR(&mcr)
	if err != nil {
		return 0, err
	}
	t.rowIndex[trid] = addr
	return trid, nil
}

// Update appends a new MCR version for trid, writing fresh values only for
// the columns present in changes and carrying every other column's
// existing address forward unchanged.
func (t *Table) Update(userID uint64, transactionID uint64, trid uint64, changes map[uint64][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevAddr, prevMCR, err := t.currentVersionLocked(trid)
	if err != nil {
		return err
	}
	now := nowUnix()

	records := append([]ColumnDataRecord(nil), prevMCR.ColumnRecords...)
	for i, colID := range t.columnOrder {
		data, ok := changes[colID]
		if !ok {
			continue
		}
		col, ok := t.columns[colID]
		if !ok {
			return dberr.Newf(dberr.InvalidArgument, "unknown column %d", colID)
		}
		addr, err := col.AppendValue(data)
		if err != nil {
			return err
		}
		records[i] = ColumnDataRecord{Address: addr, CreateTS: records[i].CreateTS, UpdateTS: now}
	}
	if err := t.commitColumns(); err != nil {
		return err
	}

	mcr := MCR{
		TRID:                   trid,
		TransactionID:          transactionID,
		CreateTS:               prevMCR.CreateTS,
		UpdateTS:               now,
		Version:                prevMCR.Version + 1,
		OperationType:          OpUpdate,
		UserID:                 userID,
		ColumnRecords:          records,
		PreviousVersionAddress: prevAddr,
	}
	addr, err := t.appendMCR(&mcr)
	if err != nil {
		return err
	}
	t.rowIndex[trid] = addr
	return nil
}

// Delete appends a tombstone MCR version for trid. The row's prior column
// values remain on disk (columns are append-only) but are no longer
// reachable via ReadRow.
func (t *Table) Delete(userID uint64, transactionID uint64, trid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevAddr, prevMCR, err := t.currentVersionLocked(trid)
	if err != nil {
		return err
	}
	now := nowUnix()

	mcr := MCR{
		TRID:                   trid,
		TransactionID:          transactionID,
		CreateTS:               prevMCR.CreateTS,
		UpdateTS:               now,
		Version:                prevMCR.Version + 1,
		OperationType:          OpDelete,
		UserID:                 userID,
		PreviousVersionAddress: prevAddr,
	}
	addr, err := t.appendMCR(&mcr)
	if err != nil {
		return err
	}
	t.rowIndex[trid] = addr
	return nil
}

// ReadRow resolves trid to its current version by looking up its latest
// MCR address (no master-column walk needed for the common case, since the
// row index already tracks the newest version) and reads every column
// value it references. NotFound is returned both when the TRID was never
// used and when its current version is a tombstone.
func (t *Table) ReadRow(trid uint64) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, mcr, err := t.currentVersionLocked(trid)
	if err != nil {
		return Row{}, err
	}

	values := make(map[uint64][]byte, len(t.columnOrder))
	for i, colID := range t.columnOrder {
		if i >= len(mcr.ColumnRecords) {
			break
		}
		col, ok := t.columns[colID]
		if !ok {
			continue
		}
		data, err := col.ReadValue(mcr.ColumnRecords[i].Address)
		if err != nil {
			return Row{}, err
		}
		values[colID] = data
	}
	return Row{MCR: mcr, Values: values}, nil
}

// AllRows returns the current version of every non-tombstoned row in the
// table, ordered by TRID. It reuses ReadRow's column-resolution logic per
// row rather than walking rowIndex directly, so a row whose most recent
// version is a DELETE is silently skipped the same way a single ReadRow
// of that TRID would report NotFound.
func (t *Table) AllRows() ([]Row, error) {
	t.mu.Lock()
	trids := make([]uint64, 0, len(t.rowIndex))
	for trid := range t.rowIndex {
		trids = append(trids, trid)
	}
	t.mu.Unlock()
	sort.Slice(trids, func(i, j int) bool { return trids[i] < trids[j] })

	rows := make([]Row, 0, len(trids))
	for _, trid := range trids {
		row, err := t.ReadRow(trid)
		if err != nil {
			if dberr.CodeOf(err) == dberr.NotFound {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// currentVersionLocked resolves trid's latest MCR, rejecting tombstoned
// and unknown rows alike with NotFound. A reader conceptually walks the
// master column in reverse (most recent version first) stopping at the
// first version that is not a delete; since the row index always holds
// the most recent address directly, that walk collapses to a single
// lookup here, and a tombstone as the most recent version means the row
// is presently deleted.
func (t *Table) currentVersionLocked(trid uint64) (colblock.Address, MCR, error) {
	addr, ok := t.rowIndex[trid]
	if !ok {
		return colblock.Address{}, MCR{}, dberr.Newf(dberr.NotFound, "row %d does not exist", trid)
	}
	mcr, err := t.readMCRAt(addr)
	if err != nil {
		return colblock.Address{}, MCR{}, err
	}
	if mcr.OperationType == OpDelete {
		return colblock.Address{}, MCR{}, dberr.Newf(dberr.NotFound, "row %d is deleted", trid)
	}
	return addr, mcr, nil
}

func (t *Table) readMCRAt(addr colblock.Address) (MCR, error) {
	buf, err := t.master.ReadValue(addr)
	if err != nil {
		return MCR{}, err
	}
	mcr, _, err := UnmarshalMCR(buf)
	return mcr, err
}

func (t *Table) writeColumnValues(values map[uint64][]byte) ([]ColumnDataRecord, error) {
	now := nowUnix()
	records := make([]ColumnDataRecord, 0, len(t.columnOrder))
	for _, colID := range t.columnOrder {
		col, ok := t.columns[colID]
		if !ok {
			return nil, dberr.Newf(dberr.InvalidArgument, "unknown column %d", colID)
		}
		addr, err := col.AppendValue(values[colID])
		if err != nil {
			return nil, err
		}
		records = append(records, ColumnDataRecord{Address: addr, CreateTS: now, UpdateTS: now})
	}
	if err := t.commitColumns(); err != nil {
		return nil, err
	}
	return records, nil
}

func (t *Table) commitColumns() error {
	for _, colID := range t.columnOrder {
		if err := t.columns[colID].CommitCurrentBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) appendMCR(mcr *MCR) (colblock.Address, error) {
	buf, err := mcr.Marshal()
	if err != nil {
		return colblock.Address{}, err
	}
	addr, err := t.master.AppendValue(buf)
	if err != nil {
		return colblock.Address{}, err
	}
	if err := t.master.CommitCurrentBlock(); err != nil {
		return colblock.Address{}, err
	}
	return addr, nil
}
