package engine

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/storage/table"
)

// TableMeta records one table's identity and user-column layout, enough
// to reopen its storage/table.Table after a restart.
type TableMeta struct {
	ID           uint32
	Name         string
	ColumnIDs    []uint64
	NextColumnID uint64
}

// databaseRecord is a Database's persistable state: everything that goes
// into the catalog snapshot.
type databaseRecord struct {
	ID               uint32
	UUID             uuid.UUID
	Name             string
	Description      string
	CipherID         string
	WrappedCipherKey []byte
	DataDir          string
	Tables           map[string]*TableMeta
	NextTableID      uint32
}

// Database exclusively owns its Tables, Columns, Column Data Blocks and
// per-column Block Registries. Its own mutex guards the table registry
// and the table/column ID generators, separate from the Instance-wide
// mutex guarding the user and database registries.
type Database struct {
	rec       *databaseRecord
	inst      *Instance
	mu        sync.Mutex
	cipherKey []byte
	open      map[uint32]*table.Table
}

func (d *Database) ID() uint32      { return d.rec.ID }
func (d *Database) UUID() uuid.UUID { return d.rec.UUID }
func (d *Database) Name() string    { return d.rec.Name }

func (d *Database) tableDir(id uint32) string {
	return filepath.Join(d.rec.DataDir, fmt.Sprintf("%d", id))
}

func (d *Database) tableOptions(id uint32) (table.Options, error) {
	cipher, err := d.inst.cipherProvider.GetCipher(d.rec.CipherID)
	if err != nil {
		return table.Options{}, err
	}
	encCtx, err := cipher.NewEncryptionContext(d.cipherKey)
	if err != nil {
		return table.Options{}, err
	}
	decCtx, err := cipher.NewDecryptionContext(d.cipherKey)
	if err != nil {
		return table.Options{}, err
	}
	return table.Options{
		DBUUID:          d.rec.UUID,
		TableID:         id,
		DataAreaSize:    d.inst.opt.DataAreaSize,
		CipherBlockSize: cipher.BlockSize(),
		OpenBlockCache:  d.inst.opt.OpenBlockCache,
		EncCtx:          encCtx,
		DecCtx:          decCtx,
	}, nil
}

// CreateTable creates a brand-new table with the given user column IDs
// (a master column is always added internally by storage/table) and
// opens it immediately.
func (d *Database) CreateTable(name string, userColumnIDs []uint64) (*TableMeta, error) {
	d.mu.Lock()

	if _, exists := d.rec.Tables[name]; exists {
		d.mu.Unlock()
		return nil, dberr.Newf(dberr.AlreadyExists, "table %q already exists", name)
	}

	id := d.rec.NextTableID
	d.rec.NextTableID++

	opt, err := d.tableOptions(id)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	tbl, err := table.Create(d.tableDir(id), opt, userColumnIDs)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	var maxCol uint64
	for _, c := range userColumnIDs {
		if c > maxCol {
			maxCol = c
		}
	}
	meta := &TableMeta{ID: id, Name: name, ColumnIDs: append([]uint64(nil), userColumnIDs...), NextColumnID: maxCol + 1}
	d.rec.Tables[name] = meta
	d.open[id] = tbl
	d.mu.Unlock()

	// saveCatalog takes the instance mutex and, per database, that
	// database's own mutex (to read a consistent Tables snapshot) -
	// released above first, since a *Database method re-locking its own
	// mutex from inside that call would deadlock.
	if err := d.inst.saveCatalog(); err != nil {
		d.mu.Lock()
		tbl.Close()
		delete(d.rec.Tables, name)
		delete(d.open, id)
		d.mu.Unlock()
		return nil, err
	}
	return meta, nil
}

// OpenTable returns the already-open handle for name, lazily opening it
// from its catalog metadata on first use after a restart.
func (d *Database) OpenTable(name string) (*table.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, ok := d.rec.Tables[name]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "table %q does not exist", name)
	}
	if tbl, ok := d.open[meta.ID]; ok {
		return tbl, nil
	}
	opt, err := d.tableOptions(meta.ID)
	if err != nil {
		return nil, err
	}
	tbl, err := table.Open(d.tableDir(meta.ID), opt, meta.ColumnIDs)
	if err != nil {
		return nil, err
	}
	d.open[meta.ID] = tbl
	return tbl, nil
}

// DropTable closes and removes a table from the catalog. The underlying
// files are left on disk; the table's directory is no longer reachable
// through the catalog, matching the append-only, never-destroy posture
// the rest of the storage layer takes toward committed data.
func (d *Database) DropTable(name string) error {
	d.mu.Lock()
	meta, ok := d.rec.Tables[name]
	if !ok {
		d.mu.Unlock()
		return dberr.Newf(dberr.NotFound, "table %q does not exist", name)
	}
	if tbl, ok := d.open[meta.ID]; ok {
		tbl.Close()
		delete(d.open, meta.ID)
	}
	delete(d.rec.Tables, name)
	d.mu.Unlock()

	return d.inst.saveCatalog()
}

// Close closes every table opened against this database.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for id, tbl := range d.open {
		if err := tbl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.open, id)
	}
	return firstErr
}

// CreateDatabase creates a new Database: a fresh UUID-named data
// directory, a freshly generated cipher key wrapped under the instance
// master key, and an empty table registry.
func (inst *Instance) CreateDatabase(currentUserID uint32, name, description, cipherID string) (*Database, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, 0, "database", 0, PermCreate); err != nil {
		return nil, err
	}
	if _, exists := inst.databasesByName[name]; exists {
		return nil, dberr.Newf(dberr.Conflict, "database %q already exists", name)
	}

	cipher, err := inst.cipherProvider.GetCipher(cipherID)
	if err != nil {
		return nil, err
	}
	key := make([]byte, cipher.KeySize())
	if _, err := rand.Read(key); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "generate database cipher key")
	}
	wrapped, err := inst.wrapKey(key)
	if err != nil {
		return nil, err
	}

	id := inst.nextDatabaseID
	inst.nextDatabaseID++
	dbUUID := uuid.New()
	dataDir := filepath.Join(inst.opt.DataDir, dbUUID.String())
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "create database directory")
	}

	rec := &databaseRecord{
		ID: id, UUID: dbUUID, Name: name, Description: description,
		CipherID: cipherID, WrappedCipherKey: wrapped, DataDir: dataDir,
		Tables: make(map[string]*TableMeta),
	}
	db := &Database{rec: rec, inst: inst, cipherKey: key, open: make(map[uint32]*table.Table)}
	inst.databases[id] = db
	inst.databasesByName[name] = id

	if err := inst.saveCatalogLocked(); err != nil {
		delete(inst.databases, id)
		delete(inst.databasesByName, name)
		return nil, err
	}
	return db, nil
}

// DropDatabase closes and removes a database from the catalog. Its data
// directory is left on disk.
func (inst *Instance) DropDatabase(currentUserID uint32, name string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	id, ok := inst.databasesByName[name]
	if !ok {
		return dberr.Newf(dberr.NotFound, "database %q does not exist", name)
	}
	if err := inst.requireAuthorizedLocked(currentUserID, id, "database", 0, PermDrop); err != nil {
		return err
	}
	db := inst.databases[id]
	if err := db.Close(); err != nil {
		return err
	}
	delete(inst.databases, id)
	delete(inst.databasesByName, name)
	return inst.saveCatalogLocked()
}

// RenameDatabase changes a database's catalog name.
func (inst *Instance) RenameDatabase(currentUserID uint32, oldName, newName string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	id, ok := inst.databasesByName[oldName]
	if !ok {
		return dberr.Newf(dberr.NotFound, "database %q does not exist", oldName)
	}
	if err := inst.requireAuthorizedLocked(currentUserID, id, "database", 0, PermUpdate); err != nil {
		return err
	}
	if _, exists := inst.databasesByName[newName]; exists {
		return dberr.Newf(dberr.Conflict, "database %q already exists", newName)
	}
	db := inst.databases[id]
	db.rec.Name = newName
	delete(inst.databasesByName, oldName)
	inst.databasesByName[newName] = id
	return inst.saveCatalogLocked()
}

// FindDatabaseByName looks up a database by name.
func (inst *Instance) FindDatabaseByName(name string) (*Database, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	id, ok := inst.databasesByName[name]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "database %q does not exist", name)
	}
	return inst.databases[id], nil
}

// FindDatabaseByID looks up a database by ID.
func (inst *Instance) FindDatabaseByID(id uint32) (*Database, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	db, ok := inst.databases[id]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "database %d does not exist", id)
	}
	return db, nil
}

// ListDatabaseNames returns every database name in the catalog, sorted.
func (inst *Instance) ListDatabaseNames() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	names := make([]string, 0, len(inst.databasesByName))
	for name := range inst.databasesByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTableNames returns every table name in this database, sorted.
func (d *Database) ListTableNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.rec.Tables))
	for name := range d.rec.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UseDatabase resolves name to a Database the caller is authorized to
// select from, the entry point a connection handler calls on "USE
// DATABASE <name>".
func (inst *Instance) UseDatabase(currentUserID uint32, name string) (*Database, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	id, ok := inst.databasesByName[name]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "database %q does not exist", name)
	}
	if err := inst.requireAuthorizedLocked(currentUserID, id, "database", 0, PermSelect); err != nil {
		return nil, err
	}
	return inst.databases[id], nil
}

// saveCatalog acquires the instance mutex and flushes the catalog. It
// exists so Database methods (which run under their own, narrower mutex)
// can persist catalog changes without reaching into Instance's lock
// directly.
func (inst *Instance) saveCatalog() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.saveCatalogLocked()
}
