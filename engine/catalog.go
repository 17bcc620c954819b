package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/storage/table"
)

// databaseSnapshot is a Database's on-disk representation in the
// catalog file; it excludes the in-memory-only cipher key and open
// table handles.
type databaseSnapshot struct {
	ID               uint32
	UUID             uuid.UUID
	Name             string
	Description      string
	CipherID         string
	WrappedCipherKey []byte
	DataDir          string
	Tables           []*TableMeta
	NextTableID      uint32
}

type catalogSnapshot struct {
	NextUserID     uint32
	NextDatabaseID uint32
	Users          []*User
	Databases      []*databaseSnapshot
}

func (inst *Instance) catalogPath() string {
	return filepath.Join(inst.opt.DataDir, systemSubdir, catalogFileName)
}

// saveCatalogLocked serializes the full catalog (users, databases, ID
// counters) to a JSON file, writing to a temp file and renaming into
// place so a crash mid-write never leaves a truncated catalog behind.
func (inst *Instance) saveCatalogLocked() error {
	snap := catalogSnapshot{NextUserID: inst.nextUserID, NextDatabaseID: inst.nextDatabaseID}
	for _, u := range inst.users {
		snap.Users = append(snap.Users, u)
	}
	for _, db := range inst.databases {
		db.mu.Lock()
		tables := make([]*TableMeta, 0, len(db.rec.Tables))
		for _, tm := range db.rec.Tables {
			tables = append(tables, tm)
		}
		ds := &databaseSnapshot{
			ID: db.rec.ID, UUID: db.rec.UUID, Name: db.rec.Name, Description: db.rec.Description,
			CipherID: db.rec.CipherID, WrappedCipherKey: db.rec.WrappedCipherKey, DataDir: db.rec.DataDir,
			Tables: tables, NextTableID: db.rec.NextTableID,
		}
		db.mu.Unlock()
		snap.Databases = append(snap.Databases, ds)
	}

	buf, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return dberr.Wrap(dberr.IoError, err, "marshal catalog")
	}
	tmp := inst.catalogPath() + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o640); err != nil {
		return dberr.Wrap(dberr.IoError, err, "write catalog")
	}
	if err := os.Rename(tmp, inst.catalogPath()); err != nil {
		return dberr.Wrap(dberr.IoError, err, "rename catalog into place")
	}
	return nil
}

// loadCatalogLocked reads the catalog file and repopulates the user and
// database registries, unwrapping each database's cipher key with the
// instance master key.
func (inst *Instance) loadCatalogLocked() error {
	buf, err := os.ReadFile(inst.catalogPath())
	if err != nil {
		return dberr.Wrap(dberr.IoError, err, "read catalog")
	}
	var snap catalogSnapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return dberr.Wrap(dberr.Corrupt, err, "parse catalog")
	}

	inst.nextUserID = snap.NextUserID
	inst.nextDatabaseID = snap.NextDatabaseID
	for _, u := range snap.Users {
		inst.users[u.ID] = u
		inst.usersByName[u.Name] = u.ID
	}
	for _, ds := range snap.Databases {
		tables := make(map[string]*TableMeta, len(ds.Tables))
		for _, tm := range ds.Tables {
			tables[tm.Name] = tm
		}
		rec := &databaseRecord{
			ID: ds.ID, UUID: ds.UUID, Name: ds.Name, Description: ds.Description,
			CipherID: ds.CipherID, WrappedCipherKey: ds.WrappedCipherKey, DataDir: ds.DataDir,
			Tables: tables, NextTableID: ds.NextTableID,
		}
		key, err := inst.unwrapKey(rec.WrappedCipherKey)
		if err != nil {
			return err
		}
		db := &Database{rec: rec, inst: inst, cipherKey: key, open: make(map[uint32]*table.Table)}
		inst.databases[rec.ID] = db
		inst.databasesByName[rec.Name] = rec.ID
	}
	return nil
}
