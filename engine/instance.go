// Package engine implements the Instance: the top-level object owning the
// set of Databases and Users, the master cipher that wraps every
// database's own cipher key, and the Sessions opened against it. It also
// carries authentication and permission checks, since both are instance-
// wide concerns rather than per-database ones.
package engine

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/internal/xcipher"
	"github.com/latticedb/lattice/log"
)

// SuperuserID is the fixed, non-droppable superuser account created on
// bootstrap. It bypasses every permission check.
const SuperuserID uint32 = 1

// SuperuserName is the account name bootstrapped for SuperuserID.
const SuperuserName = "root"

const (
	metadataFileName    = "instance_metadata"
	initializedFlagFile = "initialized"
	systemSubdir        = "system"
	instanceLockFile    = ".lock"
	catalogFileName     = "catalog.json"
)

// CurrentMetadataVersion is the only instance_metadata version this
// package knows how to load.
const CurrentMetadataVersion uint32 = 1

// Options configures a new or reopened Instance.
type Options struct {
	DataDir string

	// CipherID names the default cipher new databases are created with
	// (e.g. "aes128"); MasterKey wraps every database's own cipher key
	// with AES-GCM and must be 16, 24 or 32 bytes, whatever CipherID is.
	CipherID  string
	MasterKey []byte

	// InitialSuperuserKey is the ed25519 public key material for the
	// superuser's sole access key, consumed only by Bootstrap.
	InitialSuperuserKey []byte

	DataAreaSize   uint32
	OpenBlockCache int

	Logger log.Logger
}

// Instance owns the Database and User registries plus the Session table.
// Instance metadata, the user registry and the database registry are
// guarded by a single instance-wide mutex (mu); each Database additionally
// guards its own table/column registries and ID generators.
type Instance struct {
	opt            Options
	lock           *flock.Flock
	cipherProvider *xcipher.Provider
	log            log.Logger

	mu              sync.Mutex
	users           map[uint32]*User
	usersByName     map[string]uint32
	nextUserID      uint32
	databases       map[uint32]*Database
	databasesByName map[string]uint32
	nextDatabaseID  uint32

	sessMu   sync.Mutex
	sessions map[uuid.UUID]*Session
}

// Bootstrap creates a brand-new instance at opt.DataDir: the directory
// layout, the instance metadata file, the system database directory, and
// a superuser (id 1, name "root") whose sole access key is
// opt.InitialSuperuserKey. The initialized flag is written last, after
// every other step has succeeded, so a crash mid-bootstrap leaves the
// directory looking like "needs create" on the next Open rather than like
// a half-built instance.
func Bootstrap(opt Options) (*Instance, error) {
	if len(opt.MasterKey) == 0 {
		return nil, dberr.New(dberr.InvalidArgument, "master key is required")
	}
	if len(opt.InitialSuperuserKey) != ed25519.PublicKeySize {
		return nil, dberr.Newf(dberr.InvalidArgument, "initial superuser key must be %d bytes", ed25519.PublicKeySize)
	}
	if err := os.MkdirAll(opt.DataDir, 0o750); err != nil {
		return nil, dberr.Wrap(dberr.IoError, err, "create instance data directory")
	}

	lock := flock.New(filepath.Join(opt.DataDir, instanceLockFile))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return nil, dberr.New(dberr.Conflict, "instance data directory is locked by another process")
	}

	if _, err := os.Stat(filepath.Join(opt.DataDir, initializedFlagFile)); err == nil {
		lock.Unlock()
		return nil, dberr.New(dberr.AlreadyExists, "instance already initialized")
	}
	if err := os.MkdirAll(filepath.Join(opt.DataDir, systemSubdir), 0o750); err != nil {
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "create system database directory")
	}
	if err := writeMetadataFile(opt.DataDir); err != nil {
		lock.Unlock()
		return nil, err
	}

	lg := opt.Logger
	if lg == nil {
		lg = log.Root()
	}

	inst := &Instance{
		opt:             opt,
		lock:            lock,
		cipherProvider:  xcipher.NewProvider(),
		log:             lg,
		users:           make(map[uint32]*User),
		usersByName:     make(map[string]uint32),
		databases:       make(map[uint32]*Database),
		databasesByName: make(map[string]uint32),
		nextDatabaseID:  1,
		sessions:        make(map[uuid.UUID]*Session),
	}

	superuser := &User{
		ID:     SuperuserID,
		Name:   SuperuserName,
		Active: true,
		AccessKeys: []AccessKey{
			{ID: 1, Name: "initial", Text: string(opt.InitialSuperuserKey), Active: true},
		},
	}
	inst.users[SuperuserID] = superuser
	inst.usersByName[SuperuserName] = SuperuserID
	inst.nextUserID = SuperuserID + 1

	if err := inst.saveCatalogLocked(); err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(opt.DataDir, initializedFlagFile), []byte{}, 0o640); err != nil {
		lock.Unlock()
		return nil, dberr.Wrap(dberr.IoError, err, "write initialized flag")
	}

	inst.log.Info("instance bootstrapped", "data_dir", opt.DataDir)
	return inst, nil
}

// Open loads an existing instance, refusing to load if the initialized
// flag is missing or the metadata file's version is unrecognized.
func Open(opt Options) (*Instance, error) {
	if _, err := os.Stat(filepath.Join(opt.DataDir, initializedFlagFile)); err != nil {
		return nil, dberr.New(dberr.NotFound, "instance is not initialized")
	}
	version, err := readMetadataFile(opt.DataDir)
	if err != nil {
		return nil, err
	}
	if version != CurrentMetadataVersion {
		return nil, dberr.Newf(dberr.Corrupt, "instance metadata version %d is not supported", version)
	}

	lock := flock.New(filepath.Join(opt.DataDir, instanceLockFile))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return nil, dberr.New(dberr.Conflict, "instance data directory is locked by another process")
	}

	lg := opt.Logger
	if lg == nil {
		lg = log.Root()
	}

	inst := &Instance{
		opt:             opt,
		lock:            lock,
		cipherProvider:  xcipher.NewProvider(),
		log:             lg,
		users:           make(map[uint32]*User),
		usersByName:     make(map[string]uint32),
		databases:       make(map[uint32]*Database),
		databasesByName: make(map[string]uint32),
		sessions:        make(map[uuid.UUID]*Session),
	}

	inst.mu.Lock()
	err = inst.loadCatalogLocked()
	inst.mu.Unlock()
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	inst.log.Info("instance opened", "data_dir", opt.DataDir, "databases", len(inst.databases), "users", len(inst.users))
	return inst, nil
}

// Close flushes the catalog, closes every open Database, and releases the
// instance-directory lock.
func (inst *Instance) Close() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var firstErr error
	for _, db := range inst.databases {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := inst.saveCatalogLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := inst.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = dberr.Wrap(dberr.IoError, err, "release instance lock")
	}
	return firstErr
}

func writeMetadataFile(dataDir string) error {
	var buf [4]byte
	pbe.PutUint32(buf[:], CurrentMetadataVersion)
	if err := os.WriteFile(filepath.Join(dataDir, metadataFileName), buf[:], 0o640); err != nil {
		return dberr.Wrap(dberr.IoError, err, "write instance metadata")
	}
	return nil
}

func readMetadataFile(dataDir string) (uint32, error) {
	buf, err := os.ReadFile(filepath.Join(dataDir, metadataFileName))
	if err != nil {
		return 0, dberr.Wrap(dberr.IoError, err, "read instance metadata")
	}
	if len(buf) != 4 {
		return 0, dberr.New(dberr.Corrupt, "instance metadata file has unexpected size")
	}
	return pbe.GetUint32(buf), nil
}
