package engine

import (
	"github.com/latticedb/lattice/dberr"
)

// Permission bits. A user holds a permission iff some granted Permission
// record's bits are a superset of the bits being checked and that
// record's database/object scoping covers the object in question.
const (
	PermSelect uint64 = 1 << iota
	PermInsert
	PermUpdate
	PermDelete
	PermCreate
	PermDrop
	PermGrant
)

// AccessKey is public-key material a User authenticates with by proving
// possession of the matching private key: a signature over a challenge
// that the caller supplies along with it.
type AccessKey struct {
	ID          uint64
	Name        string
	Text        string // public-key material
	Description string
	Active      bool
}

// Token is an opaque bearer credential a User authenticates with by
// presenting its raw value. ExpirationTS of zero means "never expires".
type Token struct {
	ID           uint64
	Name         string
	Value        []byte
	ExpirationTS uint64
	Description  string
}

func (t Token) expired(now uint64) bool {
	return t.ExpirationTS != 0 && now >= t.ExpirationTS
}

// Permission grants userID permissionBits on (databaseID, objectType,
// objectID). DatabaseID == 0 and/or ObjectID == 0 encode "any/all".
type Permission struct {
	UserID          uint32
	DatabaseID      uint32
	ObjectType      string
	ObjectID        uint64
	PermissionBits  uint64
	WithGrantOption bool
}

// User is one authenticatable principal: its access keys, bearer tokens,
// and granted permissions.
type User struct {
	ID          uint32
	Name        string
	RealName    string
	Description string
	Active      bool
	AccessKeys  []AccessKey
	Tokens      []Token
	Permissions []Permission
}

func (inst *Instance) hasPermissionLocked(userID, dbID uint32, objType string, objID uint64, bits uint64) bool {
	if userID == SuperuserID {
		return true
	}
	u, ok := inst.users[userID]
	if !ok || !u.Active {
		return false
	}
	for _, p := range u.Permissions {
		if p.PermissionBits&bits != bits {
			continue
		}
		if p.DatabaseID != 0 && p.DatabaseID != dbID {
			continue
		}
		if p.ObjectID != 0 && (p.ObjectType != objType || p.ObjectID != objID) {
			continue
		}
		return true
	}
	return false
}

func (inst *Instance) requireAuthorizedLocked(currentUserID, dbID uint32, objType string, objID uint64, bits uint64) error {
	if !inst.hasPermissionLocked(currentUserID, dbID, objType, objID, bits) {
		return dberr.New(dberr.PermissionDenied, "caller lacks the required permission")
	}
	return nil
}

// HasPermission reports whether userID holds permissionBits on the given
// object, honouring wildcard scoping and the superuser bypass.
func (inst *Instance) HasPermission(userID, dbID uint32, objType string, objID uint64, bits uint64) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.hasPermissionLocked(userID, dbID, objType, objID, bits)
}

func (inst *Instance) findUserByNameLocked(name string) (*User, error) {
	id, ok := inst.usersByName[name]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "user %q does not exist", name)
	}
	return inst.users[id], nil
}

// FindUserByName looks up a user by name.
func (inst *Instance) FindUserByName(name string) (*User, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.findUserByNameLocked(name)
}

// FindUserByID looks up a user by ID.
func (inst *Instance) FindUserByID(id uint32) (*User, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	u, ok := inst.users[id]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "user %d does not exist", id)
	}
	return u, nil
}

// CreateUser creates a new, initially active user with no access keys,
// tokens or permissions.
func (inst *Instance) CreateUser(currentUserID uint32, name, realName, description string) (*User, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, 0, "user", 0, PermCreate); err != nil {
		return nil, err
	}
	if _, exists := inst.usersByName[name]; exists {
		return nil, dberr.Newf(dberr.Conflict, "user %q already exists", name)
	}

	id := inst.nextUserID
	inst.nextUserID++
	u := &User{ID: id, Name: name, RealName: realName, Description: description, Active: true}
	inst.users[id] = u
	inst.usersByName[name] = id
	if err := inst.saveCatalogLocked(); err != nil {
		return nil, err
	}
	return u, nil
}

// DropUser removes a user. The superuser cannot be dropped.
func (inst *Instance) DropUser(currentUserID uint32, name string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, 0, "user", 0, PermDrop); err != nil {
		return err
	}
	u, err := inst.findUserByNameLocked(name)
	if err != nil {
		return err
	}
	if u.ID == SuperuserID {
		return dberr.New(dberr.PermissionDenied, "the superuser cannot be dropped")
	}
	delete(inst.users, u.ID)
	delete(inst.usersByName, name)
	return inst.saveCatalogLocked()
}

func maxAccessKeyID(u *User) uint64 {
	var m uint64
	for _, k := range u.AccessKeys {
		if k.ID > m {
			m = k.ID
		}
	}
	return m
}

func maxTokenID(u *User) uint64 {
	var m uint64
	for _, t := range u.Tokens {
		if t.ID > m {
			m = t.ID
		}
	}
	return m
}

// CreateAccessKey adds an active access key to userID.
func (inst *Instance) CreateAccessKey(currentUserID, userID uint32, name, text, description string) (*AccessKey, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, 0, "user", uint64(userID), PermCreate); err != nil {
		return nil, err
	}
	u, ok := inst.users[userID]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "user %d does not exist", userID)
	}
	key := AccessKey{ID: maxAccessKeyID(u) + 1, Name: name, Text: text, Description: description, Active: true}
	u.AccessKeys = append(u.AccessKeys, key)
	if err := inst.saveCatalogLocked(); err != nil {
		return nil, err
	}
	return &key, nil
}

// CreateToken adds a bearer token to userID. expirationTS of zero means
// the token never expires.
func (inst *Instance) CreateToken(currentUserID, userID uint32, name string, value []byte, expirationTS uint64, description string) (*Token, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, 0, "user", uint64(userID), PermCreate); err != nil {
		return nil, err
	}
	u, ok := inst.users[userID]
	if !ok {
		return nil, dberr.Newf(dberr.NotFound, "user %d does not exist", userID)
	}
	tok := Token{ID: maxTokenID(u) + 1, Name: name, Value: value, ExpirationTS: expirationTS, Description: description}
	u.Tokens = append(u.Tokens, tok)
	if err := inst.saveCatalogLocked(); err != nil {
		return nil, err
	}
	return &tok, nil
}

// GrantPermission appends p to its user's permission list. The caller
// must hold PermGrant over p's scope (the superuser always qualifies);
// whether the caller holds p's own bits, with or without grant option,
// is not checked.
func (inst *Instance) GrantPermission(currentUserID uint32, p Permission) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, p.DatabaseID, p.ObjectType, p.ObjectID, PermGrant); err != nil {
		return err
	}
	u, ok := inst.users[p.UserID]
	if !ok {
		return dberr.Newf(dberr.NotFound, "user %d does not exist", p.UserID)
	}
	u.Permissions = append(u.Permissions, p)
	return inst.saveCatalogLocked()
}

// RevokePermission removes every permission record equal to p.
func (inst *Instance) RevokePermission(currentUserID uint32, p Permission) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.requireAuthorizedLocked(currentUserID, p.DatabaseID, p.ObjectType, p.ObjectID, PermGrant); err != nil {
		return err
	}
	u, ok := inst.users[p.UserID]
	if !ok {
		return dberr.Newf(dberr.NotFound, "user %d does not exist", p.UserID)
	}
	out := u.Permissions[:0]
	for _, existing := range u.Permissions {
		if existing != p {
			out = append(out, existing)
		}
	}
	u.Permissions = out
	return inst.saveCatalogLocked()
}
