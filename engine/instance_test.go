package engine

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/dberr"
)

func testOpts(t *testing.T) (Options, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return Options{
		DataDir:             filepath.Join(t.TempDir(), "instance"),
		CipherID:            "aes128",
		MasterKey:           make([]byte, 32), // aes256 master key
		InitialSuperuserKey: pub,
		DataAreaSize:        4096,
		OpenBlockCache:      8,
	}, pub, priv
}

func TestBootstrapThenOpenRoundtrip(t *testing.T) {
	opts, _, _ := testOpts(t)

	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	require.NoError(t, inst.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	u, err := reopened.FindUserByName(SuperuserName)
	require.NoError(t, err)
	require.Equal(t, SuperuserID, u.ID)
	require.Len(t, u.AccessKeys, 1)
}

func TestBootstrapTwiceFails(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	require.NoError(t, inst.Close())

	_, err = Bootstrap(opts)
	require.Error(t, err)
}

func TestOpenRefusesUninitialized(t *testing.T) {
	opts, _, _ := testOpts(t)
	_, err := Open(opts)
	require.Error(t, err)
}

func TestSuperuserAuthenticatesWithSignature(t *testing.T) {
	opts, _, priv := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	challenge := []byte("login-challenge")
	sig := ed25519.Sign(priv, challenge)

	userID, sessUUID, err := inst.AuthenticateUserWithSignature(SuperuserName, challenge, sig)
	require.NoError(t, err)
	require.Equal(t, SuperuserID, userID)

	sess, err := inst.FindSession(sessUUID)
	require.NoError(t, err)
	require.Equal(t, SuperuserID, sess.UserID)
}

func TestAuthenticationFailsUniformlyForUnknownUser(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	_, _, err = inst.AuthenticateUserWithSignature("nobody", []byte("x"), []byte("y"))
	require.Error(t, err)
	require.Equal(t, dberr.Unauthenticated, dberr.CodeOf(err))
}

func TestAuthenticateWithTokenHonoursExpiration(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	tok, err := inst.CreateToken(SuperuserID, SuperuserID, "cli", []byte("sekret"), 100, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, tok.ID)

	_, _, err = inst.AuthenticateUserWithToken(SuperuserName, []byte("sekret"), 50)
	require.NoError(t, err)

	_, _, err = inst.AuthenticateUserWithToken(SuperuserName, []byte("sekret"), 200)
	require.Error(t, err)

	_, _, err = inst.AuthenticateUserWithToken(SuperuserName, []byte("wrong"), 50)
	require.Error(t, err)
}

func TestCreateUserRequiresPermission(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	plain, err := inst.CreateUser(SuperuserID, "alice", "Alice", "")
	require.NoError(t, err)
	require.False(t, inst.HasPermission(plain.ID, 0, "user", 0, PermCreate))

	_, err = inst.CreateUser(plain.ID, "bob", "Bob", "")
	require.Error(t, err)
	require.Equal(t, dberr.PermissionDenied, dberr.CodeOf(err))
}

func TestGrantPermissionEnablesWildcardAccess(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	alice, err := inst.CreateUser(SuperuserID, "alice", "Alice", "")
	require.NoError(t, err)

	require.NoError(t, inst.GrantPermission(SuperuserID, Permission{
		UserID: alice.ID, DatabaseID: 0, ObjectType: "database", ObjectID: 0, PermissionBits: PermCreate,
	}))
	require.True(t, inst.HasPermission(alice.ID, 7, "database", 0, PermCreate))
}

func TestCreateDatabaseAndTableRoundtrip(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	db, err := inst.CreateDatabase(SuperuserID, "appdb", "", "aes128")
	require.NoError(t, err)

	meta, err := db.CreateTable("widgets", []uint64{1, 2})
	require.NoError(t, err)
	require.EqualValues(t, 0, meta.ID)

	tbl, err := db.OpenTable("widgets")
	require.NoError(t, err)
	trid, err := tbl.Insert(SuperuserID, 1, map[uint64][]byte{1: []byte("a"), 2: []byte("b")})
	require.NoError(t, err)

	row, err := tbl.ReadRow(trid)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), row.Values[1])
}

func TestCreateDatabaseSurvivesRestart(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)

	db, err := inst.CreateDatabase(SuperuserID, "appdb", "", "aes128")
	require.NoError(t, err)
	_, err = db.CreateTable("widgets", []uint64{1})
	require.NoError(t, err)
	require.NoError(t, inst.Close())

	reopened, err := Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	db2, err := reopened.FindDatabaseByName("appdb")
	require.NoError(t, err)
	tbl, err := db2.OpenTable("widgets")
	require.NoError(t, err)
	_, err = tbl.Insert(SuperuserID, 1, map[uint64][]byte{1: []byte("z")})
	require.NoError(t, err)
}

func TestDropUserRejectsSuperuser(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	err = inst.DropUser(SuperuserID, SuperuserName)
	require.Error(t, err)
}

func TestBeginAndEndSession(t *testing.T) {
	opts, _, _ := testOpts(t)
	inst, err := Bootstrap(opts)
	require.NoError(t, err)
	defer inst.Close()

	sess := inst.BeginSession(SuperuserID)
	_, err = inst.FindSession(sess.UUID)
	require.NoError(t, err)

	require.NoError(t, inst.EndSession(sess.UUID))
	_, err = inst.FindSession(sess.UUID)
	require.Error(t, err)
	require.Error(t, inst.EndSession(sess.UUID))
}
