package executor

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/request"
	"github.com/latticedb/lattice/storage/table"
)

func newTestInstance(t *testing.T) *engine.Instance {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	inst, err := engine.Bootstrap(engine.Options{
		DataDir:             filepath.Join(t.TempDir(), "instance"),
		CipherID:            "aes128",
		MasterKey:           make([]byte, 32),
		InitialSuperuserKey: pub,
		DataAreaSize:        4096,
		OpenBlockCache:      8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst
}

func TestExecutorCreatesDatabaseAndTableThenInsertsAndReads(t *testing.T) {
	inst := newTestInstance(t)
	ex := New(inst)
	ctx := context.Background()

	_, err := ex.Handle(ctx, request.NewCreateDatabase(engine.SuperuserID, "appdb", "", "aes128"))
	require.NoError(t, err)

	_, err = ex.Handle(ctx, request.NewCreateTable(engine.SuperuserID, "appdb", "widgets", []uint64{1, 2}))
	require.NoError(t, err)

	tridVal, err := ex.Handle(ctx, request.NewInsert(engine.SuperuserID, "appdb", "widgets", request.Row{1: []byte("a"), 2: []byte("b")}))
	require.NoError(t, err)
	trid := tridVal.(uint64)
	require.Equal(t, uint64(1), trid)

	rowVal, err := ex.Handle(ctx, request.NewGetSingleRow(engine.SuperuserID, "appdb", "widgets", trid))
	require.NoError(t, err)
	row := rowVal.(table.Row)
	require.Equal(t, []byte("a"), row.Values[1])
	require.Equal(t, []byte("b"), row.Values[2])
}

func TestExecutorUpdateThenDeleteRow(t *testing.T) {
	inst := newTestInstance(t)
	ex := New(inst)
	ctx := context.Background()

	_, err := ex.Handle(ctx, request.NewCreateDatabase(engine.SuperuserID, "appdb", "", "aes128"))
	require.NoError(t, err)
	_, err = ex.Handle(ctx, request.NewCreateTable(engine.SuperuserID, "appdb", "widgets", []uint64{1}))
	require.NoError(t, err)
	tridVal, err := ex.Handle(ctx, request.NewInsert(engine.SuperuserID, "appdb", "widgets", request.Row{1: []byte("a")}))
	require.NoError(t, err)
	trid := tridVal.(uint64)

	_, err = ex.Handle(ctx, request.NewUpdate(engine.SuperuserID, "appdb", "widgets", trid, request.Row{1: []byte("z")}))
	require.NoError(t, err)

	rowVal, err := ex.Handle(ctx, request.NewGetSingleRow(engine.SuperuserID, "appdb", "widgets", trid))
	require.NoError(t, err)
	require.Equal(t, []byte("z"), rowVal.(table.Row).Values[1])

	_, err = ex.Handle(ctx, request.NewDeleteRow(engine.SuperuserID, "appdb", "widgets", trid))
	require.NoError(t, err)

	_, err = ex.Handle(ctx, request.NewGetSingleRow(engine.SuperuserID, "appdb", "widgets", trid))
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.CodeOf(err))
}

func TestExecutorGetDatabasesAndGetTables(t *testing.T) {
	inst := newTestInstance(t)
	ex := New(inst)
	ctx := context.Background()

	_, err := ex.Handle(ctx, request.NewCreateDatabase(engine.SuperuserID, "appdb", "", "aes128"))
	require.NoError(t, err)
	_, err = ex.Handle(ctx, request.NewCreateTable(engine.SuperuserID, "appdb", "widgets", []uint64{1}))
	require.NoError(t, err)

	dbsVal, err := ex.Handle(ctx, request.NewGetDatabases(engine.SuperuserID))
	require.NoError(t, err)
	require.Equal(t, []string{"appdb"}, dbsVal.([]string))

	tablesVal, err := ex.Handle(ctx, request.NewGetTables(engine.SuperuserID, "appdb"))
	require.NoError(t, err)
	require.Equal(t, []string{"widgets"}, tablesVal.([]string))
}

func TestExecutorPostRowsInsertsEachRow(t *testing.T) {
	inst := newTestInstance(t)
	ex := New(inst)
	ctx := context.Background()

	_, err := ex.Handle(ctx, request.NewCreateDatabase(engine.SuperuserID, "appdb", "", "aes128"))
	require.NoError(t, err)
	_, err = ex.Handle(ctx, request.NewCreateTable(engine.SuperuserID, "appdb", "widgets", []uint64{1}))
	require.NoError(t, err)

	tridsVal, err := ex.Handle(ctx, request.NewPostRows(engine.SuperuserID, "appdb", "widgets", []request.Row{
		{1: []byte("a")},
		{1: []byte("b")},
	}))
	require.NoError(t, err)
	require.Len(t, tridsVal.([]uint64), 2)

	rowsVal, err := ex.Handle(ctx, request.NewGetAllRows(engine.SuperuserID, "appdb", "widgets"))
	require.NoError(t, err)
	require.Len(t, rowsVal.([]table.Row), 2)
}

func TestExecutorRejectsUnknownTable(t *testing.T) {
	inst := newTestInstance(t)
	ex := New(inst)
	ctx := context.Background()

	_, err := ex.Handle(ctx, request.NewCreateDatabase(engine.SuperuserID, "appdb", "", "aes128"))
	require.NoError(t, err)

	_, err = ex.Handle(ctx, request.NewGetAllRows(engine.SuperuserID, "appdb", "missing"))
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.CodeOf(err))
}
