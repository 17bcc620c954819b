package request

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/engine"
)

func TestKindStringCoversEveryVariant(t *testing.T) {
	variants := []Request{
		NewSelect(1, "db", "t", nil, nil),
		NewInsert(1, "db", "t", nil),
		NewUpdate(1, "db", "t", 0, nil),
		NewDelete(1, "db", "t", 0),
		NewCreateTable(1, "db", "t", nil),
		NewDropTable(1, "db", "t"),
		NewCreateDatabase(1, "db", "", "aes128"),
		NewDropDatabase(1, "db"),
		NewGetDatabases(1),
		NewGetTables(1, "db"),
		NewGetAllRows(1, "db", "t"),
		NewGetSingleRow(1, "db", "t", 0),
		NewGetSqlQueryRows(1, nil),
		NewPostRows(1, "db", "t", nil),
		NewDeleteRow(1, "db", "t", 0),
		NewPatchRow(1, "db", "t", 0, nil),
	}
	for _, v := range variants {
		require.NotEqual(t, "Unknown", v.Kind().String())
		require.EqualValues(t, 1, v.UserID())
	}
}

func TestRequiredPermissionMatchesRequestIntent(t *testing.T) {
	require.Equal(t, engine.PermSelect, RequiredPermission(NewSelect(1, "db", "t", nil, nil)))
	require.Equal(t, engine.PermInsert, RequiredPermission(NewPostRows(1, "db", "t", nil)))
	require.Equal(t, engine.PermUpdate, RequiredPermission(NewPatchRow(1, "db", "t", 0, nil)))
	require.Equal(t, engine.PermDelete, RequiredPermission(NewDeleteRow(1, "db", "t", 0)))
	require.Equal(t, engine.PermCreate, RequiredPermission(NewCreateDatabase(1, "db", "", "aes128")))
	require.Equal(t, engine.PermDrop, RequiredPermission(NewDropTable(1, "db", "t")))
}

func TestUnknownKindString(t *testing.T) {
	require.Equal(t, "Unknown", Kind(0).String())
}
