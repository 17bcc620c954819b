// Package executor implements dispatch.Handler against an *engine.Instance:
// the type switch an executor thread runs once the dispatcher hands it a
// tagged request.Request, translating each variant into the Database/Table
// calls that actually read or mutate storage.
package executor

import (
	"context"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/request"
	"github.com/latticedb/lattice/storage/table"
)

// Executor holds the single *engine.Instance an executor pool runs
// requests against.
type Executor struct {
	inst *engine.Instance
}

func New(inst *engine.Instance) *Executor { return &Executor{inst: inst} }

// Handle matches dispatch.Handler's signature; pass e.Handle to
// dispatch.New as the pool's handler function.
func (e *Executor) Handle(ctx context.Context, req request.Request) (interface{}, error) {
	if err := e.authorize(req); err != nil {
		return nil, err
	}
	switch r := req.(type) {
	case *request.Select:
		return e.handleSelect(r)
	case *request.Insert:
		return e.handleInsert(r)
	case *request.Update:
		return e.handleUpdate(r)
	case *request.Delete:
		return e.handleDelete(r)
	case *request.CreateTable:
		return e.handleCreateTable(r)
	case *request.DropTable:
		return e.handleDropTable(r)
	case *request.CreateDatabase:
		return e.handleCreateDatabase(r)
	case *request.DropDatabase:
		return e.handleDropDatabase(r)
	case *request.GetDatabases:
		return e.inst.ListDatabaseNames(), nil
	case *request.GetTables:
		return e.handleGetTables(r)
	case *request.GetAllRows:
		return e.handleGetAllRows(r)
	case *request.GetSingleRow:
		return e.handleGetSingleRow(r)
	case *request.GetSqlQueryRows:
		return nil, dberr.New(dberr.InvalidArgument, "SQL query execution requires a translated Select request")
	case *request.PostRows:
		return e.handlePostRows(r)
	case *request.DeleteRow:
		return e.handleDeleteRow(r)
	case *request.PatchRow:
		return e.handlePatchRow(r)
	default:
		return nil, dberr.Newf(dberr.InvalidArgument, "unhandled request kind %s", req.Kind())
	}
}

// authorize enforces the one instance-wide permission check every request
// needs before the executor touches storage. It asks
// engine.Instance.HasPermission with database ID 0 and object ID 0, so
// only a grant with both IDs 0 satisfies it; a grant scoped to one
// database or one object (e.g. a specific table grant) does not.
func (e *Executor) authorize(req request.Request) error {
	bits := request.RequiredPermission(req)
	if bits == 0 {
		return nil
	}
	if !e.inst.HasPermission(req.UserID(), 0, "", 0, bits) {
		return dberr.New(dberr.PermissionDenied, "caller lacks the required permission")
	}
	return nil
}

func (e *Executor) openTable(dbName, tableName string) (*table.Table, error) {
	db, err := e.inst.FindDatabaseByName(dbName)
	if err != nil {
		return nil, err
	}
	return db.OpenTable(tableName)
}

func (e *Executor) handleSelect(r *request.Select) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	rows, err := tbl.AllRows()
	if err != nil {
		return nil, err
	}
	return projectRows(rows, r.Columns), nil
}

func (e *Executor) handleInsert(r *request.Insert) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return tbl.Insert(uint64(r.UserID()), 0, r.Values)
}

func (e *Executor) handleUpdate(r *request.Update) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return nil, tbl.Update(uint64(r.UserID()), 0, r.TRID, r.Values)
}

func (e *Executor) handleDelete(r *request.Delete) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return nil, tbl.Delete(uint64(r.UserID()), 0, r.TRID)
}

func (e *Executor) handleCreateTable(r *request.CreateTable) (interface{}, error) {
	db, err := e.inst.FindDatabaseByName(r.Database)
	if err != nil {
		return nil, err
	}
	return db.CreateTable(r.Table, r.ColumnIDs)
}

func (e *Executor) handleDropTable(r *request.DropTable) (interface{}, error) {
	db, err := e.inst.FindDatabaseByName(r.Database)
	if err != nil {
		return nil, err
	}
	return nil, db.DropTable(r.Table)
}

func (e *Executor) handleCreateDatabase(r *request.CreateDatabase) (interface{}, error) {
	return e.inst.CreateDatabase(r.UserID(), r.Name, r.Description, r.CipherID)
}

func (e *Executor) handleDropDatabase(r *request.DropDatabase) (interface{}, error) {
	return nil, e.inst.DropDatabase(r.UserID(), r.Name)
}

func (e *Executor) handleGetTables(r *request.GetTables) (interface{}, error) {
	db, err := e.inst.FindDatabaseByName(r.Database)
	if err != nil {
		return nil, err
	}
	return db.ListTableNames(), nil
}

func (e *Executor) handleGetAllRows(r *request.GetAllRows) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return tbl.AllRows()
}

func (e *Executor) handleGetSingleRow(r *request.GetSingleRow) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return tbl.ReadRow(r.TRID)
}

func (e *Executor) handlePostRows(r *request.PostRows) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	trids := make([]uint64, 0, len(r.Rows))
	for _, values := range r.Rows {
		trid, err := tbl.Insert(uint64(r.UserID()), 0, values)
		if err != nil {
			return nil, err
		}
		trids = append(trids, trid)
	}
	return trids, nil
}

func (e *Executor) handleDeleteRow(r *request.DeleteRow) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return nil, tbl.Delete(uint64(r.UserID()), 0, r.TRID)
}

func (e *Executor) handlePatchRow(r *request.PatchRow) (interface{}, error) {
	tbl, err := e.openTable(r.Database, r.Table)
	if err != nil {
		return nil, err
	}
	return nil, tbl.Update(uint64(r.UserID()), 0, r.TRID, r.Values)
}

// projectRows narrows each row's Values to columns when columns is
// non-nil, leaving MCR metadata untouched; nil means "all columns".
func projectRows(rows []table.Row, columns []uint64) []table.Row {
	if columns == nil {
		return rows
	}
	out := make([]table.Row, len(rows))
	for i, row := range rows {
		projected := make(map[uint64][]byte, len(columns))
		for _, col := range columns {
			if v, ok := row.Values[col]; ok {
				projected[col] = v
			}
		}
		out[i] = table.Row{MCR: row.MCR, Values: projected}
	}
	return out
}
