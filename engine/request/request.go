// Package request defines the tagged-variant DB-engine request hierarchy:
// one concrete type per request kind, a Kind discriminator mirroring
// storage/table's OpType enum, and a Request interface so the dispatcher's
// executor can match on concrete type rather than perform dynamic lookup
// keyed on a string command name.
package request

import "github.com/latticedb/lattice/engine"

// Kind identifies which concrete Request variant a value holds.
type Kind uint8

const (
	KindSelect Kind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
	KindCreateTable
	KindDropTable
	KindCreateDatabase
	KindDropDatabase
	KindGetDatabases
	KindGetTables
	KindGetAllRows
	KindGetSingleRow
	KindGetSqlQueryRows
	KindPostRows
	KindDeleteRow
	KindPatchRow
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "Select"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindCreateTable:
		return "CreateTable"
	case KindDropTable:
		return "DropTable"
	case KindCreateDatabase:
		return "CreateDatabase"
	case KindDropDatabase:
		return "DropDatabase"
	case KindGetDatabases:
		return "GetDatabases"
	case KindGetTables:
		return "GetTables"
	case KindGetAllRows:
		return "GetAllRows"
	case KindGetSingleRow:
		return "GetSingleRow"
	case KindGetSqlQueryRows:
		return "GetSqlQueryRows"
	case KindPostRows:
		return "PostRows"
	case KindDeleteRow:
		return "DeleteRow"
	case KindPatchRow:
		return "PatchRow"
	default:
		return "Unknown"
	}
}

// Request is the marker interface every variant implements. Kind lets a
// caller that has erased the concrete type recover which variant it's
// holding before the type switch; UserID is carried on every variant since
// every request is permission-checked against its issuing user.
type Request interface {
	Kind() Kind
	UserID() uint32
}

// base is embedded by every concrete variant so UserID() only needs one
// implementation.
type base struct {
	user uint32
}

func (b base) UserID() uint32 { return b.user }

// Row is a single parsed input row: column ID to raw column value, as
// produced by a SQL VALUES clause or a REST JSON SAX row.
type Row = map[uint64][]byte

// ColumnPredicate narrows a Select/GetSqlQueryRows scan. Evaluation is the
// external Expression Evaluator collaborator's job; this struct only
// carries the already-parsed predicate tree it will walk.
type ColumnPredicate struct {
	Tree interface{}
}

// Select reads rows from a table, optionally filtered and restricted to a
// column projection.
type Select struct {
	base
	Database  string
	Table     string
	Columns   []uint64 // nil means all columns
	Predicate *ColumnPredicate
}

func NewSelect(userID uint32, database, table string, columns []uint64, predicate *ColumnPredicate) *Select {
	return &Select{base: base{userID}, Database: database, Table: table, Columns: columns, Predicate: predicate}
}

func (*Select) Kind() Kind { return KindSelect }

// Insert appends one new row to a table.
type Insert struct {
	base
	Database string
	Table    string
	Values   Row
}

func NewInsert(userID uint32, database, table string, values Row) *Insert {
	return &Insert{base: base{userID}, Database: database, Table: table, Values: values}
}

func (*Insert) Kind() Kind { return KindInsert }

// Update rewrites the given columns of an existing row, identified by TRID.
type Update struct {
	base
	Database string
	Table    string
	TRID     uint64
	Values   Row
}

func NewUpdate(userID uint32, database, table string, trid uint64, values Row) *Update {
	return &Update{base: base{userID}, Database: database, Table: table, TRID: trid, Values: values}
}

func (*Update) Kind() Kind { return KindUpdate }

// Delete removes a row, identified by TRID.
type Delete struct {
	base
	Database string
	Table    string
	TRID     uint64
}

func NewDelete(userID uint32, database, table string, trid uint64) *Delete {
	return &Delete{base: base{userID}, Database: database, Table: table, TRID: trid}
}

func (*Delete) Kind() Kind { return KindDelete }

// CreateTable is a DDL request creating a new table with the given user
// column IDs.
type CreateTable struct {
	base
	Database  string
	Table     string
	ColumnIDs []uint64
}

func NewCreateTable(userID uint32, database, table string, columnIDs []uint64) *CreateTable {
	return &CreateTable{base: base{userID}, Database: database, Table: table, ColumnIDs: columnIDs}
}

func (*CreateTable) Kind() Kind { return KindCreateTable }

// DropTable is a DDL request removing a table from its database's catalog.
type DropTable struct {
	base
	Database string
	Table    string
}

func NewDropTable(userID uint32, database, table string) *DropTable {
	return &DropTable{base: base{userID}, Database: database, Table: table}
}

func (*DropTable) Kind() Kind { return KindDropTable }

// CreateDatabase is a DDL request creating a new database.
type CreateDatabase struct {
	base
	Name        string
	Description string
	CipherID    string
}

func NewCreateDatabase(userID uint32, name, description, cipherID string) *CreateDatabase {
	return &CreateDatabase{base: base{userID}, Name: name, Description: description, CipherID: cipherID}
}

func (*CreateDatabase) Kind() Kind { return KindCreateDatabase }

// DropDatabase is a DDL request removing a database from the instance
// catalog.
type DropDatabase struct {
	base
	Name string
}

func NewDropDatabase(userID uint32, name string) *DropDatabase {
	return &DropDatabase{base: base{userID}, Name: name}
}

func (*DropDatabase) Kind() Kind { return KindDropDatabase }

// GetDatabases lists every database in the instance; the list is not
// filtered by the caller's permissions.
type GetDatabases struct{ base }

func NewGetDatabases(userID uint32) *GetDatabases { return &GetDatabases{base{userID}} }

func (*GetDatabases) Kind() Kind { return KindGetDatabases }

// GetTables lists every table in a database.
type GetTables struct {
	base
	Database string
}

func NewGetTables(userID uint32, database string) *GetTables {
	return &GetTables{base: base{userID}, Database: database}
}

func (*GetTables) Kind() Kind { return KindGetTables }

// GetAllRows streams every row of a table, in TRID order.
type GetAllRows struct {
	base
	Database string
	Table    string
}

func NewGetAllRows(userID uint32, database, table string) *GetAllRows {
	return &GetAllRows{base: base{userID}, Database: database, Table: table}
}

func (*GetAllRows) Kind() Kind { return KindGetAllRows }

// GetSingleRow fetches one row by TRID.
type GetSingleRow struct {
	base
	Database string
	Table    string
	TRID     uint64
}

func NewGetSingleRow(userID uint32, database, table string, trid uint64) *GetSingleRow {
	return &GetSingleRow{base: base{userID}, Database: database, Table: table, TRID: trid}
}

func (*GetSingleRow) Kind() Kind { return KindGetSingleRow }

// GetSqlQueryRows runs an already-parsed SELECT statement and streams its
// result rows; the REST handler's equivalent of Select.
type GetSqlQueryRows struct {
	base
	Statement interface{} // parsed Statement from the SQL parser collaborator
}

func NewGetSqlQueryRows(userID uint32, statement interface{}) *GetSqlQueryRows {
	return &GetSqlQueryRows{base: base{userID}, Statement: statement}
}

func (*GetSqlQueryRows) Kind() Kind { return KindGetSqlQueryRows }

// PostRows appends one or more rows parsed from a JSON SAX body.
type PostRows struct {
	base
	Database string
	Table    string
	Rows     []Row
}

func NewPostRows(userID uint32, database, table string, rows []Row) *PostRows {
	return &PostRows{base: base{userID}, Database: database, Table: table, Rows: rows}
}

func (*PostRows) Kind() Kind { return KindPostRows }

// DeleteRow is the REST equivalent of Delete.
type DeleteRow struct {
	base
	Database string
	Table    string
	TRID     uint64
}

func NewDeleteRow(userID uint32, database, table string, trid uint64) *DeleteRow {
	return &DeleteRow{base: base{userID}, Database: database, Table: table, TRID: trid}
}

func (*DeleteRow) Kind() Kind { return KindDeleteRow }

// PatchRow is the REST equivalent of Update: a sparse set of column values
// keyed by column ID.
type PatchRow struct {
	base
	Database string
	Table    string
	TRID     uint64
	Values   Row
}

func NewPatchRow(userID uint32, database, table string, trid uint64, values Row) *PatchRow {
	return &PatchRow{base: base{userID}, Database: database, Table: table, TRID: trid, Values: values}
}

func (*PatchRow) Kind() Kind { return KindPatchRow }

// RequiredPermission reports the permission bit a request's own kind
// requires, so the executor can perform one permission check before the
// type switch that actually runs it.
func RequiredPermission(r Request) uint64 {
	switch r.Kind() {
	case KindSelect, KindGetAllRows, KindGetSingleRow, KindGetSqlQueryRows, KindGetDatabases, KindGetTables:
		return engine.PermSelect
	case KindInsert, KindPostRows:
		return engine.PermInsert
	case KindUpdate, KindPatchRow:
		return engine.PermUpdate
	case KindDelete, KindDeleteRow:
		return engine.PermDelete
	case KindCreateTable, KindCreateDatabase:
		return engine.PermCreate
	case KindDropTable, KindDropDatabase:
		return engine.PermDrop
	default:
		return 0
	}
}
