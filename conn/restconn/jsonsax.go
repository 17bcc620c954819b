package restconn

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/engine/request"
)

// RowLimits bounds a JSON row-array body: a configurable row-count and
// payload-size cap enforced while streaming, not after buffering the
// whole body.
type RowLimits struct {
	MaxRows    int
	MaxPayload int64
}

// DecodeRows streams a JSON array-of-objects body (`[{"1": "a", "2": "b"},
// ...]`, object keys are decimal column IDs) through encoding/json's SAX-
// style Token() interface, building request.Row values while enforcing
// the duplicate-column and row/payload-size invariants as it goes, rather
// than decoding the whole body into memory first and validating after.
func DecodeRows(body io.Reader, limits RowLimits) ([]request.Row, error) {
	r := body
	if limits.MaxPayload > 0 {
		// Truncating at the cap turns an over-limit body into a decode
		// error (truncated JSON) rather than a silent partial parse.
		r = io.LimitReader(body, limits.MaxPayload)
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "read row array")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, dberr.New(dberr.InvalidArgument, "row payload must be a JSON array")
	}

	var rows []request.Row
	for dec.More() {
		if limits.MaxRows > 0 && len(rows) >= limits.MaxRows {
			return nil, dberr.Newf(dberr.InvalidArgument, "row payload exceeds the %d row cap", limits.MaxRows)
		}
		row, err := decodeOneRow(dec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "read row array")
	}
	return rows, nil
}

func decodeOneRow(dec *json.Decoder) (request.Row, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "read row object")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, dberr.New(dberr.InvalidArgument, "each row must be a JSON object")
	}

	row := make(request.Row)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, dberr.Wrap(dberr.InvalidArgument, err, "read column key")
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, dberr.New(dberr.InvalidArgument, "column key must be a string")
		}
		columnID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, dberr.Wrapf(dberr.InvalidArgument, err, "column key %q is not a valid column ID", key)
		}
		if _, dup := row[columnID]; dup {
			return nil, dberr.Newf(dberr.InvalidArgument, "duplicate column %d in row", columnID)
		}

		valueTok, err := dec.Token()
		if err != nil {
			return nil, dberr.Wrap(dberr.InvalidArgument, err, "read column value")
		}
		row[columnID] = encodeScalar(valueTok)
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, dberr.Wrap(dberr.InvalidArgument, err, "read row object")
	}
	return row, nil
}

// encodeScalar turns one decoded JSON scalar into the raw column bytes
// the storage layer stores; null becomes a nil byte slice, since the
// Variant/Null distinction belongs to the column's schema layer, not the
// wire adapter.
func encodeScalar(tok json.Token) []byte {
	switch v := tok.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case json.Number:
		return []byte(v.String())
	case bool:
		if v {
			return []byte("true")
		}
		return []byte("false")
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
