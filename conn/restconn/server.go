// Package restconn implements the REST connection handler: bearer-
// token authentication against the instance, the eight REST request
// constructors, and the JSON SAX row adapter POST/PATCH stream through.
package restconn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/cors"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/dispatch"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/request"
)

// SQLParser is the same external collaborator conn/sqlconn consumes,
// reused here for GetSqlQueryRows's raw SELECT text.
type SQLParser interface {
	Parse(text string) (interface{}, error)
}

// sessionClaims is the JWT payload wrapping a Token's opaque value: the
// bearer token clients present is not the Token's own bytes but a signed
// envelope around it, so a leaked HTTP log line never discloses the raw
// credential and the server can reject an envelope whose signature has
// been tampered with before ever touching the instance's token table.
type sessionClaims struct {
	jwt.RegisteredClaims
	UserName string `json:"usr"`
	Token    []byte `json:"tok"` // encoding/json base64-encodes a []byte field
}

// Server is the REST connection handler: one *http.Server configured with
// CORS and JWT bearer-token authentication in front of the eight request
// constructors.
type Server struct {
	inst         *engine.Instance
	dispatcher   *dispatch.Dispatcher
	parser       SQLParser
	translateSQL func(userID uint32, database string, parsed interface{}) (request.Request, error)
	jwtSecret    []byte
	limits       RowLimits
	nowUnix      func() uint64

	handler http.Handler
}

// NewServer builds the REST handler chain: CORS, then bearer-token auth,
// then routing.
func NewServer(inst *engine.Instance, dispatcher *dispatch.Dispatcher, parser SQLParser,
	translateSQL func(userID uint32, database string, parsed interface{}) (request.Request, error),
	jwtSecret []byte, limits RowLimits, nowUnix func() uint64) *Server {

	s := &Server{inst: inst, dispatcher: dispatcher, parser: parser, translateSQL: translateSQL, jwtSecret: jwtSecret, limits: limits, nowUnix: nowUnix}

	mux := http.NewServeMux()
	mux.HandleFunc("/databases", s.withAuth(s.handleDatabases))
	mux.HandleFunc("/databases/", s.withAuth(s.handleDatabaseSubroutes))
	mux.HandleFunc("/query", s.withAuth(s.handleQuery))

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	s.handler = c.Handler(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// IssueBearerToken wraps an already-created engine.Token's value in a
// signed JWT, the envelope REST clients present on every subsequent
// request.
func (s *Server) IssueBearerToken(userName string, tokenValue []byte) (string, error) {
	claims := sessionClaims{UserName: userName, Token: tokenValue}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.jwtSecret)
	if err != nil {
		return "", dberr.Wrap(dberr.IoError, err, "sign bearer token")
	}
	return signed, nil
}

type authedUser struct {
	userID uint32
}

type ctxKey int

const userCtxKey ctxKey = 0

// withAuth validates the bearer token's JWT envelope, then validates the
// wrapped engine Token value against the instance, before calling next.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, dberr.New(dberr.Unauthenticated, "access denied"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		var claims sessionClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		})
		if err != nil {
			writeError(w, dberr.New(dberr.Unauthenticated, "access denied"))
			return
		}

		userID, _, err := s.inst.AuthenticateUserWithToken(claims.UserName, claims.Token, s.nowUnix())
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, authedUser{userID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func userFromContext(r *http.Request) uint32 {
	u, _ := r.Context().Value(userCtxKey).(authedUser)
	return u.userID
}

// handleDatabases serves GET /databases -> GetDatabases.
func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.submit(w, request.NewGetDatabases(userFromContext(r)))
}

// handleDatabaseSubroutes dispatches the /databases/{db}[/tables[/{table}[/rows[/{trid}]]]]
// family to the remaining six REST constructors.
func (s *Server) handleDatabaseSubroutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/databases/"), "/"), "/")
	userID := userFromContext(r)

	switch {
	case len(parts) == 2 && parts[1] == "tables" && r.Method == http.MethodGet:
		s.submit(w, request.NewGetTables(userID, parts[0]))

	case len(parts) == 4 && parts[1] == "tables" && parts[3] == "rows" && r.Method == http.MethodGet:
		s.submit(w, request.NewGetAllRows(userID, parts[0], parts[2]))

	case len(parts) == 4 && parts[1] == "tables" && parts[3] == "rows" && r.Method == http.MethodPost:
		s.handlePostRows(w, r, parts[0], parts[2], userID)

	case len(parts) == 5 && parts[1] == "tables" && parts[3] == "rows" && r.Method == http.MethodGet:
		trid, err := strconv.ParseUint(parts[4], 10, 64)
		if err != nil {
			writeError(w, dberr.New(dberr.InvalidArgument, "trid must be numeric"))
			return
		}
		s.submit(w, request.NewGetSingleRow(userID, parts[0], parts[2], trid))

	case len(parts) == 5 && parts[1] == "tables" && parts[3] == "rows" && r.Method == http.MethodDelete:
		trid, err := strconv.ParseUint(parts[4], 10, 64)
		if err != nil {
			writeError(w, dberr.New(dberr.InvalidArgument, "trid must be numeric"))
			return
		}
		s.submit(w, request.NewDeleteRow(userID, parts[0], parts[2], trid))

	case len(parts) == 5 && parts[1] == "tables" && parts[3] == "rows" && r.Method == http.MethodPatch:
		s.handlePatchRow(w, r, parts[0], parts[2], parts[4], userID)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePostRows(w http.ResponseWriter, r *http.Request, db, table string, userID uint32) {
	rows, err := DecodeRows(r.Body, s.limits)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, request.NewPostRows(userID, db, table, rows))
}

func (s *Server) handlePatchRow(w http.ResponseWriter, r *http.Request, db, table, tridStr string, userID uint32) {
	trid, err := strconv.ParseUint(tridStr, 10, 64)
	if err != nil {
		writeError(w, dberr.New(dberr.InvalidArgument, "trid must be numeric"))
		return
	}
	rows, err := DecodeRows(singleRowAsArray(r), s.limits)
	if err != nil {
		writeError(w, err)
		return
	}
	var values request.Row
	if len(rows) > 0 {
		values = rows[0]
	}
	s.submit(w, request.NewPatchRow(userID, db, table, trid, values))
}

// handleQuery serves POST /query -> GetSqlQueryRows, parsing the request
// body as raw SQL SELECT text through the SQL parser collaborator.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, dberr.Wrap(dberr.InvalidArgument, err, "decode query body"))
		return
	}
	parsed, err := s.parser.Parse(body.SQL)
	if err != nil {
		writeError(w, dberr.Wrap(dberr.InvalidArgument, err, "parse query"))
		return
	}
	req, err := s.translateSQL(userFromContext(r), "", parsed)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, req)
}

// restConn is the ConnectionHandle for a single HTTP request: unlike a
// long-lived SQL connection, a REST request's "connection" only lives for
// the duration of the handler call, so Live always reports true until the
// handler returns and marks it dead.
type restConn struct{ alive int32 }

func newRestConn() *restConn   { return &restConn{alive: 1} }
func (c *restConn) Live() bool { return atomic.LoadInt32(&c.alive) != 0 }
func (c *restConn) close()     { atomic.StoreInt32(&c.alive, 0) }

// singleRowAsArray wraps a PATCH body (a single JSON object) in an array
// so it can be decoded with the same DecodeRows path POST uses.
func singleRowAsArray(r *http.Request) io.Reader {
	return io.MultiReader(strings.NewReader("["), r.Body, strings.NewReader("]"))
}

func (s *Server) submit(w http.ResponseWriter, req request.Request) {
	conn := newRestConn()
	defer conn.close()

	result := <-s.dispatcher.AddRequest(&dispatch.Work{Conn: conn, Req: req})
	if result.Cancelled {
		writeError(w, dberr.New(dberr.Cancelled, "request cancelled"))
		return
	}
	if result.Err != nil {
		writeError(w, result.Err)
		return
	}
	writeJSON(w, http.StatusOK, result.Value)
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeError maps a dberr.Code to an HTTP status and writes a JSON body
// with the wire status_code (0 always means ok, so this path is only ever
// reached with a nonzero one).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dberr.CodeOf(err) {
	case dberr.NotFound:
		status = http.StatusNotFound
	case dberr.AlreadyExists, dberr.Conflict:
		status = http.StatusConflict
	case dberr.PermissionDenied:
		status = http.StatusForbidden
	case dberr.Unauthenticated:
		status = http.StatusUnauthorized
	case dberr.InvalidArgument:
		status = http.StatusBadRequest
	case dberr.Cancelled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status_code": dberr.StatusCode(err),
		"error":       err.Error(),
	})
}
