// Package sqlconn implements the SQL connection handler: after
// TCP/TLS accept and mutual authentication, it reads framed request
// messages off the wire, parses their SQL text through the external SQL
// parser collaborator, translates each parsed statement into a typed
// engine/request.Request, submits it to the dispatcher, and writes back
// one framed response per request in submission order.
package sqlconn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/dispatch"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/request"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/log"
)

// maxFrameSize bounds a single request frame's body, guarding against a
// misbehaving or malicious client claiming an unbounded body_size.
const maxFrameSize = 8 << 20

// Statement is an opaque parsed SQL statement handed back by Parser; its
// concrete shape belongs to the parser collaborator, not to this package.
type Statement interface{}

// Parser is the external SQL parser collaborator: `parse(text) ->
// [Statement]`. The core never inspects a Statement's internals itself;
// it only round-trips it through Translate.
type Parser interface {
	Parse(text string) ([]Statement, error)
}

// Translator turns one parsed Statement, plus the authenticated caller and
// currently-selected database name (from a prior "USE DATABASE"), into a
// typed DB-engine request.
type Translator func(userID uint32, database string, stmt Statement) (request.Request, error)

// Server accepts SQL connections and drives each on its own goroutine,
// Go's analogue of "each connection handler runs on its own thread".
type Server struct {
	listener   net.Listener
	dispatcher *dispatch.Dispatcher
	inst       *engine.Instance
	parser     Parser
	translate  Translator
	log        log.Logger
}

// NewServer wraps an already-bound listener (including one obtained from
// an inherited file descriptor) with the SQL protocol.
func NewServer(listener net.Listener, inst *engine.Instance, dispatcher *dispatch.Dispatcher, parser Parser, translate Translator, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	return &Server{listener: listener, dispatcher: dispatcher, inst: inst, parser: parser, translate: translate, log: logger}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		c := newConn(nc, s)
		go c.run()
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// conn drives a single SQL connection: read a frame, execute every
// statement it contains in order, write back one response frame per
// statement, and abort on the first protocol or I/O failure.
type conn struct {
	nc     net.Conn
	srv    *Server
	r      *bufio.Reader
	w      *bufio.Writer
	userID uint32
	dbName string
	alive  int32
}

func newConn(nc net.Conn, srv *Server) *conn {
	return &conn{nc: nc, srv: srv, r: bufio.NewReader(nc), w: bufio.NewWriter(nc), alive: 1}
}

// Live implements dispatch.ConnectionHandle.
func (c *conn) Live() bool { return atomic.LoadInt32(&c.alive) != 0 }

func (c *conn) run() {
	defer func() {
		atomic.StoreInt32(&c.alive, 0)
		c.nc.Close()
	}()

	if err := c.authenticate(); err != nil {
		c.srv.log.Warn("sql connection authentication failed", "remote", c.nc.RemoteAddr(), "err", err)
		return
	}

	for {
		requestID, text, err := c.readFrame()
		if err != nil {
			if err != io.EOF {
				c.srv.log.Warn("sql connection read failed", "remote", c.nc.RemoteAddr(), "err", err)
			}
			return
		}

		if err := c.handleFrame(requestID, text); err != nil {
			c.srv.log.Warn("sql connection aborting", "remote", c.nc.RemoteAddr(), "err", err)
			return
		}
	}
}

// authenticate performs the mutual authentication step ahead of the
// request loop: the client's first frame carries its username, a
// challenge and an ed25519 signature over that challenge, all passed as
// read to engine.Instance.AuthenticateUserWithSignature. The server does
// not issue the challenge and does not check where it came from.
func (c *conn) authenticate() error {
	name, challenge, signature, err := c.readAuthFrame()
	if err != nil {
		return err
	}
	userID, _, err := c.srv.inst.AuthenticateUserWithSignature(name, challenge, signature)
	if err != nil {
		c.writeAuthResult(false)
		return err
	}
	c.userID = userID
	return c.writeAuthResult(true)
}

func (c *conn) readAuthFrame() (name string, challenge, signature []byte, err error) {
	body, err := c.readFrameBody()
	if err != nil {
		return "", nil, nil, err
	}
	name, rest, err := pbe.ReadShortString(body)
	if err != nil {
		return "", nil, nil, dberr.Wrap(dberr.InvalidArgument, err, "read auth frame username")
	}
	challenge, rest, err = pbe.ReadVarBlob(rest)
	if err != nil {
		return "", nil, nil, dberr.Wrap(dberr.InvalidArgument, err, "read auth frame challenge")
	}
	signature, _, err = pbe.ReadVarBlob(rest)
	if err != nil {
		return "", nil, nil, dberr.Wrap(dberr.InvalidArgument, err, "read auth frame signature")
	}
	return name, challenge, signature, nil
}

func (c *conn) writeAuthResult(ok bool) error {
	var status byte
	if !ok {
		status = 1
	}
	if err := c.w.WriteByte(status); err != nil {
		return err
	}
	return c.w.Flush()
}

// handleFrame parses text into one or more statements, executes each in
// submission order, and writes one response per statement.
func (c *conn) handleFrame(requestID uint64, text string) error {
	stmts, err := c.srv.parser.Parse(text)
	if err != nil {
		return c.writeErrorResponse(requestID, 0, dberr.Wrap(dberr.InvalidArgument, err, "parse SQL text"))
	}

	for i, stmt := range stmts {
		req, err := c.srv.translate(c.userID, c.dbName, stmt)
		if err != nil {
			return c.writeErrorResponse(requestID, uint32(i), err)
		}
		result := <-c.srv.dispatcher.AddRequest(&dispatch.Work{
			RequestID:      requestID,
			StatementCount: uint32(len(stmts)),
			Conn:           c,
			Req:            req,
		})
		if result.Cancelled {
			return c.writeErrorResponse(requestID, uint32(i), dberr.New(dberr.Cancelled, "request cancelled"))
		}
		if result.Err != nil {
			if err := c.writeErrorResponse(requestID, uint32(i), result.Err); err != nil {
				return err
			}
			continue
		}
		if err := c.writeOKResponse(requestID, uint32(i), result.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) writeOKResponse(requestID uint64, statementIndex uint32, value interface{}) error {
	return c.writeResponse(requestID, statementIndex, 0, "", encodeResultPreview(value))
}

func (c *conn) writeErrorResponse(requestID uint64, statementIndex uint32, err error) error {
	return c.writeResponse(requestID, statementIndex, statusCodeOf(err), err.Error(), nil)
}

// statusCodeOf maps a dberr.Code to the wire status_code; 0 always
// means "ok".
func statusCodeOf(err error) uint32 {
	return uint32(dberr.StatusCode(err))
}

// encodeResultPreview is a placeholder row-set encoder: the wire format
// for result sets is owned by whatever the SQL parser collaborator's
// tuple representation turns out to be, so this just carries a textual
// preview for now.
func encodeResultPreview(value interface{}) []byte {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		return []byte(s)
	}
	return nil
}

func (c *conn) writeResponse(requestID uint64, statementIndex uint32, statusCode uint32, message string, payload []byte) error {
	buf := make([]byte, 0, 32+len(message)+len(payload))
	buf = pbe.AppendUint64(buf, requestID)
	buf = pbe.AppendUint32(buf, statementIndex)
	buf = pbe.AppendUint32(buf, statusCode)
	var err error
	buf, err = pbe.AppendLongString(buf, message)
	if err != nil {
		return dberr.Wrap(dberr.InvalidArgument, err, "encode response message")
	}
	buf = pbe.AppendVarBlob(buf, payload)

	var lenPrefix [4]byte
	pbe.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return c.w.Flush()
}

// readFrame reads one request frame and splits its body into request_id
// and SQL text.
func (c *conn) readFrame() (requestID uint64, text string, err error) {
	body, err := c.readFrameBody()
	if err != nil {
		return 0, "", err
	}
	if len(body) < 8 {
		return 0, "", dberr.New(dberr.Corrupt, "request frame shorter than its fixed header")
	}
	requestID = pbe.GetUint64(body[:8])
	text, _, err = pbe.ReadLongString(body[8:])
	if err != nil {
		return 0, "", dberr.Wrap(dberr.Corrupt, err, "read SQL text")
	}
	return requestID, text, nil
}

func (c *conn) readFrameBody() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	size := pbe.GetUint32(lenPrefix[:])
	if size > maxFrameSize {
		return nil, dberr.Newf(dberr.Corrupt, "request frame size %d exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// NewChallenge generates a fresh per-connection authentication challenge.
func NewChallenge() []byte {
	id := uuid.New()
	return id[:]
}
