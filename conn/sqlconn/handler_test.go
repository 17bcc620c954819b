package sqlconn

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/dispatch"
	"github.com/latticedb/lattice/engine"
	"github.com/latticedb/lattice/engine/request"
	"github.com/latticedb/lattice/internal/pbe"
)

type fakeParser struct{}

func (fakeParser) Parse(text string) ([]Statement, error) {
	return []Statement{text}, nil
}

func fakeTranslate(userID uint32, database string, stmt Statement) (request.Request, error) {
	return request.NewGetDatabases(userID), nil
}

func newTestInstance(t *testing.T) (*engine.Instance, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
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
	return inst, priv
}

func writeFrame(t *testing.T, nc net.Conn, body []byte) {
	t.Helper()
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	_, err := nc.Write(lenPrefix[:])
	require.NoError(t, err)
	_, err = nc.Write(body)
	require.NoError(t, err)
}

func readFrame(t *testing.T, nc net.Conn) []byte {
	t.Helper()
	var lenPrefix [4]byte
	_, err := readFull(nc, lenPrefix[:])
	require.NoError(t, err)
	size := binary.LittleEndian.Uint32(lenPrefix[:])
	body := make([]byte, size)
	_, err = readFull(nc, body)
	require.NoError(t, err)
	return body
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnAuthenticatesAndExecutesOneStatement(t *testing.T) {
	inst, priv := newTestInstance(t)
	d := dispatch.New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		return "ok", nil
	}, nil)
	defer d.Shutdown()

	client, server := net.Pipe()
	defer client.Close()

	srv := NewServer(nil, inst, d, fakeParser{}, fakeTranslate, nil)
	c := newConn(server, srv)
	go c.run()

	challenge := NewChallenge()
	sig := ed25519.Sign(priv, challenge)
	var authBody []byte
	authBody, err := pbe.AppendShortString(authBody, engine.SuperuserName)
	require.NoError(t, err)
	authBody = pbe.AppendVarBlob(authBody, challenge)
	authBody = pbe.AppendVarBlob(authBody, sig)
	writeFrame(t, client, authBody)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	statusByte := make([]byte, 1)
	_, err = readFull(client, statusByte)
	require.NoError(t, err)
	require.EqualValues(t, 0, statusByte[0])

	var reqBody []byte
	reqBody = pbe.AppendUint64(reqBody, 42)
	reqBody, err = pbe.AppendLongString(reqBody, "SELECT * FROM widgets")
	require.NoError(t, err)
	writeFrame(t, client, reqBody)

	resp := readFrame(t, client)
	requestID := pbe.GetUint64(resp[:8])
	statementIndex := pbe.GetUint32(resp[8:12])
	statusCode := pbe.GetUint32(resp[12:16])
	require.EqualValues(t, 42, requestID)
	require.EqualValues(t, 0, statementIndex)
	require.EqualValues(t, 0, statusCode)
}

func TestConnRejectsBadSignature(t *testing.T) {
	inst, _ := newTestInstance(t)
	d := dispatch.New(1, func(ctx context.Context, req request.Request) (interface{}, error) {
		return nil, nil
	}, nil)
	defer d.Shutdown()

	client, server := net.Pipe()
	defer client.Close()

	srv := NewServer(nil, inst, d, fakeParser{}, fakeTranslate, nil)
	c := newConn(server, srv)
	go c.run()

	challenge := NewChallenge()
	var authBody []byte
	authBody, err := pbe.AppendShortString(authBody, engine.SuperuserName)
	require.NoError(t, err)
	authBody = pbe.AppendVarBlob(authBody, challenge)
	authBody = pbe.AppendVarBlob(authBody, []byte("not-a-real-signature-not-a-real-signature-64by"))
	writeFrame(t, client, authBody)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	statusByte := make([]byte, 1)
	_, err = readFull(client, statusByte)
	require.NoError(t, err)
	require.EqualValues(t, 1, statusByte[0])
}

func TestStatusCodeOfMapsErrorCode(t *testing.T) {
	require.EqualValues(t, dberr.StatusCode(dberr.New(dberr.NotFound, "x")), statusCodeOf(dberr.New(dberr.NotFound, "x")))
}
