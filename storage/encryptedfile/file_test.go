package encryptedfile

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/xcipher"
)

func newTestCipherContexts(t *testing.T) (xcipher.EncryptionContext, xcipher.DecryptionContext) {
	t.Helper()
	p := xcipher.NewProvider()
	c, err := p.GetCipher("aes128")
	require.NoError(t, err)
	key := make([]byte, c.KeySize())
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := c.NewEncryptionContext(key)
	require.NoError(t, err)
	dec, err := c.NewDecryptionContext(key)
	require.NoError(t, err)
	return enc, dec
}

func TestCreateAndReadBack(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.enc")

	f, err := Create(path, 0, 0o600, enc, dec, xcipher.BlockSize, 0)
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("hello, encrypted world")
	n, err := f.Write(payload, 100)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	size, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 100+len(payload), size)

	buf := make([]byte, len(payload))
	n, err = f.Read(buf, 100)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestReadPastEOFIsShort(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.enc")
	f, err := Create(path, 0, 0o600, enc, dec, xcipher.BlockSize, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := f.Read(buf, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRandomOverlappingWrites(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.enc")
	f, err := Create(path, 0, 0o600, enc, dec, xcipher.BlockSize, 0)
	require.NoError(t, err)
	defer f.Close()

	const totalSize = 1 << 20 // 1 MiB
	oracle := make([]byte, totalSize)
	rng := rand.New(rand.NewSource(1))
	end := 0 // highest offset any write reaches: the expected plaintext size

	for i := 0; i < 200; i++ {
		off := rng.Intn(totalSize - 1)
		maxLen := totalSize - off
		if maxLen > 8192 {
			maxLen = 8192
		}
		l := rng.Intn(maxLen) + 1
		chunk := make([]byte, l)
		rng.Read(chunk)
		copy(oracle[off:off+l], chunk)
		if off+l > end {
			end = off + l
		}
		n, err := f.Write(chunk, int64(off))
		require.NoError(t, err)
		require.Equal(t, l, n)
	}

	got := make([]byte, totalSize)
	n, err := f.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, end, n)
	require.Equal(t, oracle, got)

	size, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, end, size)
}

func TestOpenValidatesTail(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.enc")
	f, err := Create(path, 0, 0o600, enc, dec, xcipher.BlockSize, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("persisted"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, os.O_RDWR, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	defer reopened.Close()

	size, err := reopened.Stat()
	require.NoError(t, err)
	require.EqualValues(t, len("persisted"), size)

	buf := make([]byte, len("persisted"))
	_, err = reopened.Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(buf))
}
