package colblock

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
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
		key[i] = byte(i * 3)
	}
	enc, err := c.NewEncryptionContext(key)
	require.NoError(t, err)
	dec, err := c.NewDecryptionContext(key)
	require.NoError(t, err)
	return enc, dec
}

func testFullBlockID(blockID uint64) FullBlockID {
	return FullBlockID{DBUUID: uuid.New(), TableID: 1, ColumnID: 7, BlockID: blockID}
}

func TestBlockAppendReadCommit(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000001")

	b, err := Create(path, testFullBlockID(1), 0, DefaultDataAreaSize, [DigestSize]byte{}, 0o600, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	defer b.Close()

	addr1, err := b.Append([]byte("row one"))
	require.NoError(t, err)
	require.EqualValues(t, 0, addr1.Offset)

	// Uncommitted data is invisible to a normal read.
	buf := make([]byte, len("row one"))
	err = b.Read(addr1.Offset, uint32(len(buf)), buf, false)
	require.Error(t, err)

	// But visible to the writer's own lookback read.
	err = b.Read(addr1.Offset, uint32(len(buf)), buf, true)
	require.NoError(t, err)
	require.Equal(t, "row one", string(buf))

	require.NoError(t, b.Commit())

	err = b.Read(addr1.Offset, uint32(len(buf)), buf, false)
	require.NoError(t, err)
	require.Equal(t, "row one", string(buf))

	addr2, err := b.Append([]byte("row two"))
	require.NoError(t, err)
	require.EqualValues(t, len("row one"), addr2.Offset)
}

func TestBlockRollback(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000001")

	b, err := Create(path, testFullBlockID(1), 0, DefaultDataAreaSize, [DigestSize]byte{}, 0o600, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Append([]byte("committed"))
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	watermark := b.Header().CommittedDataOffset
	_, err = b.Append([]byte("to be discarded"))
	require.NoError(t, err)

	require.NoError(t, b.RollbackTo(watermark))
	require.Equal(t, watermark, b.Header().NextDataOffset)

	// Rolling back before the commit watermark is rejected.
	err = b.RollbackTo(watermark - 1)
	require.Error(t, err)
}

func TestBlockFullRejectsAppend(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000001")

	const dataAreaSize = 16
	b, err := Create(path, testFullBlockID(1), 0, dataAreaSize, [DigestSize]byte{}, 0o600, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Append(make([]byte, dataAreaSize))
	require.NoError(t, err)

	_, err = b.Append([]byte{1})
	require.Error(t, err)
}

func TestBlockSealChainsDigest(t *testing.T) {
	enc, dec := newTestCipherContexts(t)
	dir := t.TempDir()

	b1, err := Create(filepath.Join(dir, "0000000001"), testFullBlockID(1), 0, DefaultDataAreaSize, [DigestSize]byte{}, 0o600, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	_, err = b1.Append([]byte("first block payload"))
	require.NoError(t, err)
	require.NoError(t, b1.Commit())
	require.NoError(t, b1.Seal(1700000000))
	require.True(t, b1.Header().Sealed())
	require.NotEqual(t, [DigestSize]byte{}, b1.Header().Digest)
	require.Equal(t, Closed, b1.State())

	// Sealing again is a no-op, not an error.
	require.NoError(t, b1.Seal(1700000001))

	// A second block's digest chains from the first's.
	b2, err := Create(filepath.Join(dir, "0000000002"), testFullBlockID(2), 1, DefaultDataAreaSize, b1.Header().Digest, 0o600, enc, dec, xcipher.BlockSize)
	require.NoError(t, err)
	_, err = b2.Append([]byte("second block payload"))
	require.NoError(t, err)
	require.NoError(t, b2.Commit())
	require.NoError(t, b2.Seal(1700000002))
	require.Equal(t, b1.Header().Digest, b2.Header().PrevBlockDigest)
}

func TestHeaderMarshalRoundtrip(t *testing.T) {
	h := NewHeader(testFullBlockID(5), 4, DefaultDataAreaSize, [DigestSize]byte{9})
	h.NextDataOffset = 128
	h.CommittedDataOffset = 64

	got, err := UnmarshalHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h, got)
}
