package column

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/xcipher"
	"github.com/latticedb/lattice/storage/colblock"
)

func testOptions(t *testing.T, dataAreaSize uint32) Options {
	t.Helper()
	p := xcipher.NewProvider()
	c, err := p.GetCipher("aes128")
	require.NoError(t, err)
	key := make([]byte, c.KeySize())
	for i := range key {
		key[i] = byte(i * 7)
	}
	enc, err := c.NewEncryptionContext(key)
	require.NoError(t, err)
	dec, err := c.NewDecryptionContext(key)
	require.NoError(t, err)
	return Options{
		DBUUID:          uuid.New(),
		TableID:         1,
		ColumnID:        3,
		DataAreaSize:    dataAreaSize,
		CipherBlockSize: xcipher.BlockSize,
		EncCtx:          enc,
		DecCtx:          dec,
	}
}

func TestAppendCommitReopenReadBack(t *testing.T) {
	dir := t.TempDir()
	opt := testOptions(t, colblock.DefaultDataAreaSize)

	col, err := Create(dir, opt)
	require.NoError(t, err)

	a1, err := col.AppendValue([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	a2, err := col.AppendValue([]byte{0x04})
	require.NoError(t, err)

	require.NoError(t, col.CommitCurrentBlock())
	require.NoError(t, col.Close())

	reopened, err := Open(dir, opt)
	require.NoError(t, err)
	defer reopened.Close()

	v1, err := reopened.ReadValue(a1)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, v1)

	v2, err := reopened.ReadValue(a2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x04}, v2)
}

func TestAppendRollsOverToNewBlockWhenFull(t *testing.T) {
	dir := t.TempDir()
	// 8 bytes fits the first 5-byte value (6 bytes once length-prefixed)
	// with 2 bytes to spare, not enough for the second value's 5-byte blob.
	opt := testOptions(t, 8)

	col, err := Create(dir, opt)
	require.NoError(t, err)
	defer col.Close()

	_, err = col.AppendValue([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, col.CommitCurrentBlock())

	addr, err := col.AppendValue([]byte{6, 7, 8, 9})
	require.NoError(t, err)
	require.EqualValues(t, 2, addr.BlockID)
	require.EqualValues(t, 0, addr.Offset)

	prev, err := col.reg.FindPrevBlockID(2)
	require.NoError(t, err)
	require.EqualValues(t, 1, prev)

	next, err := col.reg.FindNextBlockIDs(1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, next)

	b1, err := col.openBlock(1)
	require.NoError(t, err)
	require.True(t, b1.Header().Sealed())
}

func TestBlockIDsListsAllRecordedBlocks(t *testing.T) {
	dir := t.TempDir()
	// dataAreaSize=5 exactly fits one 4-byte value plus its 1-byte varuint
	// length prefix, so each append fills its block and the next append
	// rolls over to a new one.
	opt := testOptions(t, 5)

	col, err := Create(dir, opt)
	require.NoError(t, err)
	defer col.Close()

	for i := 0; i < 3; i++ {
		_, err := col.AppendValue([]byte{1, 2, 3, 4})
		require.NoError(t, err)
		require.NoError(t, col.CommitCurrentBlock())
	}

	require.Equal(t, []uint64{1, 2, 3}, col.BlockIDs())
}
