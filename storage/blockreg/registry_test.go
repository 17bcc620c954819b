package blockreg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/storage/colblock"
)

func TestCreateRecordAndReopen(t *testing.T) {
	dir := t.TempDir()

	reg, err := Create(dir, 7)
	require.NoError(t, err)

	require.NoError(t, reg.RecordBlock(0, 0, colblock.Current))
	require.NoError(t, reg.RecordBlock(1, 0, colblock.Current))
	require.NoError(t, reg.RecordBlock(2, 1, colblock.Current))

	prev, err := reg.FindPrevBlockID(2)
	require.NoError(t, err)
	require.EqualValues(t, 1, prev)

	require.NoError(t, reg.Close())

	reopened, err := Open(dir, 7)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 2, reopened.LastBlockID())

	prev, err = reopened.FindPrevBlockID(2)
	require.NoError(t, err)
	require.EqualValues(t, 1, prev)
}

func TestAddNextBlockChain(t *testing.T) {
	dir := t.TempDir()
	reg, err := Create(dir, 1)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.RecordBlock(0, 0, colblock.Current))
	require.NoError(t, reg.RecordBlock(1, 0, colblock.Current))
	require.NoError(t, reg.RecordBlock(2, 0, colblock.Current))
	require.NoError(t, reg.RecordBlock(3, 0, colblock.Current))

	require.NoError(t, reg.AddNextBlock(0, 1))
	require.NoError(t, reg.AddNextBlock(0, 2))
	require.NoError(t, reg.AddNextBlock(0, 3))

	children, err := reg.FindNextBlockIDs(0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, children)

	// A block never given children returns an empty, not nil-panicking, list.
	empty, err := reg.FindNextBlockIDs(1)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestRecordBlockAndNextBlockLinksParent(t *testing.T) {
	dir := t.TempDir()
	reg, err := Create(dir, 1)
	require.NoError(t, err)
	defer reg.Close()

	// Block ID 0 doubles as the "no parent" sentinel, so a genuinely
	// linkable parent needs a nonzero ID: record 1 as the parentless root.
	require.NoError(t, reg.RecordBlock(1, 0, colblock.Current))
	require.NoError(t, reg.RecordBlockAndNextBlock(2, 1, colblock.Creating))

	children, err := reg.FindNextBlockIDs(1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, children)
}

func TestRecordBlockAndNextBlockSkipsLinkForSentinelParent(t *testing.T) {
	dir := t.TempDir()
	reg, err := Create(dir, 1)
	require.NoError(t, err)
	defer reg.Close()

	// parentBlockID == 0 means "no parent": RecordBlockAndNextBlock must
	// record the block without attempting to link it under block 0.
	require.NoError(t, reg.RecordBlockAndNextBlock(1, 0, colblock.Current))

	// Block 0 was never recorded, so the registry still reports it absent
	// rather than as a parent with a linked child.
	_, err = reg.FindNextBlockIDs(0)
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.CodeOf(err))
}

func TestUpdateBlockState(t *testing.T) {
	dir := t.TempDir()
	reg, err := Create(dir, 1)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.RecordBlock(0, 0, colblock.Creating))
	require.NoError(t, reg.UpdateBlockState(0, colblock.Closed))

	rec, err := reg.loadRecord(0)
	require.NoError(t, err)
	require.Equal(t, colblock.Closed, rec.state)
}

func TestFindPrevBlockIDUnknownBlock(t *testing.T) {
	dir := t.TempDir()
	reg, err := Create(dir, 1)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.FindPrevBlockID(42)
	require.Error(t, err)
}

func TestOpenRejectsMissingInitMarker(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, 1)
	require.Error(t, err)
}
