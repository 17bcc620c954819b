package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/storage/colblock"
)

func TestMCRMarshalRoundtrip(t *testing.T) {
	m := MCR{
		TRID:                1001,
		TransactionID:       5,
		CreateTS:            1700000000,
		UpdateTS:             1700000000,
		Version:             1,
		OperationID:         9,
		OperationType:       OpInsert,
		UserID:              1,
		ColumnSetID:         3,
		PrivateExpirationTS: 0,
		ColumnRecords: []ColumnDataRecord{
			{Address: colblock.Address{BlockID: 0, Offset: 0}, CreateTS: 1700000000, UpdateTS: 1700000000},
			{Address: colblock.Address{BlockID: 0, Offset: 5}, CreateTS: 1700000000, UpdateTS: 1700000000},
		},
		PreviousVersionAddress: colblock.NullAddress,
	}

	buf, err := m.Marshal()
	require.NoError(t, err)

	got, consumed, err := UnmarshalMCR(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.Equal(t, m.TRID, got.TRID)
	require.Equal(t, m.Version, got.Version)
	require.Equal(t, m.OperationType, got.OperationType)
	require.Equal(t, m.ColumnRecords, got.ColumnRecords)
	require.True(t, got.PreviousVersionAddress.IsNull())
}

func TestMCRRejectsOversizedBody(t *testing.T) {
	// A zero-valued record encodes to 4 bytes, so 9000 of them exceed the
	// 32 KiB body cap.
	m := MCR{ColumnRecords: make([]ColumnDataRecord, 9000)}
	_, err := m.Marshal()
	require.Error(t, err)
}

func TestUnmarshalMCRConsumesOnlyItsOwnRecord(t *testing.T) {
	m1 := MCR{TRID: 1, Version: 1, OperationType: OpInsert}
	buf1, err := m1.Marshal()
	require.NoError(t, err)

	m2 := MCR{TRID: 2, Version: 1, OperationType: OpInsert}
	buf2, err := m2.Marshal()
	require.NoError(t, err)

	concat := append(append([]byte{}, buf1...), buf2...)

	got1, n1, err := UnmarshalMCR(concat)
	require.NoError(t, err)
	require.Equal(t, len(buf1), n1)
	require.EqualValues(t, 1, got1.TRID)

	got2, n2, err := UnmarshalMCR(concat[n1:])
	require.NoError(t, err)
	require.Equal(t, len(buf2), n2)
	require.EqualValues(t, 2, got2.TRID)
}
