package pbe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarUint64Roundtrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, math.MaxUint32, math.MaxUint64, math.MaxUint64 - 1}
	for _, v := range values {
		buf := EncodeVarUint64(v, nil)
		require.LessOrEqual(t, len(buf), MaxVarUint64Size)
		got, n, status := DecodeVarUint64(buf)
		require.Equal(t, StatusOK, status)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestVarUint64NeedMore(t *testing.T) {
	full := EncodeVarUint64(math.MaxUint64, nil)
	_, _, status := DecodeVarUint64(full[:len(full)-1])
	require.Equal(t, StatusNeedMore, status)
}

func TestVarUint64Corrupt(t *testing.T) {
	buf := make([]byte, MaxVarUint64Size)
	for i := range buf {
		buf[i] = 0x80
	}
	_, _, status := DecodeVarUint64(buf)
	require.Equal(t, StatusCorrupt, status)
}

func TestZigZagRoundtrip64(t *testing.T) {
	values := []int64{0, 1, -1, math.MaxInt64, math.MinInt64, 42, -42}
	for _, v := range values {
		u := ZigZagEncode64(v)
		require.Equal(t, v, ZigZagDecode64(u))
	}
}

func TestZigZagRoundtrip32(t *testing.T) {
	values := []int32{0, 1, -1, math.MaxInt32, math.MinInt32}
	for _, v := range values {
		require.Equal(t, v, ZigZagDecode32(ZigZagEncode32(v)))
	}
}

func TestVarInt64Roundtrip(t *testing.T) {
	values := []int64{0, -1, 1, -1000000, 1000000, math.MinInt64, math.MaxInt64}
	for _, v := range values {
		buf := EncodeVarInt64(v, nil)
		got, n, status := DecodeVarInt64(buf)
		require.Equal(t, StatusOK, status)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestStringHelpersRoundtrip(t *testing.T) {
	var buf []byte
	buf, err := AppendTinyString(buf, "hello")
	require.NoError(t, err)
	s, rest, err := ReadTinyString(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
	require.Empty(t, rest)

	buf = nil
	buf, err = AppendShortString(buf, "world")
	require.NoError(t, err)
	s, _, err = ReadShortString(buf)
	require.NoError(t, err)
	require.Equal(t, "world", s)
}

func TestVarBlobRoundtrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	buf := AppendVarBlob(nil, data)
	got, rest, err := ReadVarBlob(buf)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Empty(t, rest)
}

func TestTinyStringTooLong(t *testing.T) {
	_, err := AppendTinyString(nil, string(make([]byte, 256)))
	require.Error(t, err)
}
