// Package pbe implements the Base-128 varint and plain-binary (PBE)
// encoding primitives that every on-disk record in the engine composes
// from: fixed-width little-endian integers, Base-128 little-endian
// varints (with ZigZag for signed values), and length-prefixed strings
// and blobs. The produced byte stream is identical on little- and
// big-endian hosts.
package pbe

import "github.com/latticedb/lattice/dberr"

// Maximum encoded sizes for the varuint widths this package supports.
const (
	MaxVarUint16Size = 3
	MaxVarUint32Size = 5
	MaxVarUint64Size = 10
)

// DecodeStatus distinguishes the three outcomes of a varint decode.
type DecodeStatus int

const (
	// StatusOK: a complete value was decoded.
	StatusOK DecodeStatus = iota
	// StatusNeedMore: the buffer is shorter than the encoded value.
	StatusNeedMore
	// StatusCorrupt: the maximum byte count was consumed without a
	// terminator, or the final byte still carries the continuation bit.
	StatusCorrupt
)

// EncodeVarUint16 appends the Base-128 LE encoding of v to dst and returns
// the extended slice.
func EncodeVarUint16(v uint16, dst []byte) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func EncodeVarUint32(v uint32, dst []byte) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func EncodeVarUint64(v uint64, dst []byte) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// VarUint16Size returns the number of bytes EncodeVarUint16 would produce.
func VarUint16Size(v uint16) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

func VarUint32Size(v uint32) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

func VarUint64Size(v uint64) int {
	n := 1
	for v >= 0x80 {
		n++
		v >>= 7
	}
	return n
}

// DecodeVarUint64 decodes a Base-128 LE unsigned integer from src. It
// returns the decoded value, the number of bytes consumed, and a status:
// StatusNeedMore when src is too short to contain a complete value yet,
// StatusCorrupt when the maximum width is exceeded without a terminating
// byte (high bit clear).
func DecodeVarUint64(src []byte) (value uint64, n int, status DecodeStatus) {
	var result uint64
	var shift uint
	for i := 0; i < len(src) && i < MaxVarUint64Size; i++ {
		b := src[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, StatusOK
		}
		shift += 7
	}
	if len(src) >= MaxVarUint64Size {
		return 0, 0, StatusCorrupt
	}
	return 0, 0, StatusNeedMore
}

func DecodeVarUint32(src []byte) (value uint32, n int, status DecodeStatus) {
	v, n, status := DecodeVarUint64(boundSrc(src, MaxVarUint32Size))
	if status == StatusNeedMore && len(src) >= MaxVarUint32Size {
		return 0, 0, StatusCorrupt
	}
	if status != StatusOK {
		return 0, 0, status
	}
	if v > 0xffffffff {
		return 0, 0, StatusCorrupt
	}
	return uint32(v), n, StatusOK
}

func DecodeVarUint16(src []byte) (value uint16, n int, status DecodeStatus) {
	v, n, status := DecodeVarUint64(boundSrc(src, MaxVarUint16Size))
	if status == StatusNeedMore && len(src) >= MaxVarUint16Size {
		return 0, 0, StatusCorrupt
	}
	if status != StatusOK {
		return 0, 0, status
	}
	if v > 0xffff {
		return 0, 0, StatusCorrupt
	}
	return uint16(v), n, StatusOK
}

// boundSrc caps how many bytes DecodeVarUint64 is allowed to scan, so that
// a too-wide encoding of a narrower type is reported as Corrupt rather than
// silently accepted.
func boundSrc(src []byte, maxWidth int) []byte {
	if len(src) > maxWidth {
		return src[:maxWidth]
	}
	return src
}

// ZigZag encodes a signed integer for varint transport: (n<<1) ^ (n>>63).
func ZigZagEncode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func ZigZagDecode64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZigZagEncode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func ZigZagDecode32(u uint32) int32 {
	return int32(u>>1) ^ -int32(u&1)
}

func ZigZagEncode16(n int16) uint16 {
	return uint16((n << 1) ^ (n >> 15))
}

func ZigZagDecode16(u uint16) int16 {
	return int16(u>>1) ^ -int16(u&1)
}

// EncodeVarInt64 / DecodeVarInt64 apply ZigZag around the unsigned codec.
func EncodeVarInt64(v int64, dst []byte) []byte {
	return EncodeVarUint64(ZigZagEncode64(v), dst)
}

func DecodeVarInt64(src []byte) (value int64, n int, status DecodeStatus) {
	u, n, status := DecodeVarUint64(src)
	if status != StatusOK {
		return 0, 0, status
	}
	return ZigZagDecode64(u), n, StatusOK
}

// ToError converts a non-OK DecodeStatus into a dberr-tagged error; callers
// that got StatusOK should not call this.
func ToError(status DecodeStatus) error {
	switch status {
	case StatusNeedMore:
		return dberr.New(dberr.InvalidArgument, "varint: buffer too short")
	case StatusCorrupt:
		return dberr.New(dberr.Corrupt, "varint: malformed encoding")
	default:
		return nil
	}
}
