package pbe

import (
	"encoding/binary"

	"github.com/latticedb/lattice/dberr"
)

// PutUint16 / PutUint32 / PutUint64 encode fixed-width little-endian
// integers directly into dst (which must have sufficient length),
// matching the Plain Binary Encoding (PBE) half of this package's
// contract.
func PutUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func PutUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func PutUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }

func GetUint16(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }
func GetUint32(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }
func GetUint64(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }

// AppendUint16 / AppendUint32 / AppendUint64 append a fixed-width
// little-endian integer to dst and return the extended slice.
func AppendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func AppendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func AppendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	PutUint64(b[:], v)
	return append(dst, b[:]...)
}

const (
	MaxTinyStringLen  = 255
	MaxShortStringLen = 65535
	MaxLongStringLen  = 1<<32 - 1
)

// AppendTinyString encodes s with a 1-byte length prefix (len(s) <= 255).
func AppendTinyString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxTinyStringLen {
		return nil, dberr.Newf(dberr.InvalidArgument, "tiny string too long: %d bytes", len(s))
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

// AppendShortString encodes s with a 2-byte length prefix (len(s) <= 65535).
func AppendShortString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxShortStringLen {
		return nil, dberr.Newf(dberr.InvalidArgument, "short string too long: %d bytes", len(s))
	}
	dst = AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// AppendLongString encodes s with a 4-byte length prefix (len(s) < 4GiB).
func AppendLongString(dst []byte, s string) ([]byte, error) {
	if uint64(len(s)) > MaxLongStringLen {
		return nil, dberr.Newf(dberr.InvalidArgument, "long string too long: %d bytes", len(s))
	}
	dst = AppendUint32(dst, uint32(len(s)))
	return append(dst, s...), nil
}

func ReadTinyString(src []byte) (s string, rest []byte, err error) {
	if len(src) < 1 {
		return "", nil, dberr.New(dberr.Corrupt, "tiny string: missing length prefix")
	}
	n := int(src[0])
	if len(src) < 1+n {
		return "", nil, dberr.New(dberr.Corrupt, "tiny string: truncated body")
	}
	return string(src[1 : 1+n]), src[1+n:], nil
}

func ReadShortString(src []byte) (s string, rest []byte, err error) {
	if len(src) < 2 {
		return "", nil, dberr.New(dberr.Corrupt, "short string: missing length prefix")
	}
	n := int(GetUint16(src))
	if len(src) < 2+n {
		return "", nil, dberr.New(dberr.Corrupt, "short string: truncated body")
	}
	return string(src[2 : 2+n]), src[2+n:], nil
}

func ReadLongString(src []byte) (s string, rest []byte, err error) {
	if len(src) < 4 {
		return "", nil, dberr.New(dberr.Corrupt, "long string: missing length prefix")
	}
	n := int(GetUint32(src))
	if len(src) < 4+n {
		return "", nil, dberr.New(dberr.Corrupt, "long string: truncated body")
	}
	return string(src[4 : 4+n]), src[4+n:], nil
}

// AppendVarBlob writes a varuint64 length prefix followed by b's bytes, the
// form used by larger composite records (e.g. the Master Column Record)
// for their embedded strings and binary blobs.
func AppendVarBlob(dst []byte, b []byte) []byte {
	dst = EncodeVarUint64(uint64(len(b)), dst)
	return append(dst, b...)
}

func ReadVarBlob(src []byte) (b []byte, rest []byte, err error) {
	n, consumed, status := DecodeVarUint64(src)
	if status != StatusOK {
		return nil, nil, ToError(status)
	}
	src = src[consumed:]
	if uint64(len(src)) < n {
		return nil, nil, dberr.New(dberr.Corrupt, "blob: truncated body")
	}
	return src[:n], src[n:], nil
}
