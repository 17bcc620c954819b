// Package table implements Table: the grouping of a master column (MCR
// storage) and user columns that together give a table its row lifecycle
// (INSERT/UPDATE/DELETE) and TRID generation.
package table

import (
	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/internal/pbe"
	"github.com/latticedb/lattice/storage/colblock"
)

// OpType is an MCR's atomic operation type.
type OpType uint8

const (
	OpInsert OpType = 1
	OpUpdate OpType = 2
	OpDelete OpType = 3
)

// MaxMCRBodySize caps a serialized MCR body (excluding the leading size
// tag).
const MaxMCRBodySize = 0x8000 // 32 KiB

// MaxSizeTagSize is the widest a leading varuint16 body-size tag can be.
const MaxSizeTagSize = pbe.MaxVarUint16Size

// ColumnDataRecord is one user column's contribution to a row version: the
// address where its value was written, plus its own create/update
// timestamps.
type ColumnDataRecord struct {
	Address  colblock.Address
	CreateTS uint64
	UpdateTS uint64
}

func (r ColumnDataRecord) appendTo(buf []byte) []byte {
	buf = pbe.EncodeVarUint64(r.Address.BlockID, buf)
	buf = pbe.EncodeVarUint64(uint64(r.Address.Offset), buf)
	buf = pbe.EncodeVarUint64(r.CreateTS, buf)
	buf = pbe.EncodeVarUint64(r.UpdateTS, buf)
	return buf
}

func decodeColumnDataRecord(buf []byte) (ColumnDataRecord, int, error) {
	var r ColumnDataRecord
	total := 0

	blockID, n, status := pbe.DecodeVarUint64(buf[total:])
	if status != pbe.StatusOK {
		return r, 0, pbe.ToError(status)
	}
	total += n

	offset, n, status := pbe.DecodeVarUint64(buf[total:])
	if status != pbe.StatusOK {
		return r, 0, pbe.ToError(status)
	}
	total += n

	createTS, n, status := pbe.DecodeVarUint64(buf[total:])
	if status != pbe.StatusOK {
		return r, 0, pbe.ToError(status)
	}
	total += n

	updateTS, n, status := pbe.DecodeVarUint64(buf[total:])
	if status != pbe.StatusOK {
		return r, 0, pbe.ToError(status)
	}
	total += n

	r.Address = colblock.Address{BlockID: blockID, Offset: uint32(offset)}
	r.CreateTS = createTS
	r.UpdateTS = updateTS
	return r, total, nil
}

func appendAddress(buf []byte, addr colblock.Address) []byte {
	buf = pbe.EncodeVarUint64(addr.BlockID, buf)
	buf = pbe.EncodeVarUint64(uint64(addr.Offset), buf)
	return buf
}

func decodeAddress(buf []byte) (colblock.Address, int, error) {
	blockID, n1, status := pbe.DecodeVarUint64(buf)
	if status != pbe.StatusOK {
		return colblock.Address{}, 0, pbe.ToError(status)
	}
	offset, n2, status := pbe.DecodeVarUint64(buf[n1:])
	if status != pbe.StatusOK {
		return colblock.Address{}, 0, pbe.ToError(status)
	}
	return colblock.Address{BlockID: blockID, Offset: uint32(offset)}, n1 + n2, nil
}

// MCR is one Master Column Record: the per-version descriptor that pins
// every user column's write address for one row version and links to its
// predecessor.
type MCR struct {
	TRID                   uint64
	TransactionID          uint64
	CreateTS               uint64
	UpdateTS               uint64
	Version                uint64
	OperationID            uint64
	OperationType          OpType
	UserID                 uint64
	ColumnSetID            uint64
	PrivateExpirationTS    uint64
	ColumnRecords          []ColumnDataRecord
	PreviousVersionAddress colblock.Address
}

// bodyBytes serializes the MCR body (everything after the size tag).
func (m *MCR) bodyBytes() []byte {
	buf := make([]byte, 0, 64+len(m.ColumnRecords)*24)
	buf = pbe.EncodeVarUint64(m.TRID, buf)
	buf = pbe.EncodeVarUint64(m.TransactionID, buf)
	buf = pbe.EncodeVarUint64(m.CreateTS, buf)
	buf = pbe.EncodeVarUint64(m.UpdateTS, buf)
	buf = pbe.EncodeVarUint64(m.Version, buf)
	buf = pbe.EncodeVarUint64(m.OperationID, buf)
	buf = append(buf, byte(m.OperationType))
	buf = pbe.EncodeVarUint64(m.UserID, buf)
	buf = pbe.EncodeVarUint64(m.ColumnSetID, buf)
	buf = pbe.EncodeVarUint64(m.PrivateExpirationTS, buf)
	buf = pbe.EncodeVarUint64(uint64(len(m.ColumnRecords)), buf)
	for _, r := range m.ColumnRecords {
		buf = r.appendTo(buf)
	}
	buf = appendAddress(buf, m.PreviousVersionAddress)
	return buf
}

// Marshal serializes the MCR with its leading varuint16 size tag. It
// returns InvalidArgument if the body exceeds MaxMCRBodySize.
func (m *MCR) Marshal() ([]byte, error) {
	body := m.bodyBytes()
	if len(body) > MaxMCRBodySize {
		return nil, dberr.Newf(dberr.InvalidArgument, "MCR body of %d bytes exceeds the %d byte cap", len(body), MaxMCRBodySize)
	}
	out := make([]byte, 0, MaxSizeTagSize+len(body))
	out = pbe.EncodeVarUint16(uint16(len(body)), out)
	out = append(out, body...)
	return out, nil
}

// UnmarshalMCR parses one size-tagged MCR starting at the front of buf,
// returning the record and the total number of bytes consumed (size tag
// + body).
func UnmarshalMCR(buf []byte) (MCR, int, error) {
	var m MCR

	bodySize, n, status := pbe.DecodeVarUint16(buf)
	if status != pbe.StatusOK {
		return m, 0, pbe.ToError(status)
	}
	total := n
	if int(bodySize) > MaxMCRBodySize {
		return m, 0, dberr.New(dberr.Corrupt, "MCR body size tag exceeds the maximum allowed size")
	}
	if total+int(bodySize) > len(buf) {
		return m, 0, dberr.New(dberr.InvalidArgument, "MCR buffer shorter than its declared body size")
	}
	body := buf[total : total+int(bodySize)]
	bodyStart := total

	off := 0
	read := func() (uint64, error) {
		v, n, status := pbe.DecodeVarUint64(body[off:])
		if status != pbe.StatusOK {
			return 0, pbe.ToError(status)
		}
		off += n
		return v, nil
	}

	var err error
	if m.TRID, err = read(); err != nil {
		return m, 0, err
	}
	if m.TransactionID, err = read(); err != nil {
		return m, 0, err
	}
	if m.CreateTS, err = read(); err != nil {
		return m, 0, err
	}
	if m.UpdateTS, err = read(); err != nil {
		return m, 0, err
	}
	if m.Version, err = read(); err != nil {
		return m, 0, err
	}
	if m.OperationID, err = read(); err != nil {
		return m, 0, err
	}
	if off >= len(body) {
		return m, 0, dberr.New(dberr.Corrupt, "MCR body truncated before operation type")
	}
	m.OperationType = OpType(body[off])
	off++
	if m.UserID, err = read(); err != nil {
		return m, 0, err
	}
	if m.ColumnSetID, err = read(); err != nil {
		return m, 0, err
	}
	if m.PrivateExpirationTS, err = read(); err != nil {
		return m, 0, err
	}
	count, err := read()
	if err != nil {
		return m, 0, err
	}
	m.ColumnRecords = make([]ColumnDataRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		rec, n, err := decodeColumnDataRecord(body[off:])
		if err != nil {
			return m, 0, err
		}
		off += n
		m.ColumnRecords = append(m.ColumnRecords, rec)
	}
	addr, n, err := decodeAddress(body[off:])
	if err != nil {
		return m, 0, err
	}
	off += n
	m.PreviousVersionAddress = addr

	return m, bodyStart + int(bodySize), nil
}
