package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/steamlink/internal/slid"
)

const (
	// ControlHeaderSize is the encoded size of a ControlHeader.
	ControlHeaderSize = 1 + slid.Size + 2

	// DataHeaderSize is the encoded size of a DataHeader.
	DataHeaderSize = ControlHeaderSize + 1
)

// ErrSize is returned when a buffer is too short for the header it claims.
var ErrSize = errors.New("buffer too short for header")

// ControlHeader prefixes command and control packets.
// Layout (7 bytes, little-endian):
//
//	Op     [1 byte]
//	SLID   [4 bytes]
//	PkgNum [2 bytes]
type ControlHeader struct {
	Op     uint8
	SLID   slid.SLID
	PkgNum uint16
}

// DataHeader prefixes telemetry and data packets. RSSI is filled in by the
// receiving radio driver; senders leave it zero.
// Layout (8 bytes, little-endian):
//
//	Op     [1 byte]
//	SLID   [4 bytes]
//	PkgNum [2 bytes]
//	RSSI   [1 byte]
type DataHeader struct {
	Op     uint8
	SLID   slid.SLID
	PkgNum uint16
	RSSI   uint8
}

// Encode serializes the header.
func (h ControlHeader) Encode() []byte {
	return h.AppendTo(make([]byte, 0, ControlHeaderSize))
}

// AppendTo appends the encoded header to buf.
func (h ControlHeader) AppendTo(buf []byte) []byte {
	buf = append(buf, h.Op)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.SLID))
	return binary.LittleEndian.AppendUint16(buf, h.PkgNum)
}

// Encode serializes the header.
func (h DataHeader) Encode() []byte {
	return h.AppendTo(make([]byte, 0, DataHeaderSize))
}

// AppendTo appends the encoded header to buf.
func (h DataHeader) AppendTo(buf []byte) []byte {
	buf = ControlHeader{Op: h.Op, SLID: h.SLID, PkgNum: h.PkgNum}.AppendTo(buf)
	return append(buf, h.RSSI)
}

// DecodeControl reads a control header from buf and returns the bytes
// following it. The SLID is validated.
func DecodeControl(buf []byte) (ControlHeader, []byte, error) {
	h, err := decodePrefix(buf)
	if err != nil {
		return ControlHeader{}, nil, err
	}
	return h, buf[ControlHeaderSize:], nil
}

// DecodeData reads a data header from buf and returns the bytes following it.
// The SLID is validated.
func DecodeData(buf []byte) (DataHeader, []byte, error) {
	if len(buf) < DataHeaderSize {
		return DataHeader{}, nil, fmt.Errorf("%w: have %d bytes, data header needs %d", ErrSize, len(buf), DataHeaderSize)
	}
	prefix, err := decodePrefix(buf)
	if err != nil {
		return DataHeader{}, nil, err
	}
	h := DataHeader{
		Op:     prefix.Op,
		SLID:   prefix.SLID,
		PkgNum: prefix.PkgNum,
		RSSI:   buf[ControlHeaderSize],
	}
	return h, buf[DataHeaderSize:], nil
}

// decodePrefix reads the {op, slid, pkg_num} prefix shared by both headers.
func decodePrefix(buf []byte) (ControlHeader, error) {
	if len(buf) < ControlHeaderSize {
		return ControlHeader{}, fmt.Errorf("%w: have %d bytes, control header needs %d", ErrSize, len(buf), ControlHeaderSize)
	}
	id, err := slid.Validate(binary.LittleEndian.Uint32(buf[1:5]))
	if err != nil {
		return ControlHeader{}, err
	}
	return ControlHeader{
		Op:     buf[0],
		SLID:   id,
		PkgNum: binary.LittleEndian.Uint16(buf[5:7]),
	}, nil
}

// PeekOp returns the op byte of a raw packet without decoding it.
func PeekOp(buf []byte) (uint8, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	return buf[0], true
}
