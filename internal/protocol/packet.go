package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/postalsys/steamlink/internal/slid"
)

// Payload sizes of fixed-layout ops.
const (
	AckSize          = 1
	OfflineSize      = 2
	SetConfigSize    = 2
	BridgePrefixSize = slid.Size
	StatusSize       = 1 + 4*5
)

// MaxPacketSize bounds a single radio packet, header included.
const MaxPacketSize = 255

var (
	// ErrInvalidPayload is returned when an op-specific payload is malformed.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPacketTooLarge is returned when an encoded packet exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
)

// Packet is a decoded SteamLink packet. RSSI is only meaningful for ops with
// a data header.
type Packet struct {
	Op      uint8
	SLID    slid.SLID
	PkgNum  uint16
	RSSI    uint8
	Payload []byte
}

// Descriptor returns the op table entry for the packet.
func (p *Packet) Descriptor() (Descriptor, error) {
	return Lookup(p.Op)
}

// Encode serializes the packet using the header shape its op requires.
func (p *Packet) Encode() ([]byte, error) {
	d, err := Lookup(p.Op)
	if err != nil {
		return nil, err
	}
	if !p.SLID.IsValid() {
		return nil, fmt.Errorf("%w: 0x%X", slid.ErrOutOfRange, uint32(p.SLID))
	}

	size := d.Header.Size() + len(p.Payload)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}

	buf := make([]byte, 0, size)
	if d.Header == HeaderData {
		buf = DataHeader{Op: p.Op, SLID: p.SLID, PkgNum: p.PkgNum, RSSI: p.RSSI}.AppendTo(buf)
	} else {
		buf = ControlHeader{Op: p.Op, SLID: p.SLID, PkgNum: p.PkgNum}.AppendTo(buf)
	}
	return append(buf, p.Payload...), nil
}

// DecodePacket parses a raw packet. The op must be known; for unknown ops use
// DecodeControl to recover the common prefix.
func DecodePacket(buf []byte) (*Packet, error) {
	op, ok := PeekOp(buf)
	if !ok {
		return nil, fmt.Errorf("%w: empty packet", ErrSize)
	}
	d, err := Lookup(op)
	if err != nil {
		return nil, err
	}

	var (
		p    Packet
		rest []byte
	)
	if d.Header == HeaderData {
		h, r, err := DecodeData(buf)
		if err != nil {
			return nil, err
		}
		p = Packet{Op: h.Op, SLID: h.SLID, PkgNum: h.PkgNum, RSSI: h.RSSI}
		rest = r
	} else {
		h, r, err := DecodeControl(buf)
		if err != nil {
			return nil, err
		}
		p = Packet{Op: h.Op, SLID: h.SLID, PkgNum: h.PkgNum}
		rest = r
	}

	p.Payload = make([]byte, len(rest))
	copy(p.Payload, rest)
	return &p, nil
}

// String returns a debug representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Op=%s(0x%02X), SLID=%s, PkgNum=%d, RSSI=%d, PayloadLen=%d}",
		OpName(p.Op), p.Op, p.SLID, p.PkgNum, p.RSSI, len(p.Payload))
}

// DescribePacket renders a raw packet for diagnostics, including a hex dump
// of the payload. Undecodable input is described rather than rejected.
func DescribePacket(buf []byte) string {
	p, err := DecodePacket(buf)
	if err != nil {
		return fmt.Sprintf("invalid packet (%v): %s", err, hex.EncodeToString(buf))
	}
	return fmt.Sprintf("%s payload=%s", p.String(), hex.EncodeToString(p.Payload))
}

// ============================================================================
// Payload structures
// ============================================================================

// EncodeAck returns the payload of an AS or AN packet.
func EncodeAck(code AckCode) []byte {
	return []byte{byte(code)}
}

// DecodeAck reads the ack code from an AS or AN payload.
func DecodeAck(buf []byte) (AckCode, error) {
	if len(buf) != AckSize {
		return 0, fmt.Errorf("%w: ack payload is %d bytes", ErrInvalidPayload, len(buf))
	}
	return AckCode(buf[0]), nil
}

// BridgePayload is the payload of BS and BN packets: the ultimate
// destination followed by the encapsulated raw packet.
type BridgePayload struct {
	ToSLID slid.SLID
	Inner  []byte
}

// Encode serializes the bridge payload.
func (b *BridgePayload) Encode() []byte {
	buf := make([]byte, 0, BridgePrefixSize+len(b.Inner))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.ToSLID))
	return append(buf, b.Inner...)
}

// DecodeBridge parses a BS/BN payload and validates the destination.
func DecodeBridge(buf []byte) (*BridgePayload, error) {
	if len(buf) < BridgePrefixSize+ControlHeaderSize {
		return nil, fmt.Errorf("%w: bridge payload is %d bytes", ErrInvalidPayload, len(buf))
	}
	to, err := slid.Validate(binary.LittleEndian.Uint32(buf[:BridgePrefixSize]))
	if err != nil {
		return nil, err
	}
	inner := make([]byte, len(buf)-BridgePrefixSize)
	copy(inner, buf[BridgePrefixSize:])
	return &BridgePayload{ToSLID: to, Inner: inner}, nil
}

// EncodeOffline returns the payload of an OF packet.
func EncodeOffline(seconds uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, seconds)
}

// DecodeOffline reads the do-not-disturb duration of an OF packet.
func DecodeOffline(buf []byte) (uint16, error) {
	if len(buf) != OfflineSize {
		return 0, fmt.Errorf("%w: offline payload is %d bytes", ErrInvalidPayload, len(buf))
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// SetConfig is the payload of an SC packet. Version must match the node's
// configuration record version.
type SetConfig struct {
	Version     uint8
	RadioParams uint8
}

// Encode serializes the SC payload.
func (s SetConfig) Encode() []byte {
	return []byte{s.Version, s.RadioParams}
}

// DecodeSetConfig parses an SC payload.
func DecodeSetConfig(buf []byte) (SetConfig, error) {
	if len(buf) != SetConfigSize {
		return SetConfig{}, fmt.Errorf("%w: set-config payload is %d bytes", ErrInvalidPayload, len(buf))
	}
	return SetConfig{Version: buf[0], RadioParams: buf[1]}, nil
}

// Status is the payload of an SS packet.
type Status struct {
	ConfigVersion uint8
	UptimeSeconds uint32
	Received      uint32
	Sent          uint32
	Retransmits   uint32
	Failures      uint32
}

// Encode serializes the status payload.
func (s *Status) Encode() []byte {
	buf := make([]byte, 0, StatusSize)
	buf = append(buf, s.ConfigVersion)
	buf = binary.LittleEndian.AppendUint32(buf, s.UptimeSeconds)
	buf = binary.LittleEndian.AppendUint32(buf, s.Received)
	buf = binary.LittleEndian.AppendUint32(buf, s.Sent)
	buf = binary.LittleEndian.AppendUint32(buf, s.Retransmits)
	return binary.LittleEndian.AppendUint32(buf, s.Failures)
}

// DecodeStatus parses an SS payload.
func DecodeStatus(buf []byte) (*Status, error) {
	if len(buf) < StatusSize {
		return nil, fmt.Errorf("%w: status payload is %d bytes", ErrInvalidPayload, len(buf))
	}

	s := &Status{}
	offset := 0

	s.ConfigVersion = buf[offset]
	offset++

	for _, field := range []*uint32{&s.UptimeSeconds, &s.Received, &s.Sent, &s.Retransmits, &s.Failures} {
		*field = binary.LittleEndian.Uint32(buf[offset:])
		offset += 4
	}

	return s, nil
}
