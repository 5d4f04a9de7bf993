// Package protocol defines the SteamLink wire protocol: the op-code table,
// the two fixed packet headers and the payloads carried by specific ops.
//
// All multi-byte integers on the wire are little-endian.
package protocol

import (
	"errors"
	"fmt"
)

// Op codes. Even values are admin control ops travelling store -> node,
// odd values are admin data ops travelling node -> store.
const (
	OpDN uint8 = 0x30 // Data to node, acknowledged with AS
	OpBN uint8 = 0x32 // Bridge to node
	OpGS uint8 = 0x34 // Get status, answered with SS
	OpTD uint8 = 0x36 // Transmit test data, answered with TR
	OpSC uint8 = 0x38 // Set radio parameters
	OpBC uint8 = 0x3A // Restart node
	OpBR uint8 = 0x3C // Reset the radio
	OpAN uint8 = 0x3E // Store -> node acknowledgment

	OpDS uint8 = 0x31 // Data to store, acknowledged with AN
	OpBS uint8 = 0x33 // Bridge to store
	OpON uint8 = 0x35 // Node online announcement
	OpAS uint8 = 0x37 // Node -> store acknowledgment
	OpMS uint8 = 0x39 // Log a user message to the store
	OpTR uint8 = 0x3B // Received test data
	OpSS uint8 = 0x3D // Status info and counters
	OpOF uint8 = 0x3F // Going offline, payload is seconds of silence
)

const (
	// OpMin is the lowest assigned op code.
	OpMin uint8 = 0x30

	// OpMax is the highest assigned op code.
	OpMax uint8 = 0x3F
)

// AckCode is carried as the single payload byte of AS and AN packets.
type AckCode uint8

// Ack codes
const (
	AckSuccess    AckCode = 0x0
	AckDuplicate  AckCode = 0x1
	AckUnexpected AckCode = 0x2
	AckVersionErr AckCode = 0x3
	AckSizeErr    AckCode = 0x4
)

// String returns the name of the ack code.
func (c AckCode) String() string {
	switch c {
	case AckSuccess:
		return "SUCCESS"
	case AckDuplicate:
		return "DUPLICATE"
	case AckUnexpected:
		return "UNEXPECTED"
	case AckVersionErr:
		return "VERSION_ERR"
	case AckSizeErr:
		return "SIZE_ERR"
	default:
		return "UNKNOWN"
	}
}

// Direction is the leg an op travels on.
type Direction uint8

const (
	StoreToNode Direction = iota
	NodeToStore
)

// String returns a short form of the direction.
func (d Direction) String() string {
	if d == NodeToStore {
		return "node->store"
	}
	return "store->node"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == NodeToStore {
		return StoreToNode
	}
	return NodeToStore
}

// HeaderKind selects between the two fixed header shapes.
type HeaderKind uint8

const (
	HeaderControl HeaderKind = iota
	HeaderData
)

// Size returns the encoded length of the header shape.
func (k HeaderKind) Size() int {
	if k == HeaderData {
		return DataHeaderSize
	}
	return ControlHeaderSize
}

// String returns the header kind name.
func (k HeaderKind) String() string {
	if k == HeaderData {
		return "data"
	}
	return "control"
}

// AnyPayload marks a descriptor without an upper payload bound.
const AnyPayload = -1

var (
	// ErrUnknownOp is returned for op codes outside [OpMin, OpMax].
	ErrUnknownOp = errors.New("unknown op code")

	// ErrPayloadSize is returned when a payload does not fit an op.
	ErrPayloadSize = errors.New("payload size does not match op")
)

// Descriptor classifies an op code.
type Descriptor struct {
	Op        uint8
	Name      string
	Direction Direction
	Header    HeaderKind
	Reliable  bool  // Delivery must be confirmed by an ack
	HasReply  bool  // Reply is meaningful
	Reply     uint8 // Op expected in response, valid when HasReply
	MinSize   int
	MaxSize   int // AnyPayload for unbounded
}

// CheckPayload validates a payload length against the descriptor.
func (d Descriptor) CheckPayload(n int) error {
	if n < d.MinSize || (d.MaxSize != AnyPayload && n > d.MaxSize) {
		return fmt.Errorf("%w: %s carries %d bytes, want %s", ErrPayloadSize, d.Name, n, d.sizeString())
	}
	return nil
}

func (d Descriptor) sizeString() string {
	switch {
	case d.MaxSize == AnyPayload && d.MinSize == 0:
		return "any"
	case d.MaxSize == AnyPayload:
		return fmt.Sprintf(">= %d", d.MinSize)
	case d.MinSize == d.MaxSize:
		return fmt.Sprintf("%d", d.MinSize)
	default:
		return fmt.Sprintf("%d..%d", d.MinSize, d.MaxSize)
	}
}

// opTable is indexed by op - OpMin.
var opTable = [OpMax - OpMin + 1]Descriptor{
	OpDN - OpMin: {Op: OpDN, Name: "DN", Direction: StoreToNode, Header: HeaderControl, Reliable: true, HasReply: true, Reply: OpAS, MaxSize: AnyPayload},
	OpBN - OpMin: {Op: OpBN, Name: "BN", Direction: StoreToNode, Header: HeaderControl, MinSize: BridgePrefixSize + ControlHeaderSize, MaxSize: AnyPayload},
	OpGS - OpMin: {Op: OpGS, Name: "GS", Direction: StoreToNode, Header: HeaderControl, HasReply: true, Reply: OpSS},
	OpTD - OpMin: {Op: OpTD, Name: "TD", Direction: StoreToNode, Header: HeaderControl, HasReply: true, Reply: OpTR, MaxSize: AnyPayload},
	OpSC - OpMin: {Op: OpSC, Name: "SC", Direction: StoreToNode, Header: HeaderControl, Reliable: true, HasReply: true, Reply: OpAS, MinSize: SetConfigSize, MaxSize: SetConfigSize},
	OpBC - OpMin: {Op: OpBC, Name: "BC", Direction: StoreToNode, Header: HeaderControl, Reliable: true, HasReply: true, Reply: OpAS},
	OpBR - OpMin: {Op: OpBR, Name: "BR", Direction: StoreToNode, Header: HeaderControl, Reliable: true, HasReply: true, Reply: OpAS},
	OpAN - OpMin: {Op: OpAN, Name: "AN", Direction: StoreToNode, Header: HeaderControl, MinSize: AckSize, MaxSize: AckSize},

	OpDS - OpMin: {Op: OpDS, Name: "DS", Direction: NodeToStore, Header: HeaderData, Reliable: true, HasReply: true, Reply: OpAN, MaxSize: AnyPayload},
	OpBS - OpMin: {Op: OpBS, Name: "BS", Direction: NodeToStore, Header: HeaderData, MinSize: BridgePrefixSize + ControlHeaderSize, MaxSize: AnyPayload},
	OpON - OpMin: {Op: OpON, Name: "ON", Direction: NodeToStore, Header: HeaderData, MaxSize: AnyPayload},
	OpAS - OpMin: {Op: OpAS, Name: "AS", Direction: NodeToStore, Header: HeaderData, MinSize: AckSize, MaxSize: AckSize},
	OpMS - OpMin: {Op: OpMS, Name: "MS", Direction: NodeToStore, Header: HeaderData, Reliable: true, HasReply: true, Reply: OpAN, MaxSize: AnyPayload},
	OpTR - OpMin: {Op: OpTR, Name: "TR", Direction: NodeToStore, Header: HeaderData, MaxSize: AnyPayload},
	OpSS - OpMin: {Op: OpSS, Name: "SS", Direction: NodeToStore, Header: HeaderData, MaxSize: AnyPayload},
	OpOF - OpMin: {Op: OpOF, Name: "OF", Direction: NodeToStore, Header: HeaderData, MinSize: OfflineSize, MaxSize: OfflineSize},
}

// Lookup returns the descriptor for op.
func Lookup(op uint8) (Descriptor, error) {
	if op < OpMin || op > OpMax {
		return Descriptor{}, fmt.Errorf("%w: 0x%02X", ErrUnknownOp, op)
	}
	return opTable[op-OpMin], nil
}

// Descriptors returns the full table in op order.
func Descriptors() []Descriptor {
	out := make([]Descriptor, len(opTable))
	copy(out, opTable[:])
	return out
}

// OpName returns the two-letter mnemonic for op, or UNKNOWN.
func OpName(op uint8) string {
	d, err := Lookup(op)
	if err != nil {
		return "UNKNOWN"
	}
	return d.Name
}

// AckOpFor returns the acknowledgment op travelling in direction d.
func AckOpFor(d Direction) uint8 {
	if d == NodeToStore {
		return OpAS
	}
	return OpAN
}

// IsAck reports whether op is one of the two acknowledgment ops.
func IsAck(op uint8) bool {
	d, err := Lookup(op)
	if err != nil {
		return false
	}
	return d.Op == AckOpFor(d.Direction)
}

// IsBridge reports whether op encapsulates another packet.
func IsBridge(op uint8) bool {
	d, err := Lookup(op)
	if err != nil {
		return false
	}
	return d.Op == BridgeOpFor(d.Direction)
}

// BridgeOpFor returns the encapsulating op travelling in direction d.
func BridgeOpFor(d Direction) uint8 {
	if d == NodeToStore {
		return OpBS
	}
	return OpBN
}
