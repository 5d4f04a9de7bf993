// Package bridge relays SteamLink packets across one bridge hop.
//
// A nodeside bridge sits in radio range of nodes: it wraps node traffic
// into BS packets for the long hop and unwraps BN packets coming back. A
// storeside bridge sits next to the store and does the reverse, so the
// store and the nodes see each other's original bytes.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/metrics"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
)

var (
	// ErrWrongDirection is returned for packets travelling against the leg
	// they arrived on.
	ErrWrongDirection = errors.New("packet travels the wrong way for this leg")

	// ErrNotEncapsulated is returned when a leg expects a bridge packet.
	ErrNotEncapsulated = errors.New("expected bridge packet")

	// ErrMultiHop is returned for bridge packets that would be wrapped again.
	ErrMultiHop = errors.New("bridging is limited to one hop")

	// ErrInvalidMode is returned by ParseMode.
	ErrInvalidMode = errors.New("invalid bridge mode")
)

// Mode is the bridging role of a station.
type Mode uint8

const (
	ModeUnbridged Mode = iota
	ModeStoreSide
	ModeNodeSide
)

// String returns the mode name as used in configuration.
func (m Mode) String() string {
	switch m {
	case ModeStoreSide:
		return "storeside"
	case ModeNodeSide:
		return "nodeside"
	default:
		return "unbridged"
	}
}

// ParseMode parses a mode name. The empty string is unbridged.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unbridged", "none":
		return ModeUnbridged, nil
	case "storeside", "store":
		return ModeStoreSide, nil
	case "nodeside", "node":
		return ModeNodeSide, nil
	default:
		return ModeUnbridged, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Leg is one side of a bridge.
type Leg uint8

const (
	// LegNode faces the nodes.
	LegNode Leg = iota
	// LegStore faces the store.
	LegStore
)

// String returns the leg name.
func (l Leg) String() string {
	if l == LegStore {
		return "store"
	}
	return "node"
}

// Forward is a packet to transmit on the other leg.
type Forward struct {
	To     Leg
	Packet []byte
	ToSLID slid.SLID // Ultimate destination
}

// Config contains configuration for a Router.
type Config struct {
	Mode Mode

	// SLID is the bridge's own address, used as the outer SLID of wrapped
	// packets.
	SLID slid.SLID

	// StoreSLID is the destination of wrapped node traffic (nodeside).
	StoreSLID slid.SLID

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router decides where a packet received on one leg goes next.
type Router struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter creates a router. Bridged modes require valid SLIDs.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Mode != ModeUnbridged {
		if !cfg.SLID.IsValid() {
			return nil, fmt.Errorf("bridge slid: %w: %s", slid.ErrOutOfRange, cfg.SLID)
		}
	}
	if cfg.Mode == ModeNodeSide && !cfg.StoreSLID.IsValid() {
		return nil, fmt.Errorf("store slid: %w: %s", slid.ErrOutOfRange, cfg.StoreSLID)
	}
	return &Router{
		cfg: cfg,
		logger: logging.OrNop(cfg.Logger).With(
			logging.KeyComponent, "bridge",
			logging.KeyBridgeMode, cfg.Mode.String()),
	}, nil
}

// Mode returns the configured mode.
func (r *Router) Mode() Mode {
	return r.cfg.Mode
}

// Route handles a raw packet received on leg from. It returns nil, nil when
// the router does not relay, which is always the case when unbridged.
func (r *Router) Route(from Leg, raw []byte) (*Forward, error) {
	if r.cfg.Mode == ModeUnbridged {
		return nil, nil
	}

	fwd, err := r.route(from, raw)
	if err != nil {
		r.cfg.Metrics.RecordBridgeDrop(dropReason(err))
		r.logger.Warn("packet not relayed",
			logging.KeyLeg, from.String(),
			logging.KeyOp, opName(raw),
			logging.KeyError, err)
		return nil, err
	}

	r.cfg.Metrics.RecordBridgeForward(fwd.To.String())
	r.logger.Debug("packet relayed",
		logging.KeyLeg, fwd.To.String(),
		logging.KeyToSLID, fwd.ToSLID.String(),
		logging.KeyLength, len(fwd.Packet))
	return fwd, nil
}

func (r *Router) route(from Leg, raw []byte) (*Forward, error) {
	op, ok := protocol.PeekOp(raw)
	if !ok {
		return nil, fmt.Errorf("%w: empty packet", protocol.ErrSize)
	}
	d, err := protocol.Lookup(op)
	if err != nil {
		return nil, err
	}

	// Node legs carry node->store traffic inbound, store legs the reverse.
	want := protocol.NodeToStore
	if from == LegStore {
		want = protocol.StoreToNode
	}
	if d.Direction != want {
		return nil, fmt.Errorf("%w: %s on %s leg", ErrWrongDirection, d.Name, from)
	}

	switch {
	case r.cfg.Mode == ModeNodeSide && from == LegNode:
		return r.wrap(d, raw, r.cfg.StoreSLID, LegStore)
	case r.cfg.Mode == ModeNodeSide && from == LegStore:
		return r.unwrap(d, raw, LegNode)
	case r.cfg.Mode == ModeStoreSide && from == LegNode:
		return r.unwrap(d, raw, LegStore)
	default:
		h, _, err := protocol.DecodeControl(raw)
		if err != nil {
			return nil, err
		}
		return r.wrap(d, raw, h.SLID, LegNode)
	}
}

// wrap encapsulates raw into the bridge op travelling the same way.
func (r *Router) wrap(d protocol.Descriptor, raw []byte, to slid.SLID, leg Leg) (*Forward, error) {
	if protocol.IsBridge(d.Op) {
		return nil, fmt.Errorf("%w: %s", ErrMultiHop, d.Name)
	}
	h, _, err := protocol.DecodeControl(raw)
	if err != nil {
		return nil, err
	}
	if d.Header == protocol.HeaderData {
		if _, _, err := protocol.DecodeData(raw); err != nil {
			return nil, err
		}
	}

	outer := &protocol.Packet{
		Op:      protocol.BridgeOpFor(d.Direction),
		SLID:    r.cfg.SLID,
		PkgNum:  h.PkgNum,
		Payload: (&protocol.BridgePayload{ToSLID: to, Inner: raw}).Encode(),
	}
	encoded, err := outer.Encode()
	if err != nil {
		return nil, err
	}
	return &Forward{To: leg, Packet: encoded, ToSLID: to}, nil
}

// unwrap extracts the inner packet of a bridge op.
func (r *Router) unwrap(d protocol.Descriptor, raw []byte, leg Leg) (*Forward, error) {
	if !protocol.IsBridge(d.Op) {
		return nil, fmt.Errorf("%w: got %s", ErrNotEncapsulated, d.Name)
	}

	outer, err := protocol.DecodePacket(raw)
	if err != nil {
		return nil, err
	}
	bp, err := protocol.DecodeBridge(outer.Payload)
	if err != nil {
		return nil, err
	}

	inner, err := protocol.DecodePacket(bp.Inner)
	if err != nil {
		return nil, fmt.Errorf("inner packet: %w", err)
	}
	innerDesc, _ := inner.Descriptor()
	if innerDesc.Direction != d.Direction {
		return nil, fmt.Errorf("%w: inner %s inside %s", ErrWrongDirection, innerDesc.Name, d.Name)
	}
	if protocol.IsBridge(inner.Op) {
		return nil, fmt.Errorf("%w: nested %s", ErrMultiHop, innerDesc.Name)
	}

	return &Forward{To: leg, Packet: bp.Inner, ToSLID: bp.ToSLID}, nil
}

func opName(raw []byte) string {
	op, ok := protocol.PeekOp(raw)
	if !ok {
		return "EMPTY"
	}
	return protocol.OpName(op)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrWrongDirection):
		return "wrong_direction"
	case errors.Is(err, ErrNotEncapsulated):
		return "not_encapsulated"
	case errors.Is(err, ErrMultiHop):
		return "multi_hop"
	case errors.Is(err, slid.ErrOutOfRange):
		return "invalid_slid"
	case errors.Is(err, protocol.ErrPacketTooLarge):
		return "too_large"
	default:
		return "malformed"
	}
}
