// Package station runs a SteamLink endpoint: a store, a node or a bridge.
//
// Every received frame goes through the same pipeline: header decode, op
// lookup, ack classification and reply, then either bridging (bridge role)
// or dispatch to the built-in handlers and the application Handler.
// Poll and Tick do all the work; Run calls them on an interval.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/steamlink/internal/ack"
	"github.com/postalsys/steamlink/internal/bridge"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/metrics"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/radio"
	"github.com/postalsys/steamlink/internal/recovery"
	"github.com/postalsys/steamlink/internal/slid"
)

var (
	// ErrWrongRole is returned by role-specific operations.
	ErrWrongRole = errors.New("operation not available for this role")

	// ErrNodeOffline is returned when a store addresses a node inside its
	// announced offline window.
	ErrNodeOffline = errors.New("node is offline")

	// ErrInvalidRole is returned by ParseRole.
	ErrInvalidRole = errors.New("invalid station role")
)

// Role is what a station does on the link.
type Role uint8

const (
	RoleStore Role = iota
	RoleNode
	RoleBridge
)

// String returns the role name as used in configuration.
func (r Role) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleBridge:
		return "bridge"
	default:
		return "store"
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "store":
		return RoleStore, nil
	case "node":
		return RoleNode, nil
	case "bridge":
		return RoleBridge, nil
	default:
		return RoleStore, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Handler receives application traffic.
type Handler interface {
	// OnData is called once per accepted data payload: DN at a node, DS at
	// a store. Duplicates are never delivered.
	OnData(payload []byte)

	// OnBridge is called by a bridge for every relayed packet with the
	// ultimate destination.
	OnBridge(raw []byte, toSLID slid.SLID)
}

// Commander is implemented by node handlers that act on SC, BC and BR
// after they have been accepted and acknowledged.
type Commander interface {
	OnCommand(op uint8, payload []byte)
}

// PacketObserver is implemented by handlers that want every accepted
// packet, including status and test replies.
type PacketObserver interface {
	OnPacket(pkt *protocol.Packet)
}

// Platform supplies the clock and log sink.
type Platform struct {
	Clock  ack.Clock
	Logger *slog.Logger
}

// Drivers are the radio links of a station. Bridges use both: Radio faces
// the nodes and StoreLink faces the store. Other roles use Radio only.
type Drivers struct {
	Radio     radio.Driver
	StoreLink radio.Driver
}

// Config contains configuration for a station.
type Config struct {
	Role Role

	// SLID is the station's own address. Nodes take it from their record.
	SLID slid.SLID

	// Node is the node's configuration record. When nil a node loads it
	// from Storage.
	Node    *nodecfg.NodeConfig
	Storage nodecfg.Storage

	// Bridge settings
	BridgeMode bridge.Mode
	StoreSLID  slid.SLID

	AckTimeout   time.Duration
	MaxRetries   int
	PollInterval time.Duration
	TickInterval time.Duration
	SendTimeout  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	ackCfg := ack.DefaultConfig()
	return Config{
		Role:         RoleStore,
		AckTimeout:   ackCfg.AckTimeout,
		MaxRetries:   ackCfg.MaxRetries,
		PollInterval: 5 * time.Millisecond,
		TickInterval: 100 * time.Millisecond,
		SendTimeout:  5 * time.Second,
	}
}

// Station is a running SteamLink endpoint.
type Station struct {
	cfg      Config
	radio    radio.Driver
	storeLnk radio.Driver
	handler  Handler
	clock    ack.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	engine *ack.Engine    // store and node
	router *bridge.Router // bridge

	ctx    context.Context
	cancel context.CancelFunc

	loopMu  sync.Mutex // serialises Poll and Tick
	started time.Time

	received atomic.Uint32
	sent     atomic.Uint32
	running  atomic.Bool

	mu    sync.Mutex
	node  *nodecfg.NodeConfig     // node role
	nodes map[slid.SLID]*NodeInfo // store role

	closeOnce sync.Once
}

// New creates a station. A node whose record is missing or from another
// layout version is refused.
func New(cfg Config, drivers Drivers, handler Handler, platform Platform) (*Station, error) {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaults.AckTimeout
	}
	if drivers.Radio == nil {
		return nil, errors.New("radio driver required")
	}
	if handler == nil {
		handler = NopHandler{}
	}
	if platform.Clock == nil {
		platform.Clock = ack.SystemClock{}
	}

	s := &Station{
		cfg:     cfg,
		radio:   drivers.Radio,
		handler: handler,
		clock:   platform.Clock,
		metrics: cfg.Metrics,
		nodes:   make(map[slid.SLID]*NodeInfo),
	}

	switch cfg.Role {
	case RoleNode:
		node := cfg.Node
		if node == nil {
			if cfg.Storage == nil {
				return nil, fmt.Errorf("node role: %w", nodecfg.ErrNotInitialized)
			}
			loaded, err := nodecfg.Load(cfg.Storage)
			if err != nil {
				return nil, fmt.Errorf("node role: %w", err)
			}
			node = loaded
		}
		if node.Version != nodecfg.Version {
			return nil, fmt.Errorf("node role: %w", nodecfg.ErrVersionMismatch)
		}
		s.node = node
		s.cfg.SLID = node.SLID

	case RoleBridge:
		if drivers.StoreLink == nil {
			return nil, errors.New("bridge role requires a store link driver")
		}
		if cfg.BridgeMode == bridge.ModeUnbridged {
			return nil, fmt.Errorf("bridge role: %w: mode must be storeside or nodeside", bridge.ErrInvalidMode)
		}
		s.storeLnk = drivers.StoreLink

	case RoleStore:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, cfg.Role)
	}

	if _, err := slid.Validate(uint32(s.cfg.SLID)); err != nil {
		return nil, fmt.Errorf("station slid: %w", err)
	}

	s.logger = logging.OrNop(platform.Logger).With(
		logging.KeyRole, cfg.Role.String(),
		logging.KeySLID, s.cfg.SLID.String())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = s.clock.Now()

	if cfg.Role == RoleBridge {
		router, err := bridge.NewRouter(bridge.Config{
			Mode:      cfg.BridgeMode,
			SLID:      s.cfg.SLID,
			StoreSLID: cfg.StoreSLID,
			Logger:    s.logger,
			Metrics:   cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		s.router = router
	} else {
		side := ack.SideStore
		if cfg.Role == RoleNode {
			side = ack.SideNode
		}
		s.engine = ack.NewEngine(ack.Config{
			Side:          side,
			AckTimeout:    cfg.AckTimeout,
			MaxRetries:    cfg.MaxRetries,
			ConfigVersion: nodecfg.Version,
			Clock:         s.clock,
			Logger:        s.logger,
			Metrics:       cfg.Metrics,
		}, ack.TransmitFunc(s.transmit))
	}

	return s, nil
}

// Role returns the station role.
func (s *Station) Role() Role {
	return s.cfg.Role
}

// SLID returns the station's own address.
func (s *Station) SLID() slid.SLID {
	return s.cfg.SLID
}

// Engine returns the ack engine, nil for bridges.
func (s *Station) Engine() *ack.Engine {
	return s.engine
}

// transmit sends raw on the primary radio.
func (s *Station) transmit(raw []byte) error {
	return s.sendOn(s.radio, raw)
}

func (s *Station) sendOn(d radio.Driver, raw []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := d.Send(ctx, raw); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// Poll drains every frame currently queued on the station's drivers.
func (s *Station) Poll() int {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	n := s.drain(s.radio, bridge.LegNode)
	if s.storeLnk != nil {
		n += s.drain(s.storeLnk, bridge.LegStore)
	}
	return n
}

func (s *Station) drain(d radio.Driver, leg bridge.Leg) int {
	n := 0
	for {
		f, ok := d.Poll()
		if !ok {
			return n
		}
		n++
		s.handleFrame(leg, f)
	}
}

// Tick runs the retransmission check.
func (s *Station) Tick() int {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.engine == nil {
		return 0
	}
	n := s.engine.Tick(s.clock.Now())
	if s.cfg.Role == RoleStore {
		s.updateNodeGauges()
	}
	return n
}

// Run polls and ticks until ctx is done.
func (s *Station) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	tickTicker := time.NewTicker(s.cfg.TickInterval)
	defer tickTicker.Stop()

	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("station running",
		logging.KeyBridgeMode, s.cfg.BridgeMode.String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			s.Poll()
		case <-tickTicker.C:
			s.Tick()
		}
	}
}

// IsRunning reports whether Run is active.
func (s *Station) IsRunning() bool {
	return s.running.Load()
}

// Close cancels outstanding sends without emitting anything and closes
// the drivers.
func (s *Station) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.Close()
		}
		s.cancel()

		if cerr := s.radio.Close(); cerr != nil {
			err = cerr
		}
		if s.storeLnk != nil {
			if cerr := s.storeLnk.Close(); cerr != nil {
				err = cerr
			}
		}
		s.logger.Info("station stopped")
	})
	return err
}

// handleFrame runs one received frame through the pipeline.
func (s *Station) handleFrame(leg bridge.Leg, f radio.Frame) {
	raw := f.Data
	s.metrics.RecordPacketReceived(opLabel(raw), len(raw))

	if s.router != nil {
		s.relay(leg, f)
		return
	}

	pkt, err := decodeFrame(raw)
	if err != nil {
		s.metrics.RecordDecodeError(decodeReason(err))
		s.logger.Warn("dropping malformed packet",
			logging.KeyLength, len(raw),
			logging.KeyError, err)
		return
	}
	if d, err := protocol.Lookup(pkt.Op); err == nil && d.Header == protocol.HeaderData && f.HasRSSI {
		pkt.RSSI = f.RSSI
	}

	// Nodes share the medium and only answer their own address.
	if s.cfg.Role == RoleNode && pkt.SLID != s.cfg.SLID {
		return
	}

	verdict := s.engine.Classify(pkt)
	if verdict.Reply != nil {
		if _, err := s.engine.Send(verdict.Reply); err != nil {
			s.logger.Warn("failed to send ack",
				logging.KeySLID, pkt.SLID.String(),
				logging.KeyPkgNum, pkt.PkgNum,
				logging.KeyError, err)
		}
	}
	if verdict.Ack {
		return
	}
	if !verdict.Deliver() {
		s.logger.Debug("packet not delivered",
			logging.KeyOp, protocol.OpName(pkt.Op),
			logging.KeySLID, pkt.SLID.String(),
			logging.KeyPkgNum, pkt.PkgNum,
			logging.KeyAckCode, verdict.Code.String())
		return
	}

	s.received.Add(1)
	if obs, ok := s.handler.(PacketObserver); ok {
		s.callHandler("OnPacket", func() { obs.OnPacket(pkt) })
	}

	if s.cfg.Role == RoleNode {
		s.dispatchNode(pkt)
	} else {
		s.dispatchStore(pkt)
	}
}

// decodeFrame decodes raw. Packets with an unknown op keep their common
// prefix so they can be answered UNEXPECTED.
func decodeFrame(raw []byte) (*protocol.Packet, error) {
	pkt, err := protocol.DecodePacket(raw)
	if err == nil {
		return pkt, nil
	}
	if !errors.Is(err, protocol.ErrUnknownOp) {
		return nil, err
	}
	h, _, herr := protocol.DecodeControl(raw)
	if herr != nil {
		return nil, herr
	}
	return &protocol.Packet{Op: h.Op, SLID: h.SLID, PkgNum: h.PkgNum}, nil
}

// relay forwards a frame across a bridge.
func (s *Station) relay(leg bridge.Leg, f radio.Frame) {
	raw := f.Data

	// A nodeside bridge measured the signal; keep it in the inner header.
	if s.cfg.BridgeMode == bridge.ModeNodeSide && leg == bridge.LegNode && f.HasRSSI {
		if op, ok := protocol.PeekOp(raw); ok {
			if d, err := protocol.Lookup(op); err == nil && d.Header == protocol.HeaderData && len(raw) >= protocol.DataHeaderSize {
				raw = append([]byte(nil), raw...)
				raw[protocol.DataHeaderSize-1] = f.RSSI
			}
		}
	}

	fwd, err := s.router.Route(leg, raw)
	if err != nil || fwd == nil {
		return
	}

	s.callHandler("OnBridge", func() { s.handler.OnBridge(fwd.Packet, fwd.ToSLID) })

	out := s.radio
	if fwd.To == bridge.LegStore {
		out = s.storeLnk
	}
	if err := s.sendOn(out, fwd.Packet); err != nil {
		s.logger.Warn("relay failed",
			logging.KeyLeg, fwd.To.String(),
			logging.KeyToSLID, fwd.ToSLID.String(),
			logging.KeyError, err)
		return
	}
	s.metrics.RecordPacketSent(opLabel(fwd.Packet), len(fwd.Packet))
}

// send builds and transmits a packet addressed to id.
func (s *Station) send(op uint8, id slid.SLID, payload []byte) (*ack.Delivery, error) {
	if s.engine == nil {
		return nil, ErrWrongRole
	}
	pkt := &protocol.Packet{
		Op:      op,
		SLID:    id,
		PkgNum:  s.engine.NextPkgNum(id),
		Payload: payload,
	}
	if d, err := pkt.Descriptor(); err == nil {
		if err := d.CheckPayload(len(payload)); err != nil {
			return nil, err
		}
	}
	delivery, err := s.engine.Send(pkt)
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", protocol.OpName(op), id, err)
	}
	s.logger.Debug("packet sent",
		logging.KeyOp, protocol.OpName(op),
		logging.KeySLID, id.String(),
		logging.KeyPkgNum, pkt.PkgNum)
	return delivery, nil
}

// callHandler runs an application callback. A panic is logged and the
// packet stays accepted.
func (s *Station) callHandler(name string, fn func()) {
	_ = recovery.Call(s.logger, "handler."+name, fn)
}

func opLabel(raw []byte) string {
	op, ok := protocol.PeekOp(raw)
	if !ok {
		return "EMPTY"
	}
	return protocol.OpName(op)
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrSize):
		return "short"
	case errors.Is(err, slid.ErrOutOfRange):
		return "invalid_slid"
	default:
		return "malformed"
	}
}

// NopHandler ignores all traffic.
type NopHandler struct{}

func (NopHandler) OnData([]byte) {}

func (NopHandler) OnBridge([]byte, slid.SLID) {}
