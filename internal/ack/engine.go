// Package ack implements SteamLink reliability: duplicate suppression and
// verdicts on receive, acknowledgment tracking and bounded retransmission on
// send.
//
// The engine owns no goroutines or timers. The host calls Tick on its own
// schedule and every retransmission happens inside that call.
package ack

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/metrics"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
)

var (
	// Verdict errors, see Verdict.Err.
	ErrDuplicate       = errors.New("duplicate packet")
	ErrUnexpected      = errors.New("unexpected packet")
	ErrVersionMismatch = errors.New("config version mismatch")
	ErrSizeMismatch    = errors.New("payload size mismatch")

	// ErrRetriesExhausted fails a reliable send that was never acknowledged.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrRejected fails a reliable send acknowledged with an error code.
	ErrRejected = errors.New("rejected by peer")

	// ErrCanceled fails a reliable send released by Cancel or Close.
	ErrCanceled = errors.New("delivery canceled")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("ack engine closed")

	// ErrInFlight is returned when a reliable send reuses an outstanding pkg_num.
	ErrInFlight = errors.New("pkg_num already outstanding")
)

// RejectedError carries the ack code of a rejected send.
type RejectedError struct {
	Code protocol.AckCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected, e.Code)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Side is the end of the link the engine runs on.
type Side uint8

const (
	SideStore Side = iota
	SideNode
)

// String returns the side name.
func (s Side) String() string {
	if s == SideNode {
		return "node"
	}
	return "store"
}

// Inbound returns the direction of packets this side accepts.
func (s Side) Inbound() protocol.Direction {
	if s == SideNode {
		return protocol.StoreToNode
	}
	return protocol.NodeToStore
}

// Outbound returns the direction of packets this side emits.
func (s Side) Outbound() protocol.Direction {
	return s.Inbound().Reverse()
}

// Transmitter puts an encoded packet on the air.
type Transmitter interface {
	Transmit(raw []byte) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(raw []byte) error

// Transmit calls f(raw).
func (f TransmitFunc) Transmit(raw []byte) error {
	return f(raw)
}

// Config contains configuration for the engine.
type Config struct {
	Side          Side
	AckTimeout    time.Duration
	MaxRetries    int
	ConfigVersion uint8 // Expected SC version byte
	Clock         Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Side:          SideStore,
		AckTimeout:    2 * time.Second,
		MaxRetries:    3,
		ConfigVersion: nodecfg.Version,
		Clock:         SystemClock{},
	}
}

// Verdict is the outcome of classifying one inbound packet.
type Verdict struct {
	Code protocol.AckCode

	// Ack is set when the packet was an acknowledgment. Acks settle
	// outstanding sends and are never delivered.
	Ack bool

	// Reply is the acknowledgment to transmit, or nil.
	Reply *protocol.Packet
}

// Deliver reports whether the payload should reach the application.
func (v Verdict) Deliver() bool {
	return v.Code == protocol.AckSuccess && !v.Ack
}

// Err maps the verdict code to a sentinel error.
func (v Verdict) Err() error {
	switch v.Code {
	case protocol.AckSuccess:
		return nil
	case protocol.AckDuplicate:
		return ErrDuplicate
	case protocol.AckVersionErr:
		return ErrVersionMismatch
	case protocol.AckSizeErr:
		return ErrSizeMismatch
	default:
		return ErrUnexpected
	}
}

// resyncStep is how far the send counter jumps when the peer reports a
// first transmission as DUPLICATE. Two steps bring any counter that is
// behind the peer's back in front of it.
const resyncStep = 0x4000

// Newer reports whether pkg follows last on the 16-bit sequence circle.
func Newer(pkg, last uint16) bool {
	return int16(pkg-last) > 0
}

type outstanding struct {
	delivery *Delivery
	raw      []byte
	deadline time.Time
	retries  int

	// duplicate is set when a first transmission was answered DUPLICATE.
	// The send fails at its deadline unless a SUCCESS arrives first.
	duplicate bool
}

// slidState is the per-SLID sequence and retry state.
type slidState struct {
	mu          sync.Mutex
	hasRecv     bool
	lastRecv    uint16
	nextSend    uint16
	outstanding map[uint16]*outstanding
}

// Engine tracks sequence numbers and outstanding reliable sends per SLID.
type Engine struct {
	cfg    Config
	tx     Transmitter
	logger *slog.Logger

	mu     sync.Mutex // guards slids and closed only
	slids  map[slid.SLID]*slidState
	closed bool

	retransmits atomic.Uint64
	failures    atomic.Uint64
}

// Stats are cumulative engine counters.
type Stats struct {
	Retransmits uint64
	Failures    uint64 // Sends that ended in retries exhausted or rejection
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Retransmits: e.retransmits.Load(),
		Failures:    e.failures.Load(),
	}
}

// NewEngine creates an engine that transmits through tx.
func NewEngine(cfg Config, tx Transmitter) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Engine{
		cfg:    cfg,
		tx:     tx,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "ack", logging.KeyRole, cfg.Side.String()),
		slids:  make(map[slid.SLID]*slidState),
	}
}

// Side returns the configured side.
func (e *Engine) Side() Side {
	return e.cfg.Side
}

func (e *Engine) state(id slid.SLID) *slidState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.slids[id]
	if !ok {
		st = &slidState{outstanding: make(map[uint16]*outstanding)}
		e.slids[id] = st
	}
	return st
}

func (e *Engine) lookup(id slid.SLID) (*slidState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.slids[id]
	return st, ok
}

func (e *Engine) snapshot() []*slidState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*slidState, 0, len(e.slids))
	for _, st := range e.slids {
		out = append(out, st)
	}
	return out
}

// Classify decides what to do with an inbound packet. The packet may carry
// an op outside the table; such packets are answered UNEXPECTED.
func (e *Engine) Classify(pkt *protocol.Packet) Verdict {
	d, err := protocol.Lookup(pkt.Op)
	if err != nil || d.Direction != e.cfg.Side.Inbound() {
		e.logger.Debug("unexpected packet",
			logging.KeyOp, protocol.OpName(pkt.Op),
			logging.KeySLID, pkt.SLID.String(),
			logging.KeyPkgNum, pkt.PkgNum)
		v := Verdict{Code: protocol.AckUnexpected}
		if !protocol.IsAck(pkt.Op) {
			v.Reply = e.reply(pkt, protocol.AckUnexpected)
		}
		return v
	}

	if protocol.IsAck(pkt.Op) {
		code, err := protocol.DecodeAck(pkt.Payload)
		if err != nil {
			e.logger.Warn("malformed ack", logging.KeySLID, pkt.SLID.String(), logging.KeyError, err)
			return Verdict{Code: protocol.AckSizeErr, Ack: true}
		}
		e.HandleAck(pkt.SLID, pkt.PkgNum, code)
		return Verdict{Code: protocol.AckSuccess, Ack: true}
	}

	code := protocol.AckSuccess
	if err := d.CheckPayload(len(pkt.Payload)); err != nil {
		e.logger.Debug("payload size rejected", logging.KeySLID, pkt.SLID.String(), logging.KeyError, err)
		code = protocol.AckSizeErr
	} else if pkt.Op == protocol.OpSC {
		sc, _ := protocol.DecodeSetConfig(pkt.Payload)
		if sc.Version != e.cfg.ConfigVersion {
			code = protocol.AckVersionErr
		}
	}

	if code == protocol.AckSuccess {
		st := e.state(pkt.SLID)
		st.mu.Lock()
		// An online announcement marks a restarted sender whose counter
		// starts over.
		if pkt.Op == protocol.OpON {
			st.hasRecv = false
		}
		if st.hasRecv && !Newer(pkt.PkgNum, st.lastRecv) {
			code = protocol.AckDuplicate
		} else {
			st.hasRecv = true
			st.lastRecv = pkt.PkgNum
		}
		st.mu.Unlock()
	}

	if code == protocol.AckDuplicate {
		e.cfg.Metrics.RecordDuplicate()
		e.logger.Debug("duplicate suppressed",
			logging.KeyOp, d.Name,
			logging.KeySLID, pkt.SLID.String(),
			logging.KeyPkgNum, pkt.PkgNum)
	}

	v := Verdict{Code: code}
	if d.Reliable {
		v.Reply = e.reply(pkt, code)
	}
	return v
}

func (e *Engine) reply(pkt *protocol.Packet, code protocol.AckCode) *protocol.Packet {
	e.cfg.Metrics.RecordAckSent(code.String())
	return &protocol.Packet{
		Op:      protocol.AckOpFor(e.cfg.Side.Outbound()),
		SLID:    pkt.SLID,
		PkgNum:  pkt.PkgNum,
		Payload: protocol.EncodeAck(code),
	}
}

// NextPkgNum returns the next outbound sequence number for a SLID. The
// first value is 1; the counter wraps at 16 bits.
func (e *Engine) NextPkgNum(id slid.SLID) uint16 {
	st := e.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextSend++
	return st.nextSend
}

// Send encodes and transmits pkt. Reliable ops are tracked until an ack
// arrives or retries run out and a Delivery is returned; other ops return a
// nil Delivery.
//
// A transmit failure on a reliable op is logged and left to retransmission.
func (e *Engine) Send(pkt *protocol.Packet) (*Delivery, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	d, err := protocol.Lookup(pkt.Op)
	if err != nil {
		return nil, err
	}
	raw, err := pkt.Encode()
	if err != nil {
		return nil, err
	}

	if !d.Reliable {
		return nil, e.transmit(raw, d.Name)
	}

	now := e.cfg.Clock.Now()
	st := e.state(pkt.SLID)
	st.mu.Lock()
	if _, busy := st.outstanding[pkt.PkgNum]; busy {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s pkg %d", ErrInFlight, pkt.SLID, pkt.PkgNum)
	}
	delivery := newDelivery(pkt.SLID, pkt.PkgNum, pkt.Op, now)
	st.outstanding[pkt.PkgNum] = &outstanding{
		delivery: delivery,
		raw:      raw,
		deadline: now.Add(e.cfg.AckTimeout),
	}
	st.mu.Unlock()
	e.cfg.Metrics.RecordReliableSend()

	if err := e.transmit(raw, d.Name); err != nil {
		e.logger.Warn("transmit failed, awaiting retry",
			logging.KeyOp, d.Name,
			logging.KeySLID, pkt.SLID.String(),
			logging.KeyPkgNum, pkt.PkgNum,
			logging.KeyError, err)
	}
	return delivery, nil
}

func (e *Engine) transmit(raw []byte, op string) error {
	if err := e.tx.Transmit(raw); err != nil {
		return err
	}
	e.cfg.Metrics.RecordPacketSent(op, len(raw))
	return nil
}

// HandleAck settles the outstanding send matching (id, pkgNum). SUCCESS
// confirms delivery, as does DUPLICATE for a retransmitted packet. DUPLICATE
// for a first transmission means the peer's sequence is ahead of ours, for
// example after a restart: the send counter is moved forward and the send
// fails with a RejectedError at its deadline unless a SUCCESS arrives
// first. Other codes fail the send with a RejectedError.
// It reports whether a send was settled or marked.
func (e *Engine) HandleAck(id slid.SLID, pkgNum uint16, code protocol.AckCode) bool {
	e.cfg.Metrics.RecordAckReceived(code.String())

	st, ok := e.lookup(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	entry, ok := st.outstanding[pkgNum]
	if ok && code == protocol.AckDuplicate && entry.retries == 0 {
		if !entry.duplicate {
			entry.duplicate = true
			st.nextSend += resyncStep
		}
		st.mu.Unlock()
		e.logger.Warn("first transmission answered duplicate, sequence out of step",
			logging.KeySLID, id.String(),
			logging.KeyPkgNum, pkgNum)
		return true
	}
	if ok {
		delete(st.outstanding, pkgNum)
	}
	st.mu.Unlock()

	if !ok {
		e.logger.Debug("ack for unknown send",
			logging.KeySLID, id.String(),
			logging.KeyPkgNum, pkgNum,
			logging.KeyAckCode, code.String())
		return false
	}

	if code == protocol.AckSuccess || code == protocol.AckDuplicate {
		e.delivered(entry.delivery)
		return true
	}
	e.reject(entry.delivery, code)
	return true
}

func (e *Engine) delivered(d *Delivery) {
	if d.settle(StateAcked, nil) {
		rtt := e.cfg.Clock.Now().Sub(d.sentAt)
		e.cfg.Metrics.RecordDelivery(rtt.Seconds())
	}
}

func (e *Engine) reject(d *Delivery, code protocol.AckCode) {
	if d.settle(StateFailed, &RejectedError{Code: code}) {
		e.failures.Add(1)
		e.cfg.Metrics.RecordDeliveryFailure("rejected")
		e.logger.Warn("send rejected",
			logging.KeyOp, protocol.OpName(d.Op),
			logging.KeySLID, d.SLID.String(),
			logging.KeyPkgNum, d.PkgNum,
			logging.KeyAckCode, code.String())
	}
}

// Tick retransmits every send whose ack deadline has passed and fails the
// ones that have used all retries or were answered DUPLICATE on their first
// transmission. It returns the number of retransmissions.
func (e *Engine) Tick(now time.Time) int {
	var resend, failed, rejected []*outstanding

	for _, st := range e.snapshot() {
		st.mu.Lock()
		for pkg, entry := range st.outstanding {
			if now.Before(entry.deadline) {
				continue
			}
			if entry.duplicate {
				delete(st.outstanding, pkg)
				rejected = append(rejected, entry)
				continue
			}
			if entry.retries < e.cfg.MaxRetries {
				entry.retries++
				entry.deadline = now.Add(e.cfg.AckTimeout)
				resend = append(resend, entry)
				continue
			}
			delete(st.outstanding, pkg)
			failed = append(failed, entry)
		}
		st.mu.Unlock()
	}

	sent := 0
	for _, entry := range resend {
		d := entry.delivery
		// Cancel or Close may have settled it since the lock was released.
		if d.State() != StateSent {
			continue
		}
		d.retransmitted()
		sent++
		e.retransmits.Add(1)
		e.cfg.Metrics.RecordRetransmit()
		if err := e.transmit(entry.raw, protocol.OpName(d.Op)); err != nil {
			e.logger.Warn("retransmit failed",
				logging.KeySLID, d.SLID.String(),
				logging.KeyPkgNum, d.PkgNum,
				logging.KeyError, err)
		}
	}

	for _, entry := range rejected {
		e.reject(entry.delivery, protocol.AckDuplicate)
	}

	for _, entry := range failed {
		d := entry.delivery
		attempts := d.Attempts()
		err := fmt.Errorf("%w: %s pkg %d after %d attempts", ErrRetriesExhausted, d.SLID, d.PkgNum, attempts)
		if d.settle(StateFailed, err) {
			e.failures.Add(1)
			e.cfg.Metrics.RecordDeliveryFailure("retries_exhausted")
			e.logger.Warn("delivery failed",
				logging.KeyOp, protocol.OpName(d.Op),
				logging.KeySLID, d.SLID.String(),
				logging.KeyPkgNum, d.PkgNum,
				logging.KeyAttempts, attempts)
		}
	}

	return sent
}

// Cancel releases an outstanding send without emitting anything.
func (e *Engine) Cancel(id slid.SLID, pkgNum uint16) bool {
	st, ok := e.lookup(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	entry, ok := st.outstanding[pkgNum]
	if ok {
		delete(st.outstanding, pkgNum)
	}
	st.mu.Unlock()
	if !ok {
		return false
	}
	if entry.delivery.settle(StateFailed, ErrCanceled) {
		e.cfg.Metrics.RecordDeliveryFailure("canceled")
	}
	return true
}

// Outstanding returns the number of sends awaiting an ack.
func (e *Engine) Outstanding() int {
	n := 0
	for _, st := range e.snapshot() {
		st.mu.Lock()
		n += len(st.outstanding)
		st.mu.Unlock()
	}
	return n
}

// Close cancels every outstanding send. Further sends fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for _, st := range e.snapshot() {
		st.mu.Lock()
		entries := st.outstanding
		st.outstanding = make(map[uint16]*outstanding)
		st.mu.Unlock()

		for _, entry := range entries {
			if entry.delivery.settle(StateFailed, ErrCanceled) {
				e.cfg.Metrics.RecordDeliveryFailure("canceled")
			}
		}
	}
	return nil
}
