package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recorder struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (r *recorder) Transmit(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), raw...))
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestEngine(side Side) (*Engine, *recorder, *fakeClock) {
	clock := newFakeClock()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Side = side
	cfg.AckTimeout = time.Second
	cfg.MaxRetries = 3
	cfg.Clock = clock
	return NewEngine(cfg, rec), rec, clock
}

const testSLID = slid.SLID(0x100)

func TestNewer(t *testing.T) {
	tests := []struct {
		pkg, last uint16
		want      bool
	}{
		{2, 1, true},
		{1, 1, false},
		{1, 2, false},
		{0x0001, 0xFFFE, true},
		{0x0000, 0xFFFF, true},
		{0xFFFE, 0x0001, false},
		{0x8000, 0x0001, true},
	}

	for _, tt := range tests {
		if got := Newer(tt.pkg, tt.last); got != tt.want {
			t.Errorf("Newer(0x%04X, 0x%04X) = %v, want %v", tt.pkg, tt.last, got, tt.want)
		}
	}
}

func TestClassify_Sequence(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	pkt := &protocol.Packet{Op: protocol.OpDS, SLID: testSLID, PkgNum: 5, Payload: []byte("hi")}

	v := e.Classify(pkt)
	if v.Code != protocol.AckSuccess || !v.Deliver() {
		t.Fatalf("first packet: code = %s, deliver = %v", v.Code, v.Deliver())
	}
	if v.Reply == nil {
		t.Fatal("reliable op should produce a reply")
	}
	if v.Reply.Op != protocol.OpAN || v.Reply.SLID != testSLID || v.Reply.PkgNum != 5 {
		t.Errorf("reply = %v", v.Reply)
	}
	if code, _ := protocol.DecodeAck(v.Reply.Payload); code != protocol.AckSuccess {
		t.Errorf("reply code = %s, want SUCCESS", code)
	}

	v = e.Classify(pkt)
	if v.Code != protocol.AckDuplicate {
		t.Errorf("second packet: code = %s, want DUPLICATE", v.Code)
	}
	if v.Deliver() {
		t.Error("duplicate must not be delivered")
	}
	if !errors.Is(v.Err(), ErrDuplicate) {
		t.Errorf("Err() = %v, want ErrDuplicate", v.Err())
	}
	if v.Reply == nil {
		t.Fatal("duplicate of reliable op should still be acked")
	}
	if code, _ := protocol.DecodeAck(v.Reply.Payload); code != protocol.AckDuplicate {
		t.Errorf("reply code = %s, want DUPLICATE", code)
	}

	older := *pkt
	older.PkgNum = 4
	if v := e.Classify(&older); v.Code != protocol.AckDuplicate {
		t.Errorf("older packet: code = %s, want DUPLICATE", v.Code)
	}
}

func TestClassify_Wraparound(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	first := &protocol.Packet{Op: protocol.OpON, SLID: testSLID, PkgNum: 0xFFFE}
	if v := e.Classify(first); v.Code != protocol.AckSuccess {
		t.Fatalf("code = %s", v.Code)
	}

	next := &protocol.Packet{Op: protocol.OpTR, SLID: testSLID, PkgNum: 0x0001}
	if v := e.Classify(next); v.Code != protocol.AckSuccess {
		t.Errorf("0xFFFE -> 0x0001: code = %s, want SUCCESS", v.Code)
	}
}

func TestClassify_PerSLID(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	a := &protocol.Packet{Op: protocol.OpTR, SLID: 0x100, PkgNum: 7}
	b := &protocol.Packet{Op: protocol.OpTR, SLID: 0x101, PkgNum: 7}

	if v := e.Classify(a); v.Code != protocol.AckSuccess {
		t.Errorf("a: %s", v.Code)
	}
	if v := e.Classify(b); v.Code != protocol.AckSuccess {
		t.Errorf("b: %s", v.Code)
	}
}

func TestClassify_UnreliableHasNoReply(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	v := e.Classify(&protocol.Packet{Op: protocol.OpTR, SLID: testSLID, PkgNum: 1})
	if v.Reply != nil {
		t.Errorf("unreliable op produced reply %v", v.Reply)
	}
}

func TestClassify_Unexpected(t *testing.T) {
	tests := []struct {
		name string
		side Side
		op   uint8
	}{
		{"unknown op", SideStore, 0x20},
		{"control op at store", SideStore, protocol.OpDN},
		{"data op at node", SideNode, protocol.OpDS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(tt.side)
			v := e.Classify(&protocol.Packet{Op: tt.op, SLID: testSLID, PkgNum: 3})
			if v.Code != protocol.AckUnexpected {
				t.Fatalf("code = %s, want UNEXPECTED", v.Code)
			}
			if !errors.Is(v.Err(), ErrUnexpected) {
				t.Errorf("Err() = %v", v.Err())
			}
			if v.Reply == nil {
				t.Fatal("UNEXPECTED should be answered")
			}
			if v.Reply.Op != protocol.AckOpFor(tt.side.Outbound()) {
				t.Errorf("reply op = %s", protocol.OpName(v.Reply.Op))
			}
			if v.Reply.PkgNum != 3 {
				t.Errorf("reply pkg = %d, want 3", v.Reply.PkgNum)
			}
		})
	}
}

func TestClassify_UnexpectedAckNotAnswered(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	v := e.Classify(&protocol.Packet{Op: protocol.OpAN, SLID: testSLID, PkgNum: 3, Payload: []byte{0}})
	if v.Code != protocol.AckUnexpected {
		t.Fatalf("code = %s", v.Code)
	}
	if v.Reply != nil {
		t.Error("acks must never be acknowledged")
	}
}

func TestClassify_SizeErr(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	v := e.Classify(&protocol.Packet{Op: protocol.OpOF, SLID: testSLID, PkgNum: 1, Payload: []byte{1}})
	if v.Code != protocol.AckSizeErr {
		t.Fatalf("code = %s, want SIZE_ERR", v.Code)
	}
	if !errors.Is(v.Err(), ErrSizeMismatch) {
		t.Errorf("Err() = %v", v.Err())
	}

	// The rejected packet does not advance the sequence.
	v = e.Classify(&protocol.Packet{Op: protocol.OpOF, SLID: testSLID, PkgNum: 1, Payload: []byte{1, 0}})
	if v.Code != protocol.AckSuccess {
		t.Errorf("valid resend: code = %s, want SUCCESS", v.Code)
	}
}

func TestClassify_VersionErr(t *testing.T) {
	e, _, _ := newTestEngine(SideNode)

	bad := protocol.SetConfig{Version: 9, RadioParams: 1}
	v := e.Classify(&protocol.Packet{Op: protocol.OpSC, SLID: testSLID, PkgNum: 1, Payload: bad.Encode()})
	if v.Code != protocol.AckVersionErr {
		t.Fatalf("code = %s, want VERSION_ERR", v.Code)
	}
	if !errors.Is(v.Err(), ErrVersionMismatch) {
		t.Errorf("Err() = %v", v.Err())
	}
	if v.Reply == nil || v.Reply.Op != protocol.OpAS {
		t.Fatalf("reply = %v, want AS", v.Reply)
	}

	good := protocol.SetConfig{Version: DefaultConfig().ConfigVersion, RadioParams: 1}
	v = e.Classify(&protocol.Packet{Op: protocol.OpSC, SLID: testSLID, PkgNum: 2, Payload: good.Encode()})
	if v.Code != protocol.AckSuccess {
		t.Errorf("code = %s, want SUCCESS", v.Code)
	}
}

func TestClassify_AnnounceResetsSequence(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	e.Classify(&protocol.Packet{Op: protocol.OpTR, SLID: testSLID, PkgNum: 500})

	// A restarted node announces itself with a fresh counter.
	if v := e.Classify(&protocol.Packet{Op: protocol.OpON, SLID: testSLID, PkgNum: 1}); v.Code != protocol.AckSuccess {
		t.Errorf("ON after restart: code = %s", v.Code)
	}
	if v := e.Classify(&protocol.Packet{Op: protocol.OpTR, SLID: testSLID, PkgNum: 2}); v.Code != protocol.AckSuccess {
		t.Errorf("TR after ON: code = %s", v.Code)
	}
}

func TestNextPkgNum(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	if got := e.NextPkgNum(testSLID); got != 1 {
		t.Errorf("first = %d, want 1", got)
	}
	if got := e.NextPkgNum(testSLID); got != 2 {
		t.Errorf("second = %d, want 2", got)
	}
	if got := e.NextPkgNum(0x200); got != 1 {
		t.Errorf("other SLID first = %d, want 1", got)
	}
}

func TestSend_Unreliable(t *testing.T) {
	e, rec, _ := newTestEngine(SideStore)

	d, err := e.Send(&protocol.Packet{Op: protocol.OpGS, SLID: testSLID, PkgNum: 1})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if d != nil {
		t.Error("unreliable send returned a delivery")
	}
	if rec.count() != 1 {
		t.Errorf("sent %d packets, want 1", rec.count())
	}
	if e.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d", e.Outstanding())
	}
}

func TestSend_AckedBySuccess(t *testing.T) {
	e, rec, _ := newTestEngine(SideStore)

	d, err := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 9, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if d == nil {
		t.Fatal("reliable send returned nil delivery")
	}
	if d.State() != StateSent {
		t.Errorf("state = %s", d.State())
	}
	if rec.count() != 1 {
		t.Fatalf("sent %d", rec.count())
	}

	// The node answers with AS carrying the same pkg_num.
	v := e.Classify(&protocol.Packet{Op: protocol.OpAS, SLID: testSLID, PkgNum: 9, Payload: []byte{0}})
	if !v.Ack || v.Deliver() {
		t.Errorf("ack verdict = %+v", v)
	}

	select {
	case <-d.Done():
	default:
		t.Fatal("delivery not settled")
	}
	if d.Err() != nil {
		t.Errorf("Err() = %v", d.Err())
	}
	if d.State() != StateAcked {
		t.Errorf("state = %s, want ACKED", d.State())
	}
	if e.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d", e.Outstanding())
	}
}

func TestSend_RetransmissionAckedByDuplicate(t *testing.T) {
	e, _, clock := newTestEngine(SideNode)

	d, _ := e.Send(&protocol.Packet{Op: protocol.OpDS, SLID: testSLID, PkgNum: 4})
	e.Tick(clock.Advance(time.Second))
	if d.Attempts() != 2 {
		t.Fatalf("Attempts() = %d, want 2", d.Attempts())
	}

	// The first copy arrived and only its ack was lost.
	if !e.HandleAck(testSLID, 4, protocol.AckDuplicate) {
		t.Fatal("HandleAck() = false")
	}
	if err := d.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}

func TestSend_FirstTransmissionDuplicateFails(t *testing.T) {
	e, rec, clock := newTestEngine(SideStore)

	pkg := e.NextPkgNum(testSLID)
	d, _ := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: pkg, Payload: []byte("cmd")})
	if !e.HandleAck(testSLID, pkg, protocol.AckDuplicate) {
		t.Fatal("HandleAck() = false")
	}
	select {
	case <-d.Done():
		t.Fatal("delivery settled before its deadline")
	default:
	}

	if n := e.Tick(clock.Advance(time.Second)); n != 0 {
		t.Errorf("Tick() retransmitted %d, want 0", n)
	}
	if rec.count() != 1 {
		t.Errorf("transmissions = %d, want 1", rec.count())
	}
	var rej *RejectedError
	if !errors.As(d.Err(), &rej) || rej.Code != protocol.AckDuplicate {
		t.Fatalf("Err() = %v, want RejectedError{DUPLICATE}", d.Err())
	}
	if e.Stats().Failures != 1 {
		t.Errorf("Failures = %d", e.Stats().Failures)
	}

	// The counter moved ahead of a peer that remembers up to 0x3FFF.
	if next := e.NextPkgNum(testSLID); !Newer(next, 0x3FFF) {
		t.Errorf("NextPkgNum() = %#x after resync", next)
	}
}

func TestSend_DuplicateThenSuccess(t *testing.T) {
	e, _, clock := newTestEngine(SideNode)

	// A radio-level copy of the packet is acked DUPLICATE before the SUCCESS
	// for the original arrives.
	d, _ := e.Send(&protocol.Packet{Op: protocol.OpDS, SLID: testSLID, PkgNum: 1})
	e.HandleAck(testSLID, 1, protocol.AckDuplicate)
	e.HandleAck(testSLID, 1, protocol.AckSuccess)

	if err := d.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
	e.Tick(clock.Advance(time.Minute))
	if d.State() != StateAcked {
		t.Errorf("state = %s, want ACKED", d.State())
	}
}

func TestSend_Rejected(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	d, _ := e.Send(&protocol.Packet{Op: protocol.OpSC, SLID: testSLID, PkgNum: 2, Payload: []byte{1, 0}})
	e.HandleAck(testSLID, 2, protocol.AckVersionErr)

	err := d.Wait(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Wait() = %v, want ErrRejected", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Code != protocol.AckVersionErr {
		t.Errorf("RejectedError = %v", rej)
	}
}

func TestSend_InFlight(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	pkt := &protocol.Packet{Op: protocol.OpBC, SLID: testSLID, PkgNum: 1}
	if _, err := e.Send(pkt); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(pkt); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Send() = %v, want ErrInFlight", err)
	}
}

func TestTick_RetriesThenFails(t *testing.T) {
	e, rec, clock := newTestEngine(SideStore)

	pkt := &protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 3, Payload: []byte("data")}
	d, err := e.Send(pkt)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing happens before the deadline.
	if n := e.Tick(clock.Advance(500 * time.Millisecond)); n != 0 {
		t.Errorf("early Tick() = %d", n)
	}

	for i := 1; i <= 3; i++ {
		if n := e.Tick(clock.Advance(time.Second)); n != 1 {
			t.Fatalf("Tick #%d retransmitted %d", i, n)
		}
		if d.Attempts() != i+1 {
			t.Errorf("Attempts() = %d, want %d", d.Attempts(), i+1)
		}
	}

	e.Tick(clock.Advance(time.Second))

	err = d.Wait(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Wait() = %v, want ErrRetriesExhausted", err)
	}
	if rec.count() != 4 {
		t.Errorf("transmissions = %d, want 4", rec.count())
	}

	// Retransmissions are byte-identical.
	for i := 1; i < len(rec.sent); i++ {
		if string(rec.sent[i]) != string(rec.sent[0]) {
			t.Errorf("transmission %d differs: %x vs %x", i, rec.sent[i], rec.sent[0])
		}
	}

	// Nothing further is emitted.
	e.Tick(clock.Advance(10 * time.Second))
	if rec.count() != 4 {
		t.Errorf("transmissions after failure = %d", rec.count())
	}

	if stats := e.Stats(); stats.Retransmits != 3 || stats.Failures != 1 {
		t.Errorf("Stats() = %+v, want 3 retransmits and 1 failure", stats)
	}
}

func TestTick_AckStopsRetries(t *testing.T) {
	e, rec, clock := newTestEngine(SideStore)

	d, _ := e.Send(&protocol.Packet{Op: protocol.OpBR, SLID: testSLID, PkgNum: 1})
	e.Tick(clock.Advance(time.Second))
	e.HandleAck(testSLID, 1, protocol.AckSuccess)
	e.Tick(clock.Advance(time.Second))

	if rec.count() != 2 {
		t.Errorf("transmissions = %d, want 2", rec.count())
	}
	if d.Err() != nil || d.State() != StateAcked {
		t.Errorf("state = %s, err = %v", d.State(), d.Err())
	}
}

func TestSend_TransmitErrorLeftToRetry(t *testing.T) {
	e, rec, clock := newTestEngine(SideStore)
	rec.err = errors.New("radio busy")

	d, err := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 1})
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}

	rec.err = nil
	e.Tick(clock.Advance(time.Second))
	e.HandleAck(testSLID, 1, protocol.AckSuccess)
	if err := d.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestCancel(t *testing.T) {
	e, rec, clock := newTestEngine(SideStore)

	d, _ := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 1})
	if !e.Cancel(testSLID, 1) {
		t.Fatal("Cancel() = false")
	}
	if e.Cancel(testSLID, 1) {
		t.Error("second Cancel() = true")
	}
	if !errors.Is(d.Err(), ErrCanceled) {
		t.Errorf("Err() = %v", d.Err())
	}

	e.Tick(clock.Advance(time.Minute))
	if rec.count() != 1 {
		t.Errorf("transmissions = %d, want 1", rec.count())
	}
}

type hookTransmitter struct {
	mu   sync.Mutex
	sent int
	hook func()
}

func (h *hookTransmitter) Transmit([]byte) error {
	h.mu.Lock()
	h.sent++
	hook := h.hook
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func TestTick_SkipsSendsCanceledDuringRetransmit(t *testing.T) {
	clock := newFakeClock()
	tx := &hookTransmitter{}
	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	cfg.Clock = clock
	e := NewEngine(cfg, tx)

	d1, _ := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 1})
	d2, _ := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: 0x200, PkgNum: 1})

	// The first retransmission cancels the other send before its turn.
	var once sync.Once
	tx.mu.Lock()
	tx.hook = func() {
		once.Do(func() {
			e.Cancel(testSLID, 1)
			e.Cancel(0x200, 1)
		})
	}
	tx.mu.Unlock()

	if n := e.Tick(clock.Advance(time.Second)); n != 1 {
		t.Errorf("Tick() = %d, want 1", n)
	}
	tx.mu.Lock()
	sent := tx.sent
	tx.mu.Unlock()
	if sent != 3 {
		t.Errorf("transmissions = %d, want 3", sent)
	}
	if e.Stats().Retransmits != 1 {
		t.Errorf("Retransmits = %d, want 1", e.Stats().Retransmits)
	}
	for _, d := range []*Delivery{d1, d2} {
		if !errors.Is(d.Err(), ErrCanceled) {
			t.Errorf("Err() = %v, want ErrCanceled", d.Err())
		}
	}
}

func TestClose(t *testing.T) {
	e, rec, clock := newTestEngine(SideNode)

	d1, _ := e.Send(&protocol.Packet{Op: protocol.OpDS, SLID: testSLID, PkgNum: 1})
	d2, _ := e.Send(&protocol.Packet{Op: protocol.OpMS, SLID: 0x200, PkgNum: 1})

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	for _, d := range []*Delivery{d1, d2} {
		if !errors.Is(d.Err(), ErrCanceled) {
			t.Errorf("Err() = %v", d.Err())
		}
	}

	e.Tick(clock.Advance(time.Minute))
	if rec.count() != 2 {
		t.Errorf("transmissions = %d, want 2", rec.count())
	}

	if _, err := e.Send(&protocol.Packet{Op: protocol.OpDS, SLID: testSLID, PkgNum: 2}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close = %v", err)
	}
}

func TestDelivery_WaitContext(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	d, _ := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: testSLID, PkgNum: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestHandleAck_Unknown(t *testing.T) {
	e, _, _ := newTestEngine(SideStore)

	if e.HandleAck(testSLID, 42, protocol.AckSuccess) {
		t.Error("HandleAck() for unknown send = true")
	}
}

func TestConcurrentSends(t *testing.T) {
	e, rec, _ := newTestEngine(SideStore)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := slid.SLID(0x100 + i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pkg := e.NextPkgNum(id)
				if _, err := e.Send(&protocol.Packet{Op: protocol.OpDN, SLID: id, PkgNum: pkg}); err != nil {
					t.Errorf("Send() = %v", err)
				}
				e.HandleAck(id, pkg, protocol.AckSuccess)
			}
		}()
	}
	wg.Wait()

	if e.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d", e.Outstanding())
	}
	if rec.count() != 400 {
		t.Errorf("transmissions = %d, want 400", rec.count())
	}
}
