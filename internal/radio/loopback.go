package radio

import (
	"context"
	"sync"
)

// Loopback is one end of an in-memory link. Whatever one end sends the
// other end polls.
type Loopback struct {
	*inbox
	peer *Loopback

	mu      sync.Mutex
	rssi    uint8
	hasRSSI bool
	filter  func(data []byte) bool
}

// NewLoopbackPair returns two linked drivers.
func NewLoopbackPair() (*Loopback, *Loopback) {
	return NewLoopbackPairSize(DefaultQueueSize)
}

// NewLoopbackPairSize returns two linked drivers with the given queue size.
func NewLoopbackPairSize(queueSize int) (*Loopback, *Loopback) {
	a := &Loopback{inbox: newInbox(queueSize)}
	b := &Loopback{inbox: newInbox(queueSize)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetRSSI makes frames received by this end carry a signal strength.
func (l *Loopback) SetRSSI(rssi uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rssi = rssi
	l.hasRSSI = true
}

// SetFilter installs a function deciding whether a frame sent from this
// end reaches the peer. A nil filter passes everything.
func (l *Loopback) SetFilter(filter func(data []byte) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = filter
}

// Send copies data to the peer's receive queue.
func (l *Loopback) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosed() {
		return ErrClosed
	}

	l.mu.Lock()
	filter := l.filter
	l.mu.Unlock()
	if filter != nil && !filter(data) {
		return nil
	}

	peer := l.peer
	peer.mu.Lock()
	f := Frame{
		Data:    append([]byte(nil), data...),
		RSSI:    peer.rssi,
		HasRSSI: peer.hasRSSI,
	}
	peer.mu.Unlock()

	peer.push(f)
	return nil
}

// Close stops this end. Frames already queued can still be polled.
func (l *Loopback) Close() error {
	l.close()
	return nil
}
