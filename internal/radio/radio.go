// Package radio provides the drivers a station uses to put packets on the
// air: an in-memory loopback pair for simulation and tests, WebSocket and
// QUIC datagram links for bridging over IP, and a duty-cycle limiter.
package radio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Kind identifies a driver implementation.
type Kind string

const (
	KindLoopback  Kind = "loopback"
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

// DefaultQueueSize is the number of received frames buffered before new
// frames are dropped.
const DefaultQueueSize = 256

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("radio driver closed")

// Frame is one received packet.
type Frame struct {
	Data    []byte
	RSSI    uint8
	HasRSSI bool // RSSI was measured by the receiver
}

// Driver is a half of a radio link. Send transmits one packet; Poll returns
// a buffered received packet without blocking.
type Driver interface {
	Send(ctx context.Context, data []byte) error
	Poll() (Frame, bool)
	Close() error
}

// inbox buffers received frames. Frames arriving while it is full are
// dropped, as a radio with a full receive FIFO would.
type inbox struct {
	frames  chan Frame
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &inbox{
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

// push enqueues f and reports whether it was kept.
func (in *inbox) push(f Frame) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.frames <- f:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Poll returns the next received frame, if any.
func (in *inbox) Poll() (Frame, bool) {
	select {
	case f := <-in.frames:
		return f, true
	default:
		return Frame{}, false
	}
}

// Dropped returns the number of frames lost to a full queue.
func (in *inbox) Dropped() uint64 {
	return in.dropped.Load()
}

func (in *inbox) close() {
	in.closeOnce.Do(func() { close(in.done) })
}

func (in *inbox) isClosed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}
