package ack

import (
	"context"
	"sync"
	"time"

	"github.com/postalsys/steamlink/internal/slid"
)

// State is the lifecycle state of a reliable send.
type State int32

const (
	StateSent State = iota
	StateAcked
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Delivery tracks one reliable send until it is acknowledged or fails.
type Delivery struct {
	SLID   slid.SLID
	PkgNum uint16
	Op     uint8

	mu       sync.Mutex
	state    State
	err      error
	attempts int
	sentAt   time.Time
	done     chan struct{}
}

func newDelivery(id slid.SLID, pkgNum uint16, op uint8, now time.Time) *Delivery {
	return &Delivery{
		SLID:     id,
		PkgNum:   pkgNum,
		Op:       op,
		state:    StateSent,
		attempts: 1,
		sentAt:   now,
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed once the delivery is settled.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns nil while pending or after a confirmed delivery, and the
// failure reason otherwise.
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// State returns the current state.
func (d *Delivery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Attempts returns how many times the packet has been transmitted.
func (d *Delivery) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Wait blocks until the delivery settles or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle moves the delivery to a final state. It reports false if the
// delivery was already settled.
func (d *Delivery) settle(state State, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateSent {
		return false
	}
	d.state = state
	d.err = err
	close(d.done)
	return true
}

func (d *Delivery) retransmitted() {
	d.mu.Lock()
	d.attempts++
	d.mu.Unlock()
}
