// Package chaos injects radio faults for testing: lost, duplicated,
// corrupted and late frames.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/steamlink/internal/radio"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop loses the frame.
	FaultDrop FaultType = iota
	// FaultDuplicate delivers the frame twice.
	FaultDuplicate
	// FaultCorrupt flips one byte of the frame.
	FaultCorrupt
	// FaultDelay delivers the frame late, possibly out of order.
	FaultDelay
)

// None is returned by MaybeInject when no fault fires.
const None FaultType = -1

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDuplicate:
		return "duplicate"
	case FaultCorrupt:
		return "corrupt"
	case FaultDelay:
		return "delay"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits each frame.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a fault injector with a time-based seed.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates a reproducible fault injector.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeInject returns the first configured fault that fires, or None.
// The returned delay is only set for FaultDelay.
func (f *FaultInjector) MaybeInject() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return None, 0
	}
	for _, config := range f.configs {
		if f.rng.Float64() < config.Probability {
			f.faultHits[config.Type]++
			var delay time.Duration
			if config.Type == FaultDelay {
				delay = f.randomDelay(config.MinDelay, config.MaxDelay)
			}
			return config.Type, delay
		}
	}
	return None, 0
}

// GetStats returns how often each fault fired.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// intn must be called with f.mu held.
func (f *FaultInjector) intn(n int) int {
	return f.rng.Intn(n)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Driver wraps a radio driver and applies injected faults to every frame
// it sends. Receiving is untouched.
type Driver struct {
	radio.Driver
	injector *FaultInjector

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Wrap returns d with faults from injector applied on Send.
func Wrap(d radio.Driver, injector *FaultInjector) *Driver {
	return &Driver{Driver: d, injector: injector}
}

// Send transmits data subject to the injected faults. A dropped frame is
// reported as sent, as a radio would.
func (d *Driver) Send(ctx context.Context, data []byte) error {
	fault, delay := d.injector.MaybeInject()
	switch fault {
	case FaultDrop:
		return nil

	case FaultDuplicate:
		if err := d.Driver.Send(ctx, data); err != nil {
			return err
		}
		return d.Driver.Send(ctx, data)

	case FaultCorrupt:
		if len(data) == 0 {
			return d.Driver.Send(ctx, data)
		}
		corrupted := append([]byte(nil), data...)
		d.injector.mu.Lock()
		i := d.injector.intn(len(corrupted))
		d.injector.mu.Unlock()
		corrupted[i] ^= 0xFF
		return d.Driver.Send(ctx, corrupted)

	case FaultDelay:
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return radio.ErrClosed
		}
		d.wg.Add(1)
		d.mu.Unlock()

		late := append([]byte(nil), data...)
		time.AfterFunc(delay, func() {
			defer d.wg.Done()
			d.Driver.Send(context.Background(), late)
		})
		return nil

	default:
		return d.Driver.Send(ctx, data)
	}
}

// Close waits for delayed frames and closes the wrapped driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	return d.Driver.Close()
}

// Unwrap returns the wrapped driver.
func (d *Driver) Unwrap() radio.Driver {
	return d.Driver
}
