package radio

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/postalsys/steamlink/internal/protocol"
)

// Limited wraps a driver with a token bucket on transmitted bytes, the way
// a regulated radio band caps duty cycle.
type Limited struct {
	Driver
	limiter *rate.Limiter
}

// NewLimited limits d to bytesPerSecond with the given burst. The burst is
// raised to one maximum-size packet if smaller. A rate of zero or less
// disables limiting.
func NewLimited(d Driver, bytesPerSecond, burst int) *Limited {
	limit := rate.Inf
	if bytesPerSecond > 0 {
		limit = rate.Limit(bytesPerSecond)
	}
	if burst < protocol.MaxPacketSize {
		burst = protocol.MaxPacketSize
	}
	return &Limited{
		Driver:  d,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Send waits for transmit budget, then sends.
func (l *Limited) Send(ctx context.Context, data []byte) error {
	if err := l.limiter.WaitN(ctx, len(data)); err != nil {
		return fmt.Errorf("duty cycle wait: %w", err)
	}
	return l.Driver.Send(ctx, data)
}

// Unwrap returns the wrapped driver.
func (l *Limited) Unwrap() Driver {
	return l.Driver
}
