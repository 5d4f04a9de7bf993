package radio

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// ALPNProtocol identifies SteamLink links in TLS and WebSocket negotiation.
const ALPNProtocol = "steamlink/1"

// Options configures network drivers.
type Options struct {
	// Logger receives link lifecycle events. Nil discards them.
	Logger *slog.Logger

	// QueueSize bounds buffered received frames (default DefaultQueueSize).
	QueueSize int

	// Path is the WebSocket HTTP path (default "/steamlink").
	Path string

	// TLSConfig overrides the QUIC TLS configuration. Listeners without
	// one use a fresh self-signed certificate; dialers skip verification.
	TLSConfig *tls.Config

	// Timeout bounds dialing (default 10s).
	Timeout time.Duration
}

const (
	defaultPath        = "/steamlink"
	defaultDialTimeout = 10 * time.Second
)

func (o Options) path() string {
	if o.Path == "" {
		return defaultPath
	}
	return o.Path
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultDialTimeout
	}
	return o.Timeout
}
