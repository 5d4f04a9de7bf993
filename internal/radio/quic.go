package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/steamlink/internal/logging"
)

// QUIC link settings
const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 15 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        quicMaxIdleTimeout,
		KeepAlivePeriod:       quicKeepAlivePeriod,
		EnableDatagrams:       true,
		MaxIncomingStreams:    -1, // Only datagrams are used
		MaxIncomingUniStreams: -1,
	}
}

// quicLink carries packets as unreliable QUIC datagrams, which matches the
// loss behaviour of the radio it stands in for.
type quicLink struct {
	conn quic.Connection
}

func (l *quicLink) send(_ context.Context, data []byte) error {
	return l.conn.SendDatagram(data)
}

func (l *quicLink) receive(ctx context.Context) ([]byte, error) {
	return l.conn.ReceiveDatagram(ctx)
}

func (l *quicLink) close(reason string) error {
	return l.conn.CloseWithError(0, reason)
}

func (l *quicLink) String() string {
	return "quic:" + l.conn.RemoteAddr().String()
}

// DialQUIC connects to a SteamLink QUIC listener.
func DialQUIC(ctx context.Context, addr string, opts Options) (*Hub, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = clientTLSConfig()
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams unsupported")
		return nil, fmt.Errorf("QUIC peer %s does not support datagrams", addr)
	}

	h := newHub(KindQUIC, opts)
	h.attach(&quicLink{conn: conn})
	return h, nil
}

// ListenQUIC accepts SteamLink QUIC links on addr.
func ListenQUIC(addr string, opts Options) (*Hub, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = serverTLSConfig(); err != nil {
			return nil, err
		}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	h := newHub(KindQUIC, opts)
	h.addr = ln.Addr()
	h.onClose(ln.Close)

	go h.acceptLoop(ln)
	return h, nil
}

func (h *Hub) acceptLoop(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Warn("QUIC accept failed", logging.KeyError, err)
			}
			return
		}
		h.attach(&quicLink{conn: conn})
	}
}
