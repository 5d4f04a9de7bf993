package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/recovery"
)

// link is one IP connection carried by a Hub.
type link interface {
	send(ctx context.Context, data []byte) error
	receive(ctx context.Context) ([]byte, error)
	close(reason string) error
	String() string
}

// Hub treats a set of IP links as one shared radio channel: Send reaches
// every connected link and Poll returns frames from any of them. A dialed
// driver is a Hub with a single link.
type Hub struct {
	*inbox
	kind   Kind
	logger *slog.Logger
	addr   net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	links   map[link]struct{}
	closers []func() error
}

func newHub(kind Kind, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		inbox:  newInbox(opts.QueueSize),
		kind:   kind,
		logger: logging.OrNop(opts.Logger).With(logging.KeyComponent, "radio", logging.KeyTransport, string(kind)),
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[link]struct{}),
	}
}

// Kind returns the driver kind.
func (h *Hub) Kind() Kind {
	return h.kind
}

// Addr returns the listening address, or nil for a dialed hub.
func (h *Hub) Addr() net.Addr {
	return h.addr
}

// Peers returns the number of connected links.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// attach registers l and starts its reader.
func (h *Hub) attach(l link) {
	h.mu.Lock()
	if h.isClosed() {
		h.mu.Unlock()
		l.close("driver closed")
		return
	}
	h.links[l] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("link attached", logging.KeyAddress, l.String())
	go h.readLoop(l)
}

func (h *Hub) detach(l link) {
	h.mu.Lock()
	_, ok := h.links[l]
	delete(h.links, l)
	h.mu.Unlock()
	if ok {
		l.close("")
		h.logger.Debug("link detached", logging.KeyAddress, l.String())
	}
}

func (h *Hub) readLoop(l link) {
	defer recovery.RecoverWithLog(h.logger, "radio.readLoop")
	defer h.detach(l)

	for {
		data, err := l.receive(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Debug("link read ended", logging.KeyAddress, l.String(), logging.KeyError, err)
			}
			return
		}
		if !h.push(Frame{Data: data}) && !h.isClosed() {
			h.logger.Warn("receive queue full, frame dropped", logging.KeyLength, len(data))
		}
	}
}

// Send transmits data on every connected link. With no links attached the
// frame is lost, like a radio transmission nobody hears.
func (h *Hub) Send(ctx context.Context, data []byte) error {
	if h.isClosed() {
		return ErrClosed
	}

	h.mu.Lock()
	links := make([]link, 0, len(h.links))
	for l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.send(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l, err))
			h.detach(l)
		}
	}
	return errors.Join(errs...)
}

// Close shuts every link and any listener.
func (h *Hub) Close() error {
	if h.isClosed() {
		return nil
	}
	h.close()
	h.cancel()

	h.mu.Lock()
	links := h.links
	h.links = make(map[link]struct{})
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	var lastErr error
	for _, c := range closers {
		if err := c(); err != nil {
			lastErr = err
		}
	}
	for l := range links {
		l.close("driver closed")
	}
	return lastErr
}

func (h *Hub) onClose(fn func() error) {
	h.mu.Lock()
	h.closers = append(h.closers, fn)
	h.mu.Unlock()
}
