package radio

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/protocol"
)

// wsReadLimit bounds a single message; one message carries one packet.
const wsReadLimit = protocol.MaxPacketSize

// wsLink carries packets as binary WebSocket messages.
type wsLink struct {
	conn   *websocket.Conn
	remote string
}

func (l *wsLink) send(ctx context.Context, data []byte) error {
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *wsLink) receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (l *wsLink) close(reason string) error {
	if reason == "" {
		return l.conn.Close(websocket.StatusNormalClosure, "")
	}
	return l.conn.Close(websocket.StatusGoingAway, reason)
}

func (l *wsLink) String() string {
	return "ws:" + l.remote
}

// DialWebSocket connects to a SteamLink WebSocket listener. addr may be a
// full ws:// or wss:// URL or a host:port, in which case Options.Path is
// appended.
func DialWebSocket(ctx context.Context, addr string, opts Options) (*Hub, error) {
	wsURL, err := parseWebSocketURL(addr, opts.path())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{ALPNProtocol},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	h := newHub(KindWebSocket, opts)
	h.attach(&wsLink{conn: conn, remote: wsURL})
	return h, nil
}

// ListenWebSocket accepts SteamLink WebSocket links on addr.
func ListenWebSocket(addr string, opts Options) (*Hub, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	h := newHub(KindWebSocket, opts)
	h.addr = ln.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc(opts.path(), func(w http.ResponseWriter, r *http.Request) {
		if h.isClosed() {
			http.Error(w, "server closed", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{ALPNProtocol},
		})
		if err != nil {
			h.logger.Debug("WebSocket accept failed", logging.KeyError, err)
			return
		}
		conn.SetReadLimit(wsReadLimit)

		h.attach(&wsLink{conn: conn, remote: r.RemoteAddr})
	})

	server := &http.Server{Handler: mux}
	go server.Serve(ln)
	h.onClose(server.Close)

	return h, nil
}

// parseWebSocketURL turns addr into a ws:// URL.
func parseWebSocketURL(addr, path string) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid WebSocket URL: %w", err)
		}
		if u.Path == "" {
			u.Path = path
		}
		return u.String(), nil
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return (&url.URL{Scheme: "ws", Host: addr, Path: path}).String(), nil
}
