package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leapkvm/internal/protocol"
)

// wsStream carries one packet per binary WebSocket message.
type wsStream struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(protocol.MaxMessageLength)
	return &wsStream{conn: conn}
}

func (s *wsStream) ReadPacket() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", net.ErrClosed, err)
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("websocket message: %w", protocol.ErrOversized)
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
		// Text frames carry nothing in this protocol.
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// ListenOptions configures Listen.
type ListenOptions struct {
	Security SecurityPolicy

	// Token, when set, is required as a bearer token on WebSocket
	// upgrade requests.
	Token string

	Logger *slog.Logger
}

type wsListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	token    string
	logger   *slog.Logger

	incoming  chan Stream
	done      chan struct{}
	closeOnce sync.Once
}

// ListenWebSocket serves WebSocket upgrades on the host and path of a
// ws:// URL.
func ListenWebSocket(rawURL string, opts ListenOptions) (Listener, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", rawURL, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", WithDefaultPort(u.Host))
	if err != nil {
		return nil, classifyListenError(u.Host, err)
	}
	if opts.Security != nil {
		ln = &securedListener{Listener: ln, security: opts.Security}
	}

	l := &wsListener{
		ln:    ln,
		token: opts.Token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger.With("component", "websocket"),
		incoming: make(chan Stream),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           l.authMiddleware(l.recoverMiddleware(mux)),
		ReadHeaderTimeout: WriteTimeout,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", "error", err)
		}
		l.Close()
	}()
	return l, nil
}

// recoverMiddleware stops a panicking handler from taking the listener
// down.
func (l *wsListener) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				l.logger.Error("panic in upgrade handler", "panic", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (l *wsListener) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.token != "" && r.Header.Get("Authorization") != "Bearer "+l.token {
			l.logger.Warn("rejected upgrade without valid token", "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	select {
	case l.incoming <- newWSStream(conn):
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		l.server.Shutdown(ctx)
	})
	return nil
}

func (l *wsListener) Addr() string { return "ws://" + l.ln.Addr().String() }

// DialWebSocket connects to a ws:// URL.
func DialWebSocket(ctx context.Context, rawURL string, security SecurityPolicy) (Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: WriteTimeout}
	if security != nil {
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			secured, err := security.Client(conn)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return secured, nil
		}
	}
	header := http.Header{}
	if u, err := url.Parse(rawURL); err == nil && u.User != nil {
		if token, ok := u.User.Password(); ok {
			header.Set("Authorization", "Bearer "+token)
			u.User = nil
			rawURL = u.String()
		}
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// securedListener applies a SecurityPolicy to accepted connections before
// the HTTP server sees them.
type securedListener struct {
	net.Listener
	security SecurityPolicy
}

func (l *securedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		conn.SetDeadline(time.Now().Add(WriteTimeout))
		secured, err := l.security.Server(conn)
		conn.SetDeadline(time.Time{})
		if err != nil {
			conn.Close()
			continue
		}
		return secured, nil
	}
}
