package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"leapkvm/internal/protocol"
)

// tcpStream frames packets over a byte stream with a 4-byte length.
type tcpStream struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

// NewPacketStream frames packets over conn.
func NewPacketStream(conn net.Conn) Stream {
	return &tcpStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *tcpStream) ReadPacket() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > protocol.MaxMessageLength {
		return nil, fmt.Errorf("packet of %d bytes: %w", n, protocol.ErrOversized)
	}
	packet := make([]byte, n)
	if _, err := io.ReadFull(s.r, packet); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return packet, nil
}

func (s *tcpStream) Write(p []byte) (int, error) {
	if len(p) > protocol.MaxMessageLength {
		return 0, fmt.Errorf("packet of %d bytes: %w", len(p), protocol.ErrOversized)
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if _, err := s.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *tcpStream) Close() error { return s.conn.Close() }

func (s *tcpStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// tcpListener accepts on its own goroutine and secures each connection
// on another, so a peer that stalls its handshake holds up only itself.
type tcpListener struct {
	ln       net.Listener
	security SecurityPolicy

	ready chan Stream
	done  chan struct{}
	once  sync.Once
	err   error
}

// ListenTCP listens on a TCP address.
func ListenTCP(addr string, security SecurityPolicy) (Listener, error) {
	if security == nil {
		security = Plaintext{}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, classifyListenError(addr, err)
	}
	l := &tcpListener{
		ln:       ln,
		security: security,
		ready:    make(chan Stream),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.stop(err)
			return
		}
		go l.handshake(conn)
	}
}

func (l *tcpListener) handshake(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(WriteTimeout))
	secured, err := l.security.Server(conn)
	conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}
	select {
	case l.ready <- NewPacketStream(secured):
	case <-l.done:
		secured.Close()
	}
}

func (l *tcpListener) stop(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Accept returns the next connection whose handshake has finished.
func (l *tcpListener) Accept() (Stream, error) {
	select {
	case s := <-l.ready:
		return s, nil
	case <-l.done:
		return nil, l.err
	}
}

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	l.stop(net.ErrClosed)
	return err
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

// DialTCP connects to a TCP address.
func DialTCP(ctx context.Context, addr string, security SecurityPolicy) (Stream, error) {
	if security == nil {
		security = Plaintext{}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", WithDefaultPort(addr))
	if err != nil {
		return nil, err
	}
	secured, err := security.Client(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewPacketStream(secured), nil
}
