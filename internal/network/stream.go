// Package network provides the packet streams that carry protocol
// messages between server and clients.
//
// Every stream moves whole packets: a Write sends exactly one packet and
// a ReadPacket returns exactly one. Plain TCP frames packets with a
// 4-byte big-endian length; WebSocket streams use one binary message per
// packet.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Stream is a bidirectional packet stream.
type Stream interface {
	// ReadPacket blocks until a whole packet is available.
	ReadPacket() ([]byte, error)

	// Write sends p as one packet.
	Write(p []byte) (int, error)

	Close() error

	// RemoteAddr names the peer for logging.
	RemoteAddr() string
}

// Listener yields inbound streams.
type Listener interface {
	Accept() (Stream, error)
	Close() error
	Addr() string
}

// WriteTimeout bounds how long a single packet write may block.
const WriteTimeout = 10 * time.Second

// AddressInUseError is returned by Listen when the address is taken. It is
// transient: the address may free up once another process exits.
type AddressInUseError struct {
	Addr string
	Err  error
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("address %s in use: %v", e.Addr, e.Err)
}

func (e *AddressInUseError) Unwrap() error { return e.Err }

// IsWebSocketAddr reports whether addr selects the WebSocket transport.
func IsWebSocketAddr(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// Listen opens a listener for addr. "ws://host:port/path" listens for
// WebSocket upgrades on path; anything else is a TCP address.
func Listen(addr string, opts ListenOptions) (Listener, error) {
	if IsWebSocketAddr(addr) {
		return ListenWebSocket(addr, opts)
	}
	return ListenTCP(addr, opts.Security)
}

// Dial connects to addr with the transport its form selects.
func Dial(ctx context.Context, addr string, security SecurityPolicy) (Stream, error) {
	if IsWebSocketAddr(addr) {
		return DialWebSocket(ctx, addr, security)
	}
	return DialTCP(ctx, addr, security)
}

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

func classifyListenError(addr string, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return &AddressInUseError{Addr: addr, Err: err}
	}
	return err
}
