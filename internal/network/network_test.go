package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"leapkvm/internal/event"
	"leapkvm/internal/protocol"
)

func TestPacketStreamRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewPacketStream(a), NewPacketStream(b)
	defer left.Close()
	defer right.Close()

	packets := [][]byte{[]byte("CNOP"), {}, bytes.Repeat([]byte{7}, 70000)}
	go func() {
		for _, p := range packets {
			if _, err := left.Write(p); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
	}()

	for i, want := range packets {
		got, err := right.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("packet %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestPacketStreamRejectsOversizedHeader(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	s := NewPacketStream(b)
	defer s.Close()

	go a.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := s.ReadPacket()
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("ReadPacket = %v, want protocol violation", err)
	}
}

func TestPacketStreamTruncatedPacket(t *testing.T) {
	a, b := net.Pipe()
	s := NewPacketStream(b)
	defer s.Close()

	go func() {
		a.Write([]byte{0, 0, 0, 10, 'a', 'b'})
		a.Close()
	}()
	_, err := s.ReadPacket()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadPacket = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestTCPListenDial(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Stream
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	if _, err := client.Write([]byte("QINF")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := server.ReadPacket()
	if err != nil || string(got) != "QINF" {
		t.Fatalf("ReadPacket = %q, %v", got, err)
	}
}

// gatedSecurity lets a connection through once the peer sends a byte.
type gatedSecurity struct{}

func (gatedSecurity) Server(conn net.Conn) (net.Conn, error) {
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return nil, err
	}
	return conn, nil
}

func (gatedSecurity) Client(conn net.Conn) (net.Conn, error) {
	_, err := conn.Write([]byte{1})
	return conn, err
}

func TestStalledHandshakeDoesNotBlockAccept(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", gatedSecurity{})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	stalled, err := net.Dial("tcp", ln.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stalled.Close()
	time.Sleep(20 * time.Millisecond)

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, ln.Addr(), gatedSecurity{})
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	select {
	case s := <-accepted:
		defer s.Close()
		if _, err := client.Write([]byte("QINF")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if got, err := s.ReadPacket(); err != nil || string(got) != "QINF" {
			t.Errorf("ReadPacket = %q, %v", got, err)
		}
	case <-ctx.Done():
		t.Fatal("second connection waited behind the stalled handshake")
	}
}

func TestAcceptAfterClose(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	ln.Close()
	if _, err := ln.Accept(); err == nil {
		t.Error("Expected an error from Accept after Close")
	}
}

func TestListenAddressInUse(t *testing.T) {
	first, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer first.Close()

	_, err = ListenTCP(first.Addr(), nil)
	var inUse *AddressInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("second ListenTCP = %v, want AddressInUseError", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	ln, err := Listen("ws://127.0.0.1:0/leap", ListenOptions{Token: "secret"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostPort := strings.TrimPrefix(ln.Addr(), "ws://")
	if _, err := Dial(ctx, "ws://"+hostPort+"/leap", nil); err == nil {
		t.Error("dial without token succeeded")
	}

	client, err := Dial(ctx, "ws://:secret@"+hostPort+"/leap", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Stream
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no stream accepted")
	}
	defer server.Close()

	msg, _ := protocol.Encode(protocol.MsgDMouseMove, uint16(10), uint16(20))
	if _, err := server.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := client.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got % x, want % x", got, msg)
	}
}

func TestPumpPostsPacketsThenShutdown(t *testing.T) {
	a, b := net.Pipe()
	local := NewPacketStream(b)
	remote := NewPacketStream(a)

	q := event.NewQueue(nil, event.WithPollTimeout(10*time.Millisecond))
	var got []string
	var shutdownErr error
	q.AddHandler(InputReady, local, func(e event.Event) { got = append(got, string(e.Data.([]byte))) })
	q.AddHandler(InputShutdown, local, func(e event.Event) {
		shutdownErr, _ = e.Data.(error)
		q.Post(event.Event{Type: event.Quit})
	})
	Pump(q, local)

	go func() {
		remote.Write([]byte("CALV"))
		remote.Write([]byte("CNOP"))
		remote.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Run(ctx)

	if len(got) != 2 || got[0] != "CALV" || got[1] != "CNOP" {
		t.Errorf("packets = %v, want [CALV CNOP]", got)
	}
	if !IsExpectedCloseError(shutdownErr) {
		t.Errorf("shutdown error %v is not an expected close", shutdownErr)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{net.ErrClosed, true},
		{syscall.ECONNRESET, true},
		{syscall.EPIPE, true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsExpectedCloseError(tt.err); got != tt.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithDefaultPort(t *testing.T) {
	if got := WithDefaultPort("server.lan"); got != "server.lan:24800" {
		t.Errorf("WithDefaultPort = %q", got)
	}
	if got := WithDefaultPort("server.lan:1234"); got != "server.lan:1234" {
		t.Errorf("WithDefaultPort = %q", got)
	}
}
