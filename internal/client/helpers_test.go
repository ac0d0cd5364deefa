package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"leapkvm/internal/clock"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
	"leapkvm/internal/screen/screentest"
)

const waitLimit = 2 * time.Second

// fakeServer is the server end of a pipe, reading packets on a goroutine.
type fakeServer struct {
	t       *testing.T
	stream  network.Stream
	packets chan []byte
}

func newPipe(t *testing.T) (network.Stream, *fakeServer) {
	t.Helper()
	a, b := net.Pipe()
	srv := &fakeServer{
		t:       t,
		stream:  network.NewPacketStream(b),
		packets: make(chan []byte, 256),
	}
	go func() {
		defer close(srv.packets)
		for {
			p, err := srv.stream.ReadPacket()
			if err != nil {
				return
			}
			srv.packets <- p
		}
	}()
	t.Cleanup(func() { a.Close(); b.Close() })
	return network.NewPacketStream(a), srv
}

func (s *fakeServer) send(format string, args ...any) {
	s.t.Helper()
	if err := protocol.Writef(s.stream, format, args...); err != nil {
		s.t.Fatalf("send %q: %v", format, err)
	}
}

func (s *fakeServer) sendRaw(packet []byte) {
	s.t.Helper()
	if _, err := s.stream.Write(packet); err != nil {
		s.t.Fatalf("send: %v", err)
	}
}

// expect steps q until a packet with opcode arrives. Keep-alives are
// skipped unless asked for. The hello reply is matched by "Barr".
func (s *fakeServer) expect(q *event.Queue, opcode string) []byte {
	s.t.Helper()
	deadline := time.Now().Add(waitLimit)
	for {
		select {
		case p, ok := <-s.packets:
			if !ok {
				s.t.Fatalf("connection closed while waiting for %s", opcode)
			}
			got := protocol.Opcode(p)
			if got == protocol.OpCKeepAlive && opcode != protocol.OpCKeepAlive {
				continue
			}
			if got != opcode {
				s.t.Fatalf("Expected %s, got %s", opcode, got)
			}
			return p
		default:
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("timed out waiting for %s", opcode)
		}
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

// quiet steps q briefly and fails if anything but a keep-alive arrives.
func (s *fakeServer) quiet(q *event.Queue) {
	s.t.Helper()
	for range 20 {
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
	for {
		select {
		case p, ok := <-s.packets:
			if !ok {
				return
			}
			if protocol.Opcode(p) != protocol.OpCKeepAlive {
				s.t.Fatalf("Expected no message, got %s", protocol.Opcode(p))
			}
		default:
			return
		}
	}
}

func decode(t *testing.T, packet []byte, format string, args ...any) {
	t.Helper()
	if err := protocol.Readf(bytes.NewReader(packet), format, args...); err != nil {
		t.Fatalf("decode %q: %v", format, err)
	}
}

func waitFor(t *testing.T, q *event.Queue, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

// settle steps q for a short while so in-flight packets are handled.
func settle(q *event.Queue) {
	for range 20 {
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	t      *testing.T
	q      *event.Queue
	clock  *clock.FakeClock
	port   *screentest.Port
	screen *screen.Screen
	client *Client
	server *fakeServer

	failures      []FailInfo
	disconnects   []FailInfo
	connectedSeen int
}

func newFixture(t *testing.T, fake bool) *fixture {
	t.Helper()
	var opts []event.Option
	var fc *clock.FakeClock
	if fake {
		fc = clock.Fake(time.Unix(1000, 0))
		opts = append(opts, event.WithClock(fc))
	}
	q := event.NewQueue(logging.Discard(), opts...)
	port := screentest.New()
	port.Rect = screen.Rect{W: 1280, H: 800}
	scr := screen.New(port, false, logging.Discard())
	if err := scr.Enable(); err != nil {
		t.Fatal(err)
	}

	clientEnd, srv := newPipe(t)
	f := &fixture{t: t, q: q, clock: fc, port: port, screen: scr, server: srv}
	f.client = New(q, scr, Options{
		Name: "laptop",
		Addr: "pipe",
		Dial: func(context.Context, string, network.SecurityPolicy) (network.Stream, error) {
			return clientEnd, nil
		},
	}, logging.Discard())
	event.On(q, ConnectionFailed, f.client, func(info FailInfo) { f.failures = append(f.failures, info) })
	event.On(q, Disconnected, f.client, func(info FailInfo) { f.disconnects = append(f.disconnects, info) })
	q.AddHandler(Connected, f.client, func(event.Event) { f.connectedSeen++ })
	return f
}

// hello runs the hello exchange and returns the name the client sent.
func (f *fixture) hello() string {
	f.t.Helper()
	f.client.Connect()
	waitFor(f.t, f.q, func() bool { return f.client.attempt != nil && f.client.attempt.stream != nil })
	f.server.send(protocol.MsgHello, uint16(1), uint16(6))
	reply := f.server.expect(f.q, "Barr")
	var (
		major, minor uint16
		name         string
	)
	decode(f.t, reply, protocol.MsgHelloBack, &major, &minor, &name)
	if major != 1 || minor != 6 {
		f.t.Errorf("Expected version 1.6, got %d.%d", major, minor)
	}
	waitFor(f.t, f.q, func() bool { return f.connectedSeen == 1 })
	return name
}

// connect completes the whole handshake.
func (f *fixture) connect() *ServerProxy {
	f.t.Helper()
	f.hello()
	f.server.send(protocol.MsgQInfo)
	f.server.expect(f.q, protocol.OpDInfo)
	f.server.send(protocol.MsgCInfoAck)
	f.server.send(protocol.MsgCResetOptions)
	waitFor(f.t, f.q, func() bool { return f.client.Proxy() != nil && f.client.Proxy().Ready() })
	return f.client.Proxy()
}

// enter sends CINN and waits for the proxy to process it.
func (f *fixture) enter(x, y int32, seq uint32, mask uint16) {
	f.t.Helper()
	f.server.send(protocol.MsgCEnter, x, y, seq, mask)
	settle(f.q)
}
