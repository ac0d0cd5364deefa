package server

import (
	"bytes"
	"log/slog"
	"net"
	"testing"
	"time"

	"leapkvm/internal/clock"
	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
	"leapkvm/internal/screen/screentest"
)

const testLayout = `
screens:
  - name: desk
  - name: laptop
    aliases: [laptop.lan]
  - name: tablet
links:
  desk: {right: laptop, left: tablet}
  laptop: {left: desk}
  tablet: {right: desk}
hotkeys:
  - keys: F1
    action: switchToScreen
    argument: laptop
  - keys: Ctrl+Alt+Left
    action: switchInDirection
    argument: left
`

const waitLimit = 2 * time.Second

// remote is the client end of a pipe, reading packets on a goroutine.
type remote struct {
	t       *testing.T
	stream  network.Stream
	packets chan []byte
}

func newPipe(t *testing.T) (network.Stream, *remote) {
	t.Helper()
	a, b := net.Pipe()
	r := &remote{
		t:       t,
		stream:  network.NewPacketStream(b),
		packets: make(chan []byte, 256),
	}
	go func() {
		defer close(r.packets)
		for {
			p, err := r.stream.ReadPacket()
			if err != nil {
				return
			}
			r.packets <- p
		}
	}()
	t.Cleanup(func() { a.Close(); b.Close() })
	return network.NewPacketStream(a), r
}

func (r *remote) send(format string, args ...any) {
	r.t.Helper()
	if err := protocol.Writef(r.stream, format, args...); err != nil {
		r.t.Fatalf("send %q: %v", format, err)
	}
}

// expect steps q until a packet with opcode arrives. Keep-alives are
// skipped unless asked for.
func (r *remote) expect(q *event.Queue, opcode string) []byte {
	r.t.Helper()
	deadline := time.Now().Add(waitLimit)
	for {
		select {
		case p, ok := <-r.packets:
			if !ok {
				r.t.Fatalf("connection closed while waiting for %s", opcode)
			}
			got := protocol.Opcode(p)
			if got == protocol.OpCKeepAlive && opcode != protocol.OpCKeepAlive {
				continue
			}
			if got != opcode {
				r.t.Fatalf("Expected %s, got %s", opcode, got)
			}
			return p
		default:
		}
		if time.Now().After(deadline) {
			r.t.Fatalf("timed out waiting for %s", opcode)
		}
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

// expectClosed steps q until the server side hangs up.
func (r *remote) expectClosed(q *event.Queue) {
	r.t.Helper()
	deadline := time.Now().Add(waitLimit)
	for {
		select {
		case _, ok := <-r.packets:
			if !ok {
				return
			}
			continue
		default:
		}
		if time.Now().After(deadline) {
			r.t.Fatal("timed out waiting for the connection to close")
		}
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

// quiet steps q briefly and fails if anything but a keep-alive arrives.
func (r *remote) quiet(q *event.Queue) {
	r.t.Helper()
	for range 20 {
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
	for {
		select {
		case p, ok := <-r.packets:
			if ok && protocol.Opcode(p) != protocol.OpCKeepAlive {
				r.t.Fatalf("Expected no message, got %s", protocol.Opcode(p))
			}
			if !ok {
				return
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

// settle steps q until a burst of steps finds nothing to do.
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
	server *Server
}

func newFixture(t *testing.T, layout string, fake bool) *fixture {
	t.Helper()
	var opts []event.Option
	var fc *clock.FakeClock
	if fake {
		fc = clock.Fake(time.Unix(1000, 0))
		opts = append(opts, event.WithClock(fc))
	}
	q := event.NewQueue(logging.Discard(), opts...)

	cfg, err := config.Parse([]byte(layout))
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	port := screentest.New()
	scr := screen.New(port, true, logging.Discard())
	if err := scr.Enable(); err != nil {
		t.Fatal(err)
	}
	srv, err := New(q, cfg, NewPrimaryClient("desk", scr, logging.Discard()), logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{t: t, q: q, clock: fc, port: port, server: srv}
}

// handshake runs the proxy side of the info exchange for a client with a
// w x h screen and returns the ready proxy.
func (f *fixture) handshake(name string, w, h int32) (*ClientProxy, *remote) {
	f.t.Helper()
	stream, r := newPipe(f.t)
	network.Pump(f.q, stream)
	p := NewClientProxy(f.q, stream, name, logging.Discard())
	r.expect(f.q, protocol.OpQInfo)
	r.send(protocol.MsgDInfo, int32(0), int32(0), w, h, int32(0), w/2, h/2)
	r.expect(f.q, protocol.OpCInfoAck)
	waitFor(f.t, f.q, p.Ready)
	return p, r
}

// connect adds a ready client to the server.
func (f *fixture) connect(name string, w, h int32) (*ClientProxy, *remote) {
	f.t.Helper()
	p, r := f.handshake(name, w, h)
	f.server.AdoptClient(p)
	r.expect(f.q, protocol.OpCResetOptions)
	r.expect(f.q, protocol.OpDSetOptions)
	return p, r
}

func (f *fixture) emit(t event.Type, data any) {
	f.port.Emit(f.q, t, data)
	f.q.Step(0)
}

func startPump(f *fixture, s network.Stream) { network.Pump(f.q, s) }

func discard() *slog.Logger { return logging.Discard() }

type enter struct {
	x, y int32
	seq  uint32
	mask uint16
}

func decodeEnter(t *testing.T, packet []byte) enter {
	t.Helper()
	var e enter
	decode(t, packet, protocol.MsgCEnter, &e.x, &e.y, &e.seq, &e.mask)
	return e
}
