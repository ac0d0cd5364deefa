package server

import (
	"io"
	"net"
	"slices"
	"sync"
	"testing"

	"leapkvm/internal/event"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
)

// chanListener hands out streams pushed by the test.
type chanListener struct {
	streams chan network.Stream
	done    chan struct{}
	once    sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{streams: make(chan network.Stream, 4), done: make(chan struct{})}
}

func (l *chanListener) Accept() (network.Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() string { return "test" }

func TestListenerHandshake(t *testing.T) {
	f := newFixture(t, testLayout, false)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())
	defer l.Close()

	var got *ClientProxy
	event.On(f.q, ClientConnected, l, func(p *ClientProxy) { got = p })

	stream, r := newPipe(t)
	ls.streams <- stream

	var major, minor uint16
	decode(t, r.expect(f.q, "Barr"), protocol.MsgHello, &major, &minor)
	if major != 1 || minor != 6 {
		t.Errorf("hello version %d.%d, want 1.6", major, minor)
	}
	r.send(protocol.MsgHelloBack, uint16(1), uint16(6), "laptop")
	r.expect(f.q, protocol.OpQInfo)
	r.send(protocol.MsgDInfo, int32(0), int32(0), int32(1280), int32(720), int32(0), int32(0), int32(0))
	r.expect(f.q, protocol.OpCInfoAck)
	waitFor(t, f.q, func() bool { return got != nil })
	if got.Name() != "laptop" {
		t.Errorf("Expected laptop, got %q", got.Name())
	}

	f.server.AdoptClient(got)
	r.expect(f.q, protocol.OpCResetOptions)
	if len(l.pending) != 0 {
		t.Errorf("Expected no pending handshakes, got %d", len(l.pending))
	}
}

// helloAndQuery runs the hello exchange for name on a new connection and
// waits for the info query.
func helloAndQuery(t *testing.T, f *fixture, ls *chanListener, name string) (network.Stream, *remote) {
	t.Helper()
	stream, r := newPipe(t)
	ls.streams <- stream
	r.expect(f.q, "Barr")
	r.send(protocol.MsgHelloBack, uint16(1), uint16(6), name)
	r.expect(f.q, protocol.OpQInfo)
	return stream, r
}

func TestListenerDropsClientThatHangsUpAfterInfo(t *testing.T) {
	f := newFixture(t, testLayout, false)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())
	defer l.Close()
	event.On(f.q, ClientConnected, l, f.server.AdoptClient)

	stream, _ := helloAndQuery(t, f, ls, "laptop")
	info, err := protocol.Encode(protocol.MsgDInfo, int32(0), int32(0), int32(1280), int32(720), int32(0), int32(0), int32(0))
	if err != nil {
		t.Fatal(err)
	}
	// Info and hang-up land in the same batch.
	f.q.Post(event.Event{Type: network.InputReady, Target: stream, Data: info})
	f.q.Post(event.Event{Type: network.InputShutdown, Target: stream, Data: io.EOF})
	waitFor(t, f.q, func() bool { return len(l.pending) == 0 })
	settle(f.q)

	if slices.Contains(f.server.Clients(), "laptop") {
		t.Fatalf("dead client still registered: %v", f.server.Clients())
	}

	_, r := helloAndQuery(t, f, ls, "laptop")
	r.send(protocol.MsgDInfo, int32(0), int32(0), int32(1280), int32(720), int32(0), int32(0), int32(0))
	r.expect(f.q, protocol.OpCInfoAck)
	r.expect(f.q, protocol.OpCResetOptions)
	waitFor(t, f.q, func() bool { return slices.Contains(f.server.Clients(), "laptop") })
}

func TestListenerRejectsOldVersion(t *testing.T) {
	f := newFixture(t, testLayout, false)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())
	defer l.Close()

	stream, r := newPipe(t)
	ls.streams <- stream
	r.expect(f.q, "Barr")
	r.send(protocol.MsgHelloBack, uint16(1), uint16(5), "laptop")

	var major, minor uint16
	decode(t, r.expect(f.q, protocol.OpEIncompatible), protocol.MsgEIncompatible, &major, &minor)
	if major != 1 || minor != 6 {
		t.Errorf("EICV carries %d.%d", major, minor)
	}
	r.expectClosed(f.q)
}

func TestListenerRejectsGarbledHello(t *testing.T) {
	for name, send := range map[string]func(r *remote){
		"wrong magic": func(r *remote) { r.send("Hello%2i%2i", uint16(1), uint16(6)) },
		"truncated":   func(r *remote) { r.send("Barrier%2i", uint16(1)) },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testLayout, false)
			ls := newChanListener()
			l := NewListener(f.q, ls, discard())
			defer l.Close()

			stream, r := newPipe(t)
			ls.streams <- stream
			r.expect(f.q, "Barr")
			send(r)
			r.expect(f.q, protocol.OpEBad)
			r.expectClosed(f.q)
		})
	}
}

func TestListenerHelloTimeout(t *testing.T) {
	f := newFixture(t, testLayout, true)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())
	defer l.Close()

	stream, r := newPipe(t)
	ls.streams <- stream
	r.expect(f.q, "Barr")

	f.clock.Advance(protocol.HelloTimeout)
	r.expectClosed(f.q)
	waitFor(t, f.q, func() bool { return len(l.pending) == 0 })
}

func TestListenerCloseDropsPending(t *testing.T) {
	f := newFixture(t, testLayout, false)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())

	stream, r := newPipe(t)
	ls.streams <- stream
	r.expect(f.q, "Barr")
	l.Close()
	r.expectClosed(f.q)
}

func TestListenerReportsAcceptFailure(t *testing.T) {
	f := newFixture(t, testLayout, false)
	ls := newChanListener()
	l := NewListener(f.q, ls, discard())
	var failed error
	event.On(f.q, ListenerFailed, l, func(err error) { failed = err })
	ls.Close()
	waitFor(t, f.q, func() bool { return failed != nil })
}
