package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"leapkvm/internal/event"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
)

// Events posted by a Listener, addressed to the Listener.
var (
	// ClientConnected carries a *ClientProxy that finished the
	// handshake.
	ClientConnected = event.RegisterType("listener.client")

	// ListenerFailed carries the error that stopped accepting.
	ListenerFailed = event.RegisterType("listener.stopped")
)

// Listener accepts connections and runs the hello handshake on each. A
// connection becomes a ClientProxy once the client has sent a compatible
// hello and its screen info.
type Listener struct {
	q        *event.Queue
	logger   *slog.Logger
	listener network.Listener
	pending  map[*unknownClient]struct{}
	closed   bool
}

// NewListener starts accepting on l.
func NewListener(q *event.Queue, l network.Listener, logger *slog.Logger) *Listener {
	cl := &Listener{
		q:        q,
		logger:   logger.With("component", "listener"),
		listener: l,
		pending:  make(map[*unknownClient]struct{}),
	}
	event.On(q, network.Accepted, l, cl.handleAccepted)
	event.On(q, network.AcceptFailed, l, cl.handleAcceptFailed)
	network.AcceptLoop(q, l)
	cl.logger.Info("listening for clients", "addr", l.Addr())
	return cl
}

// Addr returns the address being listened on.
func (l *Listener) Addr() string { return l.listener.Addr() }

// Close stops accepting and drops connections still in the handshake.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.listener.Close()
	l.q.RemoveHandlers(l.listener)
	for c := range l.pending {
		c.abandon()
	}
	clear(l.pending)
}

func (l *Listener) handleAccepted(s network.Stream) {
	if l.closed {
		s.Close()
		return
	}
	l.logger.Debug("accepted connection", "addr", s.RemoteAddr())
	c := newUnknownClient(l, s)
	l.pending[c] = struct{}{}
}

func (l *Listener) handleAcceptFailed(err error) {
	if l.closed {
		return
	}
	l.logger.Warn("accept failed", "error", err)
	l.q.Post(event.Event{Type: ListenerFailed, Target: l, Data: err})
}

func (l *Listener) finished(c *unknownClient, proxy *ClientProxy) {
	delete(l.pending, c)
	if proxy != nil {
		l.q.Post(event.Event{Type: ClientConnected, Target: l, Data: proxy})
	}
}

// unknownClient is a connection whose hello has not yet been accepted.
type unknownClient struct {
	l       *Listener
	stream  network.Stream
	logger  *slog.Logger
	timer   *event.Timer
	proxy   *ClientProxy
	settled bool
}

func newUnknownClient(l *Listener, s network.Stream) *unknownClient {
	c := &unknownClient{
		l:      l,
		stream: s,
		logger: l.logger.With("addr", s.RemoteAddr()),
	}
	c.timer = l.q.NewOneShotTimer(protocol.HelloTimeout, nil)
	l.q.AddHandler(event.TimerFired, c.timer, func(event.Event) {
		c.logger.Info("handshake timed out")
		c.fail()
	})

	event.On(l.q, network.InputReady, s, c.handleHello)
	event.On(l.q, network.InputShutdown, s, func(err error) {
		c.logger.Debug("connection closed during handshake", "error", err)
		c.fail()
	})
	network.Pump(l.q, s)

	if err := protocol.Writef(s, protocol.MsgHello, uint16(protocol.MajorVersion), uint16(protocol.MinorVersion)); err != nil {
		c.logger.Warn("cannot send hello", "error", err)
		c.fail()
	}
	return c
}

func (c *unknownClient) handleHello(packet []byte) {
	if c.settled || c.proxy != nil {
		return
	}
	var (
		major, minor uint16
		name         string
	)
	err := protocol.Readf(bytes.NewReader(packet), protocol.MsgHelloBack, &major, &minor, &name)
	switch {
	case err != nil:
		c.logger.Warn("bad hello", "error", err, "violation", errors.Is(err, protocol.ErrProtocolViolation))
		c.reject(protocol.MsgEBad)
		return
	case len(name) > protocol.MaxHelloLength:
		c.logger.Warn("client name too long", "length", len(name))
		c.reject(protocol.MsgEBad)
		return
	}
	if major != protocol.MajorVersion || minor < protocol.MinorVersion {
		c.logger.Warn("incompatible client", "name", name, "version", versionString(major, minor))
		protocol.Writef(c.stream, protocol.MsgEIncompatible, uint16(protocol.MajorVersion), uint16(protocol.MinorVersion))
		c.fail()
		return
	}

	c.logger.Debug("hello from client", "name", name, "version", versionString(major, minor))
	c.l.q.RemoveHandlers(c.stream)
	c.proxy = NewClientProxy(c.l.q, c.stream, name, c.l.logger)
	c.l.q.AddHandler(ProxyReady, c.proxy, func(event.Event) { c.succeed() })
	c.l.q.AddHandler(ProxyDisconnected, c.proxy, func(event.Event) { c.fail() })
}

func versionString(major, minor uint16) string {
	return fmt.Sprintf("%d.%d", major, minor)
}

func (c *unknownClient) reject(format string) {
	protocol.Writef(c.stream, format)
	c.fail()
}

func (c *unknownClient) succeed() {
	if c.settled {
		return
	}
	c.settled = true
	c.stopTimer()
	c.l.q.RemoveHandlers(c.proxy)
	if c.proxy.Closed() {
		// Hung up right after its info; the disconnect event went with
		// the handlers.
		c.logger.Debug("client left during handshake", "name", c.proxy.Name())
		c.l.finished(c, nil)
		return
	}
	c.l.finished(c, c.proxy)
}

func (c *unknownClient) fail() {
	if c.settled {
		return
	}
	c.settled = true
	c.stopTimer()
	if c.proxy != nil {
		c.l.q.RemoveHandlers(c.proxy)
		c.proxy.Destroy()
	} else {
		c.l.q.RemoveHandlers(c.stream)
		c.stream.Close()
	}
	c.l.finished(c, nil)
}

// abandon drops the connection when the listener closes.
func (c *unknownClient) abandon() {
	if c.settled {
		return
	}
	c.settled = true
	c.stopTimer()
	if c.proxy != nil {
		c.l.q.RemoveHandlers(c.proxy)
		c.proxy.Destroy()
	} else {
		c.l.q.RemoveHandlers(c.stream)
		c.stream.Close()
	}
}

func (c *unknownClient) stopTimer() {
	c.l.q.DeleteTimer(c.timer)
	c.l.q.RemoveHandler(event.TimerFired, c.timer)
}
