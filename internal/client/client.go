// Package client connects the local screen to a server and applies what
// the server sends while the cursor is here.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leapkvm/internal/event"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

// Events posted by a Client, addressed to the Client.
var (
	// Connected is posted once the hello exchange succeeds. No payload.
	Connected = event.RegisterType("client.connected")

	// ConnectionFailed carries a FailInfo for an attempt that never got
	// past the handshake.
	ConnectionFailed = event.RegisterType("client.connection.failed")

	// Disconnected carries a FailInfo for an established session that
	// ended.
	Disconnected = event.RegisterType("client.disconnected")
)

// FailInfo describes a failed or ended connection.
type FailInfo struct {
	Err error

	// Retry is false when reconnecting cannot help.
	Retry bool
}

// ConnectTimeout bounds a connection attempt from dial to server hello.
const ConnectTimeout = 15 * time.Second

// ErrConnectTimeout is the FailInfo error of an attempt that ran out of
// time.
var ErrConnectTimeout = errors.New("timed out connecting to server")

// Dialer opens a stream to addr.
type Dialer func(ctx context.Context, addr string, security network.SecurityPolicy) (network.Stream, error)

// Options configures a Client.
type Options struct {
	// Name is the screen name sent to the server.
	Name string

	Addr     string
	Security network.SecurityPolicy

	// Dial defaults to network.Dial.
	Dial Dialer
}

// attempt is the event target of one connection attempt, so results of
// an abandoned attempt are never mistaken for the current one.
type attempt struct {
	cancel context.CancelFunc
	stream network.Stream
	timer  *event.Timer
}

// Client owns the connection to the server. All methods run on the event
// loop.
type Client struct {
	q      *event.Queue
	logger *slog.Logger
	opts   Options
	screen *screen.Screen

	attempt *attempt
	proxy   *ServerProxy
}

// New creates a disconnected client for scr.
func New(q *event.Queue, scr *screen.Screen, opts Options, logger *slog.Logger) *Client {
	if opts.Dial == nil {
		opts.Dial = network.Dial
	}
	if opts.Security == nil {
		opts.Security = network.Plaintext{}
	}
	return &Client{
		q:      q,
		logger: logger.With("component", "client", "server", opts.Addr),
		opts:   opts,
		screen: scr,
	}
}

// Name returns the screen name this client announces.
func (c *Client) Name() string { return c.opts.Name }

// Connected reports whether a session with the server is established.
func (c *Client) Connected() bool { return c.proxy != nil }

// Connecting reports whether an attempt is in progress.
func (c *Client) Connecting() bool { return c.attempt != nil }

// Proxy returns the current session, or nil.
func (c *Client) Proxy() *ServerProxy { return c.proxy }

// Connect starts a connection attempt. It does nothing while connected
// or already connecting. The outcome is posted as Connected or
// ConnectionFailed.
func (c *Client) Connect() {
	if c.attempt != nil || c.proxy != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{cancel: cancel}
	c.attempt = a

	a.timer = c.q.NewOneShotTimer(ConnectTimeout, nil)
	c.q.AddHandler(event.TimerFired, a.timer, func(event.Event) {
		c.fail(a, ErrConnectTimeout, true)
	})
	event.On(c.q, network.Dialed, a, func(r network.DialResult) { c.handleDialed(a, r) })

	c.logger.Info("connecting to server")
	addr, security, dial := c.opts.Addr, c.opts.Security, c.opts.Dial
	go func() {
		s, err := dial(ctx, addr, security)
		c.q.Post(event.Event{Type: network.Dialed, Target: a, Data: network.DialResult{Stream: s, Err: err}})
	}()
}

// Disconnect abandons any attempt in progress and closes the session.
func (c *Client) Disconnect() {
	if c.attempt != nil {
		c.fail(c.attempt, ErrLocalShutdown, false)
	}
	if c.proxy != nil {
		c.proxy.Close()
	}
}

func (c *Client) handleDialed(a *attempt, r network.DialResult) {
	c.q.RemoveHandler(network.Dialed, a)
	if c.attempt != a {
		if r.Stream != nil {
			r.Stream.Close()
		}
		return
	}
	if r.Err != nil {
		c.fail(a, r.Err, true)
		return
	}
	a.stream = r.Stream
	c.logger.Debug("connected, waiting for hello")
	event.On(c.q, network.InputReady, a.stream, func(packet []byte) { c.handleHello(a, packet) })
	event.On(c.q, network.InputShutdown, a.stream, func(err error) { c.fail(a, err, true) })
	network.Pump(c.q, a.stream)
}

func (c *Client) handleHello(a *attempt, packet []byte) {
	if c.attempt != a {
		return
	}
	var major, minor uint16
	if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgHello, &major, &minor); err != nil {
		c.fail(a, fmt.Errorf("bad hello: %w", err), true)
		return
	}
	if major < protocol.MajorVersion || (major == protocol.MajorVersion && minor < protocol.MinorVersion) {
		c.fail(a, fmt.Errorf("%w: server has %d.%d, this client %d.%d",
			ErrIncompatible, major, minor, protocol.MajorVersion, protocol.MinorVersion), false)
		return
	}
	if err := protocol.Writef(a.stream, protocol.MsgHelloBack,
		uint16(protocol.MajorVersion), uint16(protocol.MinorVersion), c.opts.Name); err != nil {
		c.fail(a, err, true)
		return
	}

	c.endAttempt(a)
	c.proxy = NewServerProxy(c.q, a.stream, c.screen, c.logger)
	event.On(c.q, ProxyClosed, c.proxy, c.handleProxyClosed)
	c.logger.Debug("hello exchanged", "server_version", fmt.Sprintf("%d.%d", major, minor))
	c.q.Post(event.Event{Type: Connected, Target: c})
}

func (c *Client) handleProxyClosed(info CloseInfo) {
	if c.proxy == nil {
		return
	}
	c.q.RemoveHandlers(c.proxy)
	c.proxy = nil
	fail := FailInfo{Err: info.Err, Retry: !info.Final}
	if info.Handshake {
		c.logger.Warn("connection failed", "error", info.Err)
		c.q.Post(event.Event{Type: ConnectionFailed, Target: c, Data: fail})
		return
	}
	c.logger.Info("disconnected from server", "reason", info.Err)
	c.q.Post(event.Event{Type: Disconnected, Target: c, Data: fail})
}

// endAttempt tears down the attempt's timer and stream handlers. The
// stream, if any, is left open. A dial still in flight is cancelled; its
// result is closed when it arrives.
func (c *Client) endAttempt(a *attempt) {
	a.cancel()
	c.q.DeleteTimer(a.timer)
	c.q.RemoveHandler(event.TimerFired, a.timer)
	if a.stream != nil {
		c.q.RemoveHandlers(a.stream)
	}
	if c.attempt == a {
		c.attempt = nil
	}
}

func (c *Client) fail(a *attempt, err error, retry bool) {
	if c.attempt != a {
		return
	}
	c.endAttempt(a)
	if a.stream != nil {
		a.stream.Close()
	}
	if retry {
		c.logger.Warn("connection failed", "error", err)
	} else {
		c.logger.Error("connection failed", "error", err)
	}
	c.q.Post(event.Event{Type: ConnectionFailed, Target: c, Data: FailInfo{Err: err, Retry: retry}})
}
