package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

// Events posted by a ClientProxy, addressed to the proxy.
var (
	// ProxyReady is posted once the client has answered the info
	// query. No payload.
	ProxyReady = event.RegisterType("proxy.ready")

	// ProxyDisconnected is posted exactly once when the connection ends
	// for any reason. No payload.
	ProxyDisconnected = event.RegisterType("proxy.disconnected")

	// ProxyClipboardGrabbed carries a ClipboardEvent.
	ProxyClipboardGrabbed = event.RegisterType("proxy.clipboard.grabbed")

	// ProxyClipboardChanged carries a ClipboardEvent. The new data is
	// available from GetClipboard.
	ProxyClipboardChanged = event.RegisterType("proxy.clipboard.changed")

	// ProxyShapeChanged is posted when the client reports new screen
	// info after the handshake. No payload.
	ProxyShapeChanged = event.RegisterType("proxy.shape")
)

// ClipboardEvent identifies a clipboard and the sequence number the
// sender attached to it.
type ClipboardEvent struct {
	ID  uint8
	Seq uint32
}

// ClientProxy is the server's side of one client connection. It turns
// peer operations into protocol messages and incoming messages into
// events. All methods run on the event loop.
type ClientProxy struct {
	q      *event.Queue
	logger *slog.Logger
	stream network.Stream
	name   string

	ready  bool
	closed bool

	shape            screen.Rect
	cursorX, cursorY int32

	dirty      [protocol.NumClipboards]bool
	clipboards [protocol.NumClipboards]*clipboard.Data
	assemblers [protocol.NumClipboards]protocol.ClipboardAssembler

	rate      time.Duration
	keepAlive *event.Timer
	heartbeat *event.Timer
}

// NewClientProxy takes over stream, whose packets must already be pumped
// into q, and queries the client for its screen info.
func NewClientProxy(q *event.Queue, stream network.Stream, name string, logger *slog.Logger) *ClientProxy {
	p := &ClientProxy{
		q:      q,
		logger: logger.With("component", "proxy", "client", name, "addr", stream.RemoteAddr()),
		stream: stream,
		name:   name,
		rate:   protocol.KeepAliveRate,
	}
	event.On(q, network.InputReady, stream, p.handlePacket)
	event.On(q, network.InputShutdown, stream, p.handleShutdown)
	p.startKeepAlive()
	p.send(protocol.MsgQInfo)
	return p
}

// Name returns the client's screen name.
func (p *ClientProxy) Name() string { return p.name }

// RemoteAddr returns the client's network address.
func (p *ClientProxy) RemoteAddr() string { return p.stream.RemoteAddr() }

// Ready reports whether the client's info has arrived.
func (p *ClientProxy) Ready() bool { return p.ready }

// Closed reports whether the connection has ended.
func (p *ClientProxy) Closed() bool { return p.closed }

// Shape returns the client's screen shape.
func (p *ClientProxy) Shape() screen.Rect { return p.shape }

// CursorPos returns the client's last reported cursor position.
func (p *ClientProxy) CursorPos() (int32, int32) { return p.cursorX, p.cursorY }

func (p *ClientProxy) send(format string, args ...any) {
	if p.closed {
		return
	}
	if err := protocol.Writef(p.stream, format, args...); err != nil {
		p.logger.Warn("write failed", "error", err)
		p.disconnect()
	}
}

// Close writes the message named by format, which must take no
// arguments (CBYE, EBSY, EUNK, EBAD), then drops the connection.
func (p *ClientProxy) Close(format, reason string) {
	if p.closed {
		return
	}
	p.logger.Info("closing connection", "reason", reason, "message", protocol.Opcode([]byte(format)))
	p.send(format)
	p.disconnect()
}

// Goodbye sends the close message but leaves the connection open for the
// client to hang up first.
func (p *ClientProxy) Goodbye() {
	p.send(protocol.MsgCClose)
}

// Destroy drops the connection without a message.
func (p *ClientProxy) Destroy() { p.disconnect() }

func (p *ClientProxy) disconnect() {
	if p.closed {
		return
	}
	p.closed = true
	p.stopKeepAlive()
	p.stream.Close()
	p.q.RemoveHandlers(p.stream)
	p.q.Post(event.Event{Type: ProxyDisconnected, Target: p})
}

func (p *ClientProxy) startKeepAlive() {
	p.stopKeepAlive()
	p.keepAlive = p.q.NewTimer(p.rate, nil)
	p.q.AddHandler(event.TimerFired, p.keepAlive, func(event.Event) {
		p.send(protocol.MsgCKeepAlive)
	})
	p.resetHeartbeat()
}

func (p *ClientProxy) stopKeepAlive() {
	for _, t := range []*event.Timer{p.keepAlive, p.heartbeat} {
		if t != nil {
			p.q.DeleteTimer(t)
			p.q.RemoveHandler(event.TimerFired, t)
		}
	}
	p.keepAlive, p.heartbeat = nil, nil
}

func (p *ClientProxy) resetHeartbeat() {
	if p.heartbeat != nil {
		p.q.DeleteTimer(p.heartbeat)
		p.q.RemoveHandler(event.TimerFired, p.heartbeat)
	}
	p.heartbeat = p.q.NewOneShotTimer(p.rate*protocol.KeepAlivesUntilDeath, nil)
	p.q.AddHandler(event.TimerFired, p.heartbeat, func(event.Event) {
		p.logger.Warn("client is dead", "silence", p.rate*protocol.KeepAlivesUntilDeath)
		p.disconnect()
	})
}

func (p *ClientProxy) handleShutdown(err error) {
	if p.closed {
		return
	}
	if network.IsExpectedCloseError(err) {
		p.logger.Info("client disconnected")
	} else {
		p.logger.Warn("connection failed", "error", err)
	}
	p.disconnect()
}

func (p *ClientProxy) handlePacket(packet []byte) {
	if p.closed {
		return
	}
	p.resetHeartbeat()

	var err error
	if p.ready {
		err = p.parseMessage(packet)
	} else {
		err = p.parseHandshakeMessage(packet)
	}
	if err != nil {
		p.logger.Warn("protocol violation", "error", err)
		p.Close(protocol.MsgEBad, err.Error())
	}
}

func (p *ClientProxy) parseHandshakeMessage(packet []byte) error {
	switch protocol.Opcode(packet) {
	case protocol.OpCNoop, protocol.OpCKeepAlive:
		return nil
	case protocol.OpDInfo:
		if err := p.recvInfo(packet); err != nil {
			return err
		}
		p.ready = true
		p.send(protocol.MsgCInfoAck)
		p.q.Post(event.Event{Type: ProxyReady, Target: p})
		return nil
	}
	return fmt.Errorf("unexpected %q during handshake: %w", protocol.Opcode(packet), protocol.ErrProtocolViolation)
}

func (p *ClientProxy) parseMessage(packet []byte) error {
	switch protocol.Opcode(packet) {
	case protocol.OpCNoop, protocol.OpCKeepAlive:
		return nil
	case protocol.OpDInfo:
		if err := p.recvInfo(packet); err != nil {
			return err
		}
		p.send(protocol.MsgCInfoAck)
		p.q.Post(event.Event{Type: ProxyShapeChanged, Target: p})
		return nil
	case protocol.OpCClipboard:
		var (
			id  uint8
			seq uint32
		)
		if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgCClipboard, &id, &seq); err != nil {
			return err
		}
		if id >= protocol.NumClipboards {
			return fmt.Errorf("clipboard id %d: %w", id, protocol.ErrProtocolViolation)
		}
		p.q.Post(event.Event{Type: ProxyClipboardGrabbed, Target: p, Data: ClipboardEvent{ID: id, Seq: seq}})
		return nil
	case protocol.OpDClipboard:
		return p.recvClipboard(packet)
	}
	return fmt.Errorf("unknown message %q: %w", protocol.Opcode(packet), protocol.ErrProtocolViolation)
}

func (p *ClientProxy) recvInfo(packet []byte) error {
	var x, y, w, h, warp, mx, my int32
	if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgDInfo, &x, &y, &w, &h, &warp, &mx, &my); err != nil {
		return err
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("screen size %dx%d: %w", w, h, protocol.ErrProtocolViolation)
	}
	p.shape = screen.Rect{X: x, Y: y, W: w, H: h}
	p.cursorX, p.cursorY = mx, my
	p.logger.Debug("received screen info", "shape", fmt.Sprintf("%d,%d %dx%d", x, y, w, h))
	return nil
}

func (p *ClientProxy) recvClipboard(packet []byte) error {
	var (
		id, mark uint8
		seq      uint32
		data     []byte
	)
	if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgDClipboard, &id, &seq, &mark, &data); err != nil {
		return err
	}
	if id >= protocol.NumClipboards {
		return fmt.Errorf("clipboard id %d: %w", id, protocol.ErrProtocolViolation)
	}
	complete, done, err := p.assemblers[id].Add(mark, data)
	if err != nil || !done {
		return err
	}
	cb, err := clipboard.Unmarshal(complete, p.q.Now())
	if err != nil {
		return errors.Join(protocol.ErrProtocolViolation, err)
	}
	p.clipboards[id] = cb
	p.q.Post(event.Event{Type: ProxyClipboardChanged, Target: p, Data: ClipboardEvent{ID: id, Seq: seq}})
	return nil
}

// Enter sends the cursor onto the client's screen.
func (p *ClientProxy) Enter(x, y int32, seq uint32, mask input.ModifierMask, forScreensaver bool) {
	p.send(protocol.MsgCEnter, x, y, seq, mask&input.ToggleMask)
}

// Leave takes the cursor off the client's screen.
func (p *ClientProxy) Leave() bool {
	p.send(protocol.MsgCLeave)
	return true
}

// GrabClipboard tells the client it no longer owns clipboard id. Its copy
// is dirty until SetClipboard pushes new data.
func (p *ClientProxy) GrabClipboard(id uint8) {
	p.send(protocol.MsgCClipboard, id, uint32(0))
	p.dirty[id] = true
}

// SetClipboardDirty sets the dirty flag for clipboard id.
func (p *ClientProxy) SetClipboardDirty(id uint8, dirty bool) { p.dirty[id] = dirty }

// ClipboardDirty reports whether the client's copy of id is stale.
func (p *ClientProxy) ClipboardDirty(id uint8) bool { return p.dirty[id] }

// SetClipboard pushes data to the client if its copy is dirty.
func (p *ClientProxy) SetClipboard(id uint8, data *clipboard.Data) {
	if !p.dirty[id] || data == nil {
		return
	}
	p.dirty[id] = false
	chunks, err := protocol.ClipboardChunks(id, 0, data.Marshal())
	if err != nil {
		p.logger.Warn("cannot send clipboard", "id", id, "error", err)
		return
	}
	for _, chunk := range chunks {
		if p.closed {
			return
		}
		if _, err := p.stream.Write(chunk); err != nil {
			p.logger.Warn("write failed", "error", err)
			p.disconnect()
			return
		}
	}
	p.logger.Debug("sent clipboard", "id", id, "chunks", len(chunks))
}

// GetClipboard returns the last clipboard data received for id.
func (p *ClientProxy) GetClipboard(id uint8) *clipboard.Data { return p.clipboards[id] }

func (p *ClientProxy) KeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton) {
	p.send(protocol.MsgDKeyDown, id, mask, button)
}

func (p *ClientProxy) KeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton) {
	p.send(protocol.MsgDKeyRepeat, id, mask, count, button)
}

func (p *ClientProxy) KeyUp(id input.KeyID, mask input.ModifierMask, button input.KeyButton) {
	p.send(protocol.MsgDKeyUp, id, mask, button)
}

func (p *ClientProxy) MouseDown(b input.ButtonID) { p.send(protocol.MsgDMouseDown, b) }

func (p *ClientProxy) MouseUp(b input.ButtonID) { p.send(protocol.MsgDMouseUp, b) }

func (p *ClientProxy) MouseMove(x, y int32) { p.send(protocol.MsgDMouseMove, x, y) }

func (p *ClientProxy) MouseRelativeMove(dx, dy int32) { p.send(protocol.MsgDMouseRelMove, dx, dy) }

func (p *ClientProxy) MouseWheel(dx, dy int32) { p.send(protocol.MsgDMouseWheel, dx, dy) }

func (p *ClientProxy) Screensaver(on bool) { p.send(protocol.MsgCScreenSaver, on) }

// ResetOptions tells the client to drop all options and restores the
// default keep-alive rate.
func (p *ClientProxy) ResetOptions() {
	p.send(protocol.MsgCResetOptions)
	if p.rate != protocol.KeepAliveRate {
		p.rate = protocol.KeepAliveRate
		p.startKeepAlive()
	}
}

// SetOptions sends opts. A heartbeat option also changes this side's
// keep-alive rate.
func (p *ClientProxy) SetOptions(opts protocol.Options) {
	if len(opts) == 0 {
		return
	}
	p.send(protocol.MsgDSetOptions, opts.Flatten())
	if ms, ok := opts[protocol.OptionHeartbeat]; ok && ms > 0 {
		if rate := time.Duration(ms) * time.Millisecond; rate != p.rate {
			p.rate = rate
			p.startKeepAlive()
		}
	}
}
