package client

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

// Reasons a server connection ends.
var (
	ErrIncompatible  = errors.New("server speaks an incompatible protocol version")
	ErrBusy          = errors.New("screen name already in use on the server")
	ErrUnknownName   = errors.New("screen name not in the server's layout")
	ErrRejected      = errors.New("server rejected a message")
	ErrServerClosed  = errors.New("server closed the connection")
	ErrServerDead    = errors.New("server stopped responding")
	ErrLocalShutdown = errors.New("disconnected locally")
)

// ProxyClosed is posted to a ServerProxy when its connection ends. It
// carries a CloseInfo.
var ProxyClosed = event.RegisterType("serverproxy.closed")

// CloseInfo describes how a server connection ended.
type CloseInfo struct {
	Err error

	// Handshake is true when the connection ended before the server
	// acknowledged the screen info.
	Handshake bool

	// Final means reconnecting cannot succeed without operator action.
	Final bool
}

// ServerProxy is the client's side of the server connection. It applies
// the server's commands to the local screen and reports local clipboard
// changes back. All methods run on the event loop.
type ServerProxy struct {
	q      *event.Queue
	logger *slog.Logger
	stream network.Stream
	screen *screen.Screen

	ready  bool
	closed bool

	active       bool
	seq          uint32
	lastEnterSeq uint32
	ignored      int

	modMap           modifierMap
	screensaverSync  bool
	clipboardSharing bool
	halfDuplex       input.ModifierMask

	own        [protocol.NumClipboards]bool
	lastSent   [protocol.NumClipboards]clipboard.Digest
	sent       [protocol.NumClipboards]bool
	assemblers [protocol.NumClipboards]protocol.ClipboardAssembler

	rate      time.Duration
	keepAlive *event.Timer
	heartbeat *event.Timer
}

// NewServerProxy takes over stream after the hello exchange. Packets
// must already be pumped into q.
func NewServerProxy(q *event.Queue, stream network.Stream, scr *screen.Screen, logger *slog.Logger) *ServerProxy {
	p := &ServerProxy{
		q:                q,
		logger:           logger.With("component", "serverproxy", "addr", stream.RemoteAddr()),
		stream:           stream,
		screen:           scr,
		modMap:           identityMap(),
		screensaverSync:  true,
		clipboardSharing: true,
		rate:             protocol.KeepAliveRate,
	}
	event.On(q, network.InputReady, stream, p.handlePacket)
	event.On(q, network.InputShutdown, stream, p.handleShutdown)
	event.On(q, screen.ClipboardGrabbed, scr.Target(), p.handleClipboardGrabbed)
	q.AddHandler(screen.ShapeChanged, scr.Target(), func(event.Event) { p.sendInfo() })
	p.startKeepAlive()
	return p
}

// Ready reports whether the handshake has completed.
func (p *ServerProxy) Ready() bool { return p.ready }

// Active reports whether the cursor is on this screen.
func (p *ServerProxy) Active() bool { return p.active }

// LastEnterSeq is the sequence number of the newest enter applied.
func (p *ServerProxy) LastEnterSeq() uint32 { return p.lastEnterSeq }

// Ignored counts input messages dropped by the sequence gate.
func (p *ServerProxy) Ignored() int { return p.ignored }

// Close drops the connection without a message.
func (p *ServerProxy) Close() {
	p.disconnect(CloseInfo{Err: ErrLocalShutdown, Handshake: !p.ready, Final: true})
}

func (p *ServerProxy) send(format string, args ...any) {
	if p.closed {
		return
	}
	if err := protocol.Writef(p.stream, format, args...); err != nil {
		p.logger.Warn("write failed", "error", err)
		p.disconnect(CloseInfo{Err: err, Handshake: !p.ready})
	}
}

func (p *ServerProxy) disconnect(info CloseInfo) {
	if p.closed {
		return
	}
	p.closed = true
	p.stopKeepAlive()
	p.stream.Close()
	p.q.RemoveHandlers(p.stream)
	p.q.RemoveHandler(screen.ClipboardGrabbed, p.screen.Target())
	p.q.RemoveHandler(screen.ShapeChanged, p.screen.Target())
	if p.active {
		p.screen.Leave()
		p.active = false
	} else {
		p.screen.ReleaseAll()
	}
	p.q.Post(event.Event{Type: ProxyClosed, Target: p, Data: info})
}

func (p *ServerProxy) startKeepAlive() {
	p.stopKeepAlive()
	p.keepAlive = p.q.NewTimer(p.rate, nil)
	p.q.AddHandler(event.TimerFired, p.keepAlive, func(event.Event) {
		p.send(protocol.MsgCKeepAlive)
	})
	p.resetHeartbeat()
}

func (p *ServerProxy) stopKeepAlive() {
	for _, t := range []*event.Timer{p.keepAlive, p.heartbeat} {
		if t != nil {
			p.q.DeleteTimer(t)
			p.q.RemoveHandler(event.TimerFired, t)
		}
	}
	p.keepAlive, p.heartbeat = nil, nil
}

func (p *ServerProxy) resetHeartbeat() {
	if p.heartbeat != nil {
		p.q.DeleteTimer(p.heartbeat)
		p.q.RemoveHandler(event.TimerFired, p.heartbeat)
	}
	p.heartbeat = p.q.NewOneShotTimer(p.rate*protocol.KeepAlivesUntilDeath, nil)
	p.q.AddHandler(event.TimerFired, p.heartbeat, func(event.Event) {
		p.logger.Warn("server is dead", "silence", p.rate*protocol.KeepAlivesUntilDeath)
		p.disconnect(CloseInfo{Err: ErrServerDead, Handshake: !p.ready})
	})
}

func (p *ServerProxy) setRate(rate time.Duration) {
	if rate <= 0 || rate == p.rate {
		return
	}
	p.rate = rate
	p.startKeepAlive()
}

func (p *ServerProxy) handleShutdown(err error) {
	if p.closed {
		return
	}
	if network.IsExpectedCloseError(err) {
		p.logger.Info("server hung up")
	} else {
		p.logger.Warn("connection failed", "error", err)
	}
	p.disconnect(CloseInfo{Err: err, Handshake: !p.ready})
}

func (p *ServerProxy) handlePacket(packet []byte) {
	if p.closed {
		return
	}
	p.resetHeartbeat()

	handled, err := p.parseCommon(packet)
	if err == nil && !handled {
		if p.ready {
			err = p.parseMessage(packet)
		} else {
			err = p.parseHandshakeMessage(packet)
		}
	}
	if err != nil {
		p.logger.Warn("protocol violation", "error", err)
		p.disconnect(CloseInfo{Err: err, Handshake: !p.ready})
	}
}

// parseCommon handles messages valid in both phases.
func (p *ServerProxy) parseCommon(packet []byte) (bool, error) {
	switch protocol.Opcode(packet) {
	case protocol.OpCNoop:
	case protocol.OpCKeepAlive:
		p.send(protocol.MsgCKeepAlive)
	case protocol.OpQInfo:
		p.sendInfo()
	case protocol.OpCClose:
		p.logger.Info("server closed the connection")
		p.disconnect(CloseInfo{Err: ErrServerClosed, Handshake: !p.ready})
	case protocol.OpEIncompatible:
		var major, minor uint16
		if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgEIncompatible, &major, &minor); err != nil {
			return true, err
		}
		err := fmt.Errorf("%w: server has %d.%d, this client %d.%d",
			ErrIncompatible, major, minor, protocol.MajorVersion, protocol.MinorVersion)
		p.logger.Error("server refused connection", "error", err)
		p.disconnect(CloseInfo{Err: err, Handshake: !p.ready, Final: true})
	case protocol.OpEBusy:
		p.logger.Warn("server refused connection", "error", ErrBusy)
		p.disconnect(CloseInfo{Err: ErrBusy, Handshake: !p.ready})
	case protocol.OpEUnknown:
		p.logger.Error("server refused connection", "error", ErrUnknownName)
		p.disconnect(CloseInfo{Err: ErrUnknownName, Handshake: !p.ready, Final: true})
	case protocol.OpEBad:
		p.logger.Warn("server reported a protocol error", "error", ErrRejected)
		p.disconnect(CloseInfo{Err: ErrRejected, Handshake: !p.ready})
	default:
		return false, nil
	}
	return true, nil
}

func (p *ServerProxy) parseHandshakeMessage(packet []byte) error {
	switch protocol.Opcode(packet) {
	case protocol.OpCInfoAck:
		p.finishHandshake()
		return nil
	case protocol.OpCResetOptions:
		p.resetOptions()
		return nil
	case protocol.OpDSetOptions:
		p.finishHandshake()
		return p.setOptions(packet)
	}
	return fmt.Errorf("unexpected %q during handshake: %w", protocol.Opcode(packet), protocol.ErrProtocolViolation)
}

func (p *ServerProxy) finishHandshake() {
	if p.ready {
		return
	}
	p.ready = true
	p.logger.Info("connected to server")
}

func (p *ServerProxy) parseMessage(packet []byte) error {
	r := bytes.NewReader(packet)
	switch protocol.Opcode(packet) {
	case protocol.OpCInfoAck:
		return nil
	case protocol.OpCResetOptions:
		p.resetOptions()
		return nil
	case protocol.OpDSetOptions:
		return p.setOptions(packet)

	case protocol.OpCEnter:
		var (
			x, y int32
			seq  uint32
			mask input.ModifierMask
		)
		if err := protocol.Readf(r, protocol.MsgCEnter, &x, &y, &seq, &mask); err != nil {
			return err
		}
		p.enter(x, y, seq, mask)
		return nil
	case protocol.OpCLeave:
		p.leave()
		return nil

	case protocol.OpCClipboard:
		var (
			id  uint8
			seq uint32
		)
		if err := protocol.Readf(r, protocol.MsgCClipboard, &id, &seq); err != nil {
			return err
		}
		if id >= protocol.NumClipboards {
			return fmt.Errorf("clipboard id %d: %w", id, protocol.ErrProtocolViolation)
		}
		p.own[id] = false
		return nil
	case protocol.OpDClipboard:
		return p.recvClipboard(packet)

	case protocol.OpCScreenSaver:
		var on bool
		if err := protocol.Readf(r, protocol.MsgCScreenSaver, &on); err != nil {
			return err
		}
		if p.screensaverSync {
			p.screen.Screensaver(on)
		}
		return nil

	case protocol.OpDKeyDown:
		var (
			id     input.KeyID
			mask   input.ModifierMask
			button input.KeyButton
		)
		if err := protocol.Readf(r, protocol.MsgDKeyDown, &id, &mask, &button); err != nil {
			return err
		}
		if p.gate() {
			if id = p.modMap.key(id); id != input.KeyNone {
				p.screen.KeyDown(id, p.modMap.mask(mask), button)
			}
		}
		return nil
	case protocol.OpDKeyRepeat:
		var (
			id     input.KeyID
			mask   input.ModifierMask
			count  int32
			button input.KeyButton
		)
		if err := protocol.Readf(r, protocol.MsgDKeyRepeat, &id, &mask, &count, &button); err != nil {
			return err
		}
		if p.gate() {
			if id = p.modMap.key(id); id != input.KeyNone {
				p.screen.KeyRepeat(id, p.modMap.mask(mask), count, button)
			}
		}
		return nil
	case protocol.OpDKeyUp:
		var (
			id     input.KeyID
			mask   input.ModifierMask
			button input.KeyButton
		)
		if err := protocol.Readf(r, protocol.MsgDKeyUp, &id, &mask, &button); err != nil {
			return err
		}
		if p.gate() {
			p.screen.KeyUp(p.modMap.key(id), p.modMap.mask(mask), button)
		}
		return nil

	case protocol.OpDMouseDown, protocol.OpDMouseUp:
		var b input.ButtonID
		format := protocol.MsgDMouseDown
		if protocol.Opcode(packet) == protocol.OpDMouseUp {
			format = protocol.MsgDMouseUp
		}
		if err := protocol.Readf(r, format, &b); err != nil {
			return err
		}
		if p.gate() {
			if format == protocol.MsgDMouseDown {
				p.screen.MouseDown(b)
			} else {
				p.screen.MouseUp(b)
			}
		}
		return nil
	case protocol.OpDMouseMove:
		var x, y int32
		if err := protocol.Readf(r, protocol.MsgDMouseMove, &x, &y); err != nil {
			return err
		}
		if p.gate() {
			p.screen.MouseMove(x, y)
		}
		return nil
	case protocol.OpDMouseRelMove:
		var dx, dy int32
		if err := protocol.Readf(r, protocol.MsgDMouseRelMove, &dx, &dy); err != nil {
			return err
		}
		if p.gate() {
			p.screen.MouseRelativeMove(dx, dy)
		}
		return nil
	case protocol.OpDMouseWheel:
		var dx, dy int32
		if err := protocol.Readf(r, protocol.MsgDMouseWheel, &dx, &dy); err != nil {
			return err
		}
		if p.gate() {
			p.screen.MouseWheel(dx, dy)
		}
		return nil
	}
	return fmt.Errorf("unknown message %q: %w", protocol.Opcode(packet), protocol.ErrProtocolViolation)
}

// gate reports whether input may be applied now. Input that arrives while
// inactive, or after an enter older than the last one applied, is
// dropped.
func (p *ServerProxy) gate() bool {
	if p.active && p.seq >= p.lastEnterSeq {
		return true
	}
	p.ignored++
	return false
}

func (p *ServerProxy) enter(x, y int32, seq uint32, mask input.ModifierMask) {
	p.seq = seq
	if seq < p.lastEnterSeq {
		p.logger.Debug("ignoring stale enter", "seq", seq, "last", p.lastEnterSeq)
		return
	}
	p.lastEnterSeq = seq
	p.active = true
	p.screen.EnterSecondary(x, y, mask, false)
	p.logger.Debug("entered", "x", x, "y", y, "seq", seq, "mask", mask.String())
}

func (p *ServerProxy) leave() {
	if !p.active {
		return
	}
	p.screen.Leave()
	p.active = false
	if p.clipboardSharing {
		for id := range uint8(protocol.NumClipboards) {
			if p.own[id] {
				p.sendClipboard(id)
			}
		}
	}
	p.logger.Debug("left")
}

func (p *ServerProxy) sendInfo() {
	shape := p.screen.Shape()
	mx, my := p.screen.CursorPos()
	p.send(protocol.MsgDInfo, shape.X, shape.Y, shape.W, shape.H, int32(0), mx, my)
}

// handleClipboardGrabbed claims a locally changed clipboard at once. The
// data follows now when inactive, otherwise on leave.
func (p *ServerProxy) handleClipboardGrabbed(info screen.ClipboardInfo) {
	if !p.clipboardSharing || info.ID >= protocol.NumClipboards {
		return
	}
	p.send(protocol.MsgCClipboard, info.ID, p.lastEnterSeq)
	p.own[info.ID] = true
	p.sent[info.ID] = false
	if !p.active {
		p.sendClipboard(info.ID)
	}
}

// sendClipboard pushes the data of clipboard id, unless it is what was
// last exchanged with the server.
func (p *ServerProxy) sendClipboard(id uint8) {
	data, err := p.screen.GetClipboard(id)
	if err != nil {
		p.logger.Warn("cannot read clipboard", "id", id, "error", err)
		return
	}
	if data == nil {
		data = clipboard.New(p.q.Now())
	}
	sum := data.Sum()
	if p.sent[id] && sum == p.lastSent[id] {
		return
	}
	chunks, err := protocol.ClipboardChunks(id, p.lastEnterSeq, data.Marshal())
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
			p.disconnect(CloseInfo{Err: err, Handshake: !p.ready})
			return
		}
	}
	p.lastSent[id], p.sent[id] = sum, true
	p.logger.Debug("sent clipboard", "id", id, "chunks", len(chunks))
}

func (p *ServerProxy) recvClipboard(packet []byte) error {
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
	p.own[id] = false
	p.lastSent[id], p.sent[id] = cb.Sum(), true
	p.screen.SetClipboard(id, cb)
	p.logger.Debug("received clipboard", "id", id, "formats", len(cb.Formats()))
	return nil
}

func (p *ServerProxy) resetOptions() {
	p.modMap = identityMap()
	p.screensaverSync = true
	p.clipboardSharing = true
	p.halfDuplex = 0
	p.screen.SetHalfDuplex(0)
	p.setRate(protocol.KeepAliveRate)
}

func (p *ServerProxy) setOptions(packet []byte) error {
	var flat []uint32
	if err := protocol.Readf(bytes.NewReader(packet), protocol.MsgDSetOptions, &flat); err != nil {
		return err
	}
	opts := protocol.ParseOptions(flat)
	halfDuplex := [...]struct {
		id   protocol.OptionID
		mask input.ModifierMask
	}{
		{protocol.OptionHalfDuplexCapsLock, input.ModCapsLock},
		{protocol.OptionHalfDuplexNumLock, input.ModNumLock},
		{protocol.OptionHalfDuplexScrollLock, input.ModScrollLock},
	}
	hd := p.halfDuplex
	for id, value := range opts {
		switch {
		case p.modMap.set(id, value):
		case id == protocol.OptionHeartbeat:
			p.setRate(time.Duration(value) * time.Millisecond)
		case id == protocol.OptionScreenSaverSync:
			p.screensaverSync = value != 0
		case id == protocol.OptionClipboardSharing:
			p.clipboardSharing = value != 0
		default:
			for _, o := range halfDuplex {
				if id == o.id {
					if value != 0 {
						hd |= o.mask
					} else {
						hd &^= o.mask
					}
				}
			}
		}
	}
	if hd != p.halfDuplex {
		p.halfDuplex = hd
		p.screen.SetHalfDuplex(hd)
	}
	p.logger.Debug("options set", "count", len(opts))
	return nil
}
