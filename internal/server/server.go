package server

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/hotkey"
	"leapkvm/internal/logging"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

// Events posted by a Server, addressed to the Server.
var (
	// Disconnected is posted after Disconnect once every client is
	// gone.
	Disconnected = event.RegisterType("server.disconnected")

	// ResetRequested is posted by the resetModifiers hot key.
	ResetRequested = event.RegisterType("server.reset")

	// ScreenSwitched carries the name of the newly active screen.
	ScreenSwitched = event.RegisterType("server.switched")
)

// CloseGrace is how long a client told to go away may take to hang up
// before the server drops it.
const CloseGrace = 5 * time.Second

// jumpZone is the width of the strip along each primary edge that
// triggers a switch.
const jumpZone = 1

type clipboardInfo struct {
	owner  string
	seq    uint32
	data   *clipboard.Data
	digest clipboard.Digest
}

// Server routes the primary's input to the active screen. It is used
// only from the event loop.
type Server struct {
	q       *event.Queue
	logger  *slog.Logger
	cfg     *config.Config
	primary *PrimaryClient
	hotkeys *hotkey.Manager

	clients map[string]Peer
	closing map[*ClientProxy]*event.Timer

	active Peer
	x, y   int32
	seq    uint32
	locked bool
	sw     pendingSwitch

	clipboards [protocol.NumClipboards]clipboardInfo

	saver          Peer
	saverX, saverY int32

	disconnecting bool
}

// New creates a server for the layout cfg with primary as the local
// screen. The primary's name must be in cfg.
func New(q *event.Queue, cfg *config.Config, primary *PrimaryClient, logger *slog.Logger) (*Server, error) {
	if name, ok := cfg.Canonical(primary.Name()); !ok || name != primary.Name() {
		return nil, fmt.Errorf("%w: primary screen %q is not in the layout", config.ErrInvalid, primary.Name())
	}
	s := &Server{
		q:       q,
		logger:  logger.With("component", "server"),
		cfg:     cfg,
		primary: primary,
		clients: map[string]Peer{primary.Name(): primary},
		closing: make(map[*ClientProxy]*event.Timer),
		active:  primary,
	}
	s.hotkeys = hotkey.NewManager(primary.Screen(), s.logger)
	s.x, s.y = primary.CursorPos()

	now := q.Now()
	for id := range s.clipboards {
		empty := clipboard.New(now)
		s.clipboards[id] = clipboardInfo{owner: primary.Name(), data: empty, digest: empty.Sum()}
	}

	target := primary.Screen().Target()
	event.On(q, screen.KeyDown, target, s.handleKeyDown)
	event.On(q, screen.KeyUp, target, s.handleKeyUp)
	event.On(q, screen.KeyRepeat, target, s.handleKeyRepeat)
	event.On(q, screen.ButtonDown, target, func(b screen.ButtonInfo) { s.handleButton(b, true) })
	event.On(q, screen.ButtonUp, target, func(b screen.ButtonInfo) { s.handleButton(b, false) })
	event.On(q, screen.MotionOnPrimary, target, func(m screen.MotionInfo) { s.onMouseMovePrimary(m.X, m.Y) })
	event.On(q, screen.MotionOnSecondary, target, func(m screen.MotionInfo) { s.onMouseMoveSecondary(m.X, m.Y) })
	event.On(q, screen.Wheel, target, func(w screen.WheelInfo) { s.active.MouseWheel(w.DX, w.DY) })
	event.On(q, screen.ClipboardGrabbed, target, s.handlePrimaryClipboard)
	q.AddHandler(screen.ScreensaverActivated, target, func(event.Event) { s.handleScreensaver(true) })
	q.AddHandler(screen.ScreensaverDeactivated, target, func(event.Event) { s.handleScreensaver(false) })
	q.AddHandler(screen.ShapeChanged, target, func(event.Event) { s.handleShapeChanged(primary) })
	event.On(q, screen.HotKeyDown, target, func(h screen.HotKeyInfo) { s.hotkeys.Dispatch(h.ID) })

	primary.SetOptions(cfg.ClientOptions(primary.Name()))
	s.registerHotKeys()
	return s, nil
}

// Close unregisters the server's handlers and drops every client.
func (s *Server) Close() {
	s.hotkeys.Clear()
	s.stopSwitch()
	s.q.RemoveHandlers(s.primary.Screen().Target())
	for _, p := range s.proxies() {
		s.q.RemoveHandlers(p)
		p.Destroy()
	}
	for p, t := range s.closing {
		s.q.DeleteTimer(t)
		s.q.RemoveHandler(event.TimerFired, t)
		s.q.RemoveHandlers(p)
		p.Destroy()
	}
	clear(s.closing)
	s.clients = map[string]Peer{s.primary.Name(): s.primary}
	s.active = s.primary
}

// Active returns the name of the screen that has the cursor.
func (s *Server) Active() string { return s.active.Name() }

// Locked reports whether the cursor is locked to the active screen.
func (s *Server) Locked() bool { return s.locked }

// Seq returns the sequence number of the last enter.
func (s *Server) Seq() uint32 { return s.seq }

// Clients returns the names of the connected screens, primary included.
func (s *Server) Clients() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ClipboardOwner returns the name of the screen that owns clipboard id.
func (s *Server) ClipboardOwner(id uint8) string { return s.clipboards[id].owner }

// ClipboardData returns the server's copy of clipboard id.
func (s *Server) ClipboardData(id uint8) *clipboard.Data { return s.clipboards[id].data }

// Peer returns the connected screen with the given canonical name.
func (s *Server) Peer(name string) (Peer, bool) {
	p, ok := s.clients[name]
	return p, ok
}

func (s *Server) proxies() []*ClientProxy {
	var out []*ClientProxy
	for _, name := range s.Clients() {
		if p, ok := s.clients[name].(*ClientProxy); ok {
			out = append(out, p)
		}
	}
	return out
}

// AdoptClient takes a client that finished the handshake. Clients whose
// name is not in the layout or is already connected are turned away, and
// a client that has already hung up is dropped.
func (s *Server) AdoptClient(p *ClientProxy) {
	if p.Closed() {
		s.logger.Info("client hung up before it was adopted", "name", p.Name(), "addr", p.RemoteAddr())
		return
	}
	name, ok := s.cfg.Canonical(p.Name())
	if !ok {
		s.logger.Warn("unknown client", "name", p.Name(), "addr", p.RemoteAddr())
		p.Close(protocol.MsgEUnknown, "unknown client name")
		return
	}
	if _, dup := s.clients[name]; dup {
		s.logger.Warn("duplicate client", "name", name, "addr", p.RemoteAddr())
		p.Close(protocol.MsgEBusy, "name already in use")
		return
	}
	if s.disconnecting {
		p.Close(protocol.MsgCClose, "server is shutting down")
		return
	}
	p.name = name
	s.clients[name] = p

	s.q.AddHandler(ProxyDisconnected, p, func(event.Event) { s.removeClient(p) })
	event.On(s.q, ProxyClipboardGrabbed, p, func(e ClipboardEvent) { s.onClipboardGrabbed(p, e.ID, e.Seq) })
	event.On(s.q, ProxyClipboardChanged, p, func(e ClipboardEvent) {
		s.onClipboardChanged(p, e.ID, e.Seq, p.GetClipboard(e.ID))
	})
	s.q.AddHandler(ProxyShapeChanged, p, func(event.Event) { s.handleShapeChanged(p) })

	p.ResetOptions()
	p.SetOptions(s.cfg.ClientOptions(name))
	logging.Note(s.logger, "client connected", "name", name, "addr", p.RemoteAddr())
}

func (s *Server) removeClient(p *ClientProxy) {
	s.q.RemoveHandlers(p)
	if t, ok := s.closing[p]; ok {
		s.q.DeleteTimer(t)
		s.q.RemoveHandler(event.TimerFired, t)
		delete(s.closing, p)
	} else if s.clients[p.Name()] == Peer(p) {
		s.detach(p)
		logging.Note(s.logger, "client disconnected", "name", p.Name())
	}
	s.checkDisconnected()
}

// detach removes p from the active set, moving the cursor home first if
// p had it.
func (s *Server) detach(p *ClientProxy) {
	if s.active == Peer(p) {
		s.jumpToPrimary()
	}
	if s.saver == Peer(p) {
		s.saver = nil
	}
	if s.sw.dst == Peer(p) {
		s.stopSwitch()
	}
	delete(s.clients, p.Name())
}

func (s *Server) jumpToPrimary() {
	x, y := s.primary.Shape().Center()
	s.switchScreen(s.primary, x, y, false)
}

// closeClient says goodbye to p and drops it after CloseGrace.
func (s *Server) closeClient(p *ClientProxy, reason string) {
	s.logger.Info("closing client", "name", p.Name(), "reason", reason)
	s.detach(p)
	p.Goodbye()
	t := s.q.NewOneShotTimer(CloseGrace, nil)
	s.q.AddHandler(event.TimerFired, t, func(event.Event) {
		s.logger.Info("client did not hang up, dropping it", "name", p.Name())
		p.Destroy()
	})
	s.closing[p] = t
}

// Disconnect closes every client. Disconnected is posted once all are
// gone.
func (s *Server) Disconnect() {
	s.disconnecting = true
	for _, p := range s.proxies() {
		s.closeClient(p, "server stopping")
	}
	s.checkDisconnected()
}

func (s *Server) checkDisconnected() {
	if s.disconnecting && len(s.clients) == 1 && len(s.closing) == 0 {
		s.disconnecting = false
		s.q.Post(event.Event{Type: Disconnected, Target: s})
	}
}

// ForceReconnect closes every client; they reconnect on their own.
func (s *Server) ForceReconnect() {
	logging.Note(s.logger, "forcing clients to reconnect", "clients", len(s.clients)-1)
	for _, p := range s.proxies() {
		s.closeClient(p, "forced reconnect")
	}
}

// SetConfig applies a reloaded layout. Clients no longer named are
// closed, options are resent and hot keys re-registered.
func (s *Server) SetConfig(cfg *config.Config) error {
	if name, ok := cfg.Canonical(s.primary.Name()); !ok || name != s.primary.Name() {
		return fmt.Errorf("%w: primary screen %q is not in the layout", config.ErrInvalid, s.primary.Name())
	}
	s.cfg = cfg
	s.stopSwitch()
	for _, p := range s.proxies() {
		if name, ok := cfg.Canonical(p.Name()); !ok || name != p.Name() {
			s.closeClient(p, "removed from layout")
		}
	}

	s.primary.ResetOptions()
	s.primary.SetOptions(cfg.ClientOptions(s.primary.Name()))
	for _, p := range s.proxies() {
		p.ResetOptions()
		p.SetOptions(cfg.ClientOptions(p.Name()))
	}

	s.hotkeys.Clear()
	s.registerHotKeys()
	logging.Note(s.logger, "layout reloaded", "screens", len(cfg.Screens), "hotkeys", s.hotkeys.Len())
	return nil
}

func (s *Server) registerHotKeys() {
	for _, hk := range s.cfg.HotKeys {
		if _, err := s.hotkeys.Register(hk.Keys, s.hotKeyAction(hk)); err != nil {
			s.logger.Warn("cannot register hot key", "keys", hk.Keys, "error", err)
		}
	}
}

func (s *Server) hotKeyAction(hk config.HotKey) func() {
	switch hk.Action {
	case config.ActionSwitchToScreen:
		return func() { s.SwitchToScreen(hk.Argument) }
	case config.ActionSwitchInDirection:
		dir, _ := config.ParseDirection(hk.Argument)
		return func() { s.SwitchInDirection(dir) }
	case config.ActionLockCursorToScreen:
		return func() { s.LockCursorToScreen(hk.Argument) }
	case config.ActionResetModifiers:
		return s.ResetModifiers
	case config.ActionForceReconnect:
		return s.ForceReconnect
	}
	return func() {}
}

// ResetModifiers drops the primary's key state, taking the OS toggles as
// the truth, and asks for a full reset.
func (s *Server) ResetModifiers() {
	s.primary.Screen().ResetKeyState()
	logging.Note(s.logger, "modifier state reset", "mask", s.primary.Screen().ActiveModifiers().String())
	s.q.Post(event.Event{Type: ResetRequested, Target: s})
}

// SwitchToScreen moves the cursor to the centre of the named screen.
func (s *Server) SwitchToScreen(name string) {
	canonical, _ := s.cfg.Canonical(name)
	dst, ok := s.clients[canonical]
	if !ok {
		s.logger.Info("cannot switch to screen that is not connected", "name", name)
		return
	}
	x, y := dst.Shape().Center()
	s.switchScreen(dst, x, y, false)
}

// SwitchInDirection moves the cursor to the neighbour on edge dir.
func (s *Server) SwitchInDirection(dir config.Direction) {
	x, y := s.x, s.y
	if s.active == Peer(s.primary) {
		x, y = s.primary.CursorPos()
	}
	dst := s.neighbor(s.active, dir)
	if dst == nil {
		return
	}
	nx, ny := mapPosition(s.active.Shape(), dst.Shape(), dir, x, y)
	s.switchScreen(dst, nx, ny, false)
}

// LockCursorToScreen sets the cursor lock: "on", "off", or toggled for
// anything else.
func (s *Server) LockCursorToScreen(mode string) {
	switch mode {
	case "on":
		s.locked = true
	case "off":
		s.locked = false
	default:
		s.locked = !s.locked
	}
	logging.Note(s.logger, "cursor lock changed", "locked", s.locked, "screen", s.active.Name())
}

func (s *Server) lockedToScreen() bool {
	return s.locked || s.primary.Screen().AnyButtonDown()
}

// neighbor returns the connected screen on edge dir of from, skipping
// over linked screens that are not connected.
func (s *Server) neighbor(from Peer, dir config.Direction) Peer {
	name := from.Name()
	seen := map[string]bool{name: true}
	for {
		next := s.cfg.Neighbor(name, dir)
		if next == "" || seen[next] {
			return nil
		}
		if p, ok := s.clients[next]; ok {
			return p
		}
		seen[next] = true
		name = next
	}
}

// mapPosition places the cursor just inside the edge of dst opposite to
// dir, keeping its relative position along that edge.
func mapPosition(src, dst screen.Rect, dir config.Direction, x, y int32) (int32, int32) {
	scale := func(v, srcStart, srcLen, dstStart, dstLen int32) int32 {
		if srcLen <= 0 {
			return dstStart + dstLen/2
		}
		out := dstStart + int32(int64(v-srcStart)*int64(dstLen)/int64(srcLen))
		return min(max(out, dstStart), dstStart+dstLen-1)
	}
	switch dir {
	case config.Left:
		return dst.X + dst.W - 1 - jumpZone, scale(y, src.Y, src.H, dst.Y, dst.H)
	case config.Right:
		return dst.X + jumpZone, scale(y, src.Y, src.H, dst.Y, dst.H)
	case config.Top:
		return scale(x, src.X, src.W, dst.X, dst.W), dst.Y + dst.H - 1 - jumpZone
	default:
		return scale(x, src.X, src.W, dst.X, dst.W), dst.Y + jumpZone
	}
}

func (s *Server) switchScreen(dst Peer, x, y int32, forScreensaver bool) {
	if dst == s.active {
		return
	}
	if !s.active.Leave() {
		s.logger.Warn("cannot leave screen", "name", s.active.Name())
		return
	}
	s.stopSwitch()
	from := s.active
	s.active = dst
	s.seq++
	s.x, s.y = x, y
	dst.Enter(x, y, s.seq, s.primary.ToggleMask(), forScreensaver)
	for id := range s.clipboards {
		dst.SetClipboard(uint8(id), s.clipboards[id].data)
	}
	logging.Note(s.logger, "switched screen", "from", from.Name(), "to", dst.Name(), "x", x, "y", y, "seq", s.seq)
	s.q.Post(event.Event{Type: ScreenSwitched, Target: s, Data: dst.Name()})
}

func (s *Server) onMouseMovePrimary(x, y int32) {
	if s.active != Peer(s.primary) {
		return
	}
	s.x, s.y = x, y
	shape := s.primary.Shape()
	var dir config.Direction
	switch {
	case x < shape.X+jumpZone:
		dir = config.Left
	case x >= shape.X+shape.W-jumpZone:
		dir = config.Right
	case y < shape.Y+jumpZone:
		dir = config.Top
	case y >= shape.Y+shape.H-jumpZone:
		dir = config.Bottom
	default:
		s.noSwitch(x, y)
		return
	}
	s.trySwitch(shape, dir, x, y, clampEdge(x, shape.X, shape.W), clampEdge(y, shape.Y, shape.H))
}

// trySwitch crosses edge dir of the active screen when the neighbour
// there is connected and the switch options allow it. It reports whether
// the cursor moved to another screen.
func (s *Server) trySwitch(shape screen.Rect, dir config.Direction, x, y, xActive, yActive int32) bool {
	dst := s.neighbor(s.active, dir)
	var nx, ny int32
	if dst != nil {
		nx, ny = mapPosition(shape, dst.Shape(), dir, x, y)
	}
	if !s.switchAllowed(dst, dir, nx, ny, xActive, yActive) {
		return false
	}
	s.switchScreen(dst, nx, ny, false)
	return s.active == dst
}

func (s *Server) onMouseMoveSecondary(dx, dy int32) {
	if s.active == Peer(s.primary) {
		return
	}
	if s.cfg.Options.RelativeMouseMoves && s.locked {
		s.active.MouseRelativeMove(dx, dy)
		return
	}

	xOld, yOld := s.x, s.y
	s.x += dx
	s.y += dy
	shape := s.active.Shape()

	xc := min(max(s.x, shape.X), shape.X+shape.W-1)
	yc := min(max(s.y, shape.Y), shape.Y+shape.H-1)
	dir, crossed := config.Left, true
	switch {
	case s.x < shape.X:
		dir = config.Left
	case s.x > shape.X+shape.W-1:
		dir = config.Right
	case s.y < shape.Y:
		dir = config.Top
	case s.y > shape.Y+shape.H-1:
		dir = config.Bottom
	default:
		crossed = false
	}
	if crossed {
		if s.trySwitch(shape, dir, s.x, s.y, xc, yc) {
			return
		}
	} else if s.sw.dst == nil || !onEdge(shape, s.sw.dir, s.x, s.y) {
		s.noSwitch(s.x, s.y)
	}

	s.x, s.y = xc, yc
	if s.x != xOld || s.y != yOld {
		s.active.MouseMove(s.x, s.y)
	}
}

func (s *Server) handleKeyDown(k screen.KeyInfo) {
	mask := s.primary.Screen().CapturedKeyDown(k.ID, k.Button)
	s.active.KeyDown(k.ID, mask, k.Button)
}

func (s *Server) handleKeyUp(k screen.KeyInfo) {
	id, mask := s.primary.Screen().CapturedKeyUp(k.Button)
	if id == 0 {
		id = k.ID
	}
	s.active.KeyUp(id, mask, k.Button)
}

func (s *Server) handleKeyRepeat(k screen.KeyInfo) {
	s.active.KeyRepeat(k.ID, s.primary.Screen().ActiveModifiers(), k.Count, k.Button)
}

func (s *Server) handleButton(b screen.ButtonInfo, down bool) {
	s.primary.Screen().CapturedButton(b.Button, down)
	if down {
		s.active.MouseDown(b.Button)
	} else {
		s.active.MouseUp(b.Button)
	}
}

func (s *Server) handlePrimaryClipboard(info screen.ClipboardInfo) {
	if !s.cfg.Options.ClipboardSharing || info.ID >= protocol.NumClipboards {
		return
	}
	s.onClipboardGrabbed(s.primary, info.ID, s.seq)
	data, err := s.primary.GetClipboard(info.ID)
	if err != nil {
		s.logger.Warn("cannot read local clipboard", "id", info.ID, "error", err)
		return
	}
	s.onClipboardChanged(s.primary, info.ID, s.seq, data)
}

// onClipboardGrabbed makes grabber the owner of clipboard id. Every other
// screen's copy becomes dirty.
func (s *Server) onClipboardGrabbed(grabber Peer, id uint8, seq uint32) {
	if !s.cfg.Options.ClipboardSharing {
		return
	}
	cb := &s.clipboards[id]
	if grabber != s.active && seq < cb.seq {
		s.logger.Debug("ignoring stale clipboard grab", "from", grabber.Name(), "id", id, "seq", seq, "current", cb.seq)
		return
	}
	cb.owner = grabber.Name()
	cb.seq = seq
	cb.data = clipboard.New(s.q.Now())
	cb.digest = cb.data.Sum()

	for _, name := range s.Clients() {
		c := s.clients[name]
		if c == grabber {
			c.SetClipboardDirty(id, false)
		} else {
			c.GrabClipboard(id)
		}
	}
	s.logger.Debug("clipboard grabbed", "id", id, "owner", cb.owner, "seq", seq)
}

// onClipboardChanged stores the owner's new data and pushes it to the
// active screen.
func (s *Server) onClipboardChanged(sender Peer, id uint8, seq uint32, data *clipboard.Data) {
	if !s.cfg.Options.ClipboardSharing || data == nil {
		return
	}
	cb := &s.clipboards[id]
	if seq < cb.seq {
		return
	}
	if cb.owner != sender.Name() {
		s.logger.Debug("ignoring clipboard data from non-owner", "from", sender.Name(), "owner", cb.owner)
		return
	}
	digest := data.Sum()
	if digest == cb.digest {
		return
	}
	cb.data = data
	cb.digest = digest

	for _, c := range s.clients {
		c.SetClipboardDirty(id, c != sender)
	}
	s.active.SetClipboard(id, data)
}

func (s *Server) handleScreensaver(on bool) {
	if !s.cfg.Options.ScreenSaverSync {
		return
	}
	if on {
		s.saver = s.active
		s.saverX, s.saverY = s.x, s.y
		if s.active != Peer(s.primary) {
			s.switchScreen(s.primary, 0, 0, true)
		}
	} else {
		if s.saver != nil && s.saver != Peer(s.primary) {
			shape := s.saver.Shape()
			x := min(max(s.saverX, shape.X), shape.X+shape.W-1)
			y := min(max(s.saverY, shape.Y), shape.Y+shape.H-1)
			s.switchScreen(s.saver, x, y, false)
		}
		s.saver = nil
	}
	for _, name := range s.Clients() {
		s.clients[name].Screensaver(on)
	}
}

func (s *Server) handleShapeChanged(p Peer) {
	shape := p.Shape()
	s.logger.Info("screen shape changed", "name", p.Name(), "w", shape.W, "h", shape.H)
	if p == s.active && p != Peer(s.primary) {
		s.x = min(max(s.x, shape.X), shape.X+shape.W-1)
		s.y = min(max(s.y, shape.Y), shape.Y+shape.H-1)
	}
}
