//go:build robotgo

package desktop

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-vgo/robotgo"
	hook "github.com/robotn/gohook"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
	"leapkvm/internal/screen"
)

// clipboardPollInterval is how often the OS clipboard is checked for
// changes made by local applications.
const clipboardPollInterval = time.Second

type hotKey struct {
	key  input.KeyID
	mask input.ModifierMask
}

// port drives the local desktop through robotgo and gohook.
type port struct {
	q       *event.Queue
	primary bool
	logger  *slog.Logger

	mu        sync.Mutex
	entered   bool
	mods      input.ModifierMask
	hotKeys   map[uint32]hotKey
	nextHot   uint32
	activeHot map[uint16]uint32
	held      map[input.KeyButton]string
	lastClip  string
	stop      chan struct{}
	centerX   int32
	centerY   int32
}

// Open opens the desktop. A zero-sized display is reported as
// temporarily unavailable, which is what a locked session looks like.
func Open(q *event.Queue, primary bool) (screen.Port, error) {
	w, h := robotgo.GetScreenSize()
	if w <= 0 || h <= 0 {
		return nil, &screen.UnavailableError{RetryAfter: 5 * time.Second, Err: errors.New("no display")}
	}
	return &port{
		q:         q,
		primary:   primary,
		logger:    slog.Default().With("component", "desktop"),
		entered:   primary,
		hotKeys:   make(map[uint32]hotKey),
		activeHot: make(map[uint16]uint32),
		held:      make(map[input.KeyButton]string),
		centerX:   int32(w / 2),
		centerY:   int32(h / 2),
	}, nil
}

func (p *port) post(t event.Type, data any) {
	p.q.Post(event.Event{Type: t, Target: screen.Port(p), Data: data})
}

func (p *port) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.lastClip, _ = robotgo.ReadAll()
	go p.pollClipboard(p.stop)
	if p.primary {
		go p.capture(hook.Start())
	}
	return nil
}

func (p *port) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.stop = nil
	if p.primary {
		hook.End()
	}
}

func (p *port) pollClipboard(stop <-chan struct{}) {
	ticker := time.NewTicker(clipboardPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			text, err := robotgo.ReadAll()
			if err != nil {
				continue
			}
			p.mu.Lock()
			changed := text != p.lastClip
			p.lastClip = text
			p.mu.Unlock()
			if changed {
				p.post(screen.ClipboardGrabbed, screen.ClipboardInfo{ID: 0})
			}
		}
	}
}

// capture turns gohook events into screen events. It runs on its own
// goroutine and only touches the port's mutex-guarded fields.
func (p *port) capture(events chan hook.Event) {
	for ev := range events {
		switch ev.Kind {
		case hook.KeyDown:
			id, ok := p.keyID(ev)
			if !ok {
				continue
			}
			if hot, ok := p.matchHotKey(id, ev.Rawcode); ok {
				p.post(screen.HotKeyDown, screen.HotKeyInfo{ID: hot})
				continue
			}
			p.trackModifier(id, true)
			p.post(screen.KeyDown, screen.KeyInfo{ID: id, Button: input.KeyButton(ev.Rawcode)})

		case hook.KeyUp:
			if hot, ok := p.releaseHotKey(ev.Rawcode); ok {
				p.post(screen.HotKeyUp, screen.HotKeyInfo{ID: hot})
				continue
			}
			id, ok := p.keyID(ev)
			if !ok {
				continue
			}
			p.trackModifier(id, false)
			p.post(screen.KeyUp, screen.KeyInfo{ID: id, Button: input.KeyButton(ev.Rawcode)})

		case hook.MouseDown:
			p.post(screen.ButtonDown, screen.ButtonInfo{Button: mouseButton(ev.Button)})

		case hook.MouseUp:
			p.post(screen.ButtonUp, screen.ButtonInfo{Button: mouseButton(ev.Button)})

		case hook.MouseMove, hook.MouseDrag:
			p.motion(int32(ev.X), int32(ev.Y))

		case hook.MouseWheel:
			p.post(screen.Wheel, screen.WheelInfo{DY: -ev.Rotation * 120})
		}
	}
}

func (p *port) motion(x, y int32) {
	p.mu.Lock()
	entered := p.entered
	cx, cy := p.centerX, p.centerY
	p.mu.Unlock()

	if entered {
		p.post(screen.MotionOnPrimary, screen.MotionInfo{X: x, Y: y})
		return
	}
	// While the cursor is away the local cursor is parked in the middle
	// and motion is reported as a delta from there.
	dx, dy := x-cx, y-cy
	if dx == 0 && dy == 0 {
		return
	}
	robotgo.Move(int(cx), int(cy))
	p.post(screen.MotionOnSecondary, screen.MotionInfo{X: dx, Y: dy})
}

func (p *port) keyID(ev hook.Event) (input.KeyID, bool) {
	if id, ok := KeyFromName(hook.RawcodetoKeychar(ev.Rawcode)); ok {
		return id, true
	}
	if ev.Keychar > 0 && ev.Keychar != hook.CharUndefined {
		return input.KeyID(ev.Keychar), true
	}
	return input.KeyNone, false
}

func (p *port) trackModifier(id input.KeyID, down bool) {
	mod := input.ModifierForKey(id)
	if mod == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case mod&input.ToggleMask != 0:
		if down {
			p.mods ^= mod
		}
	case down:
		p.mods |= mod
	default:
		p.mods &^= mod
	}
}

func (p *port) matchHotKey(id input.KeyID, rawcode uint16) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.mods &^ input.ToggleMask
	for hid, hk := range p.hotKeys {
		if hk.key == id && hk.mask == held {
			p.activeHot[rawcode] = hid
			return hid, true
		}
	}
	return 0, false
}

func (p *port) releaseHotKey(rawcode uint16) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hid, ok := p.activeHot[rawcode]
	if ok {
		delete(p.activeHot, rawcode)
	}
	return hid, ok
}

func mouseButton(b uint16) input.ButtonID {
	switch b {
	case 1:
		return input.ButtonLeft
	case 2:
		return input.ButtonRight
	case 3:
		return input.ButtonMiddle
	}
	return input.ButtonID(b)
}

func mouseButtonName(b input.ButtonID) string {
	switch b {
	case input.ButtonRight:
		return "right"
	case input.ButtonMiddle:
		return "center"
	}
	return "left"
}

func (p *port) Enter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered = true
}

func (p *port) Leave() bool {
	p.mu.Lock()
	p.entered = false
	cx, cy := p.centerX, p.centerY
	p.mu.Unlock()
	if p.primary {
		robotgo.Move(int(cx), int(cy))
	}
	return true
}

func (p *port) WarpCursor(x, y int32) { robotgo.Move(int(x), int(y)) }

func (p *port) CursorPos() (int32, int32) {
	x, y := robotgo.Location()
	return int32(x), int32(y)
}

func (p *port) Shape() screen.Rect {
	w, h := robotgo.GetScreenSize()
	return screen.Rect{W: int32(w), H: int32(h)}
}

func (p *port) SetClipboard(id uint8, data *clipboard.Data) bool {
	if id != 0 || data == nil || !data.Has(clipboard.FormatText) {
		return false
	}
	text := string(data.Get(clipboard.FormatText))
	if err := robotgo.WriteAll(text); err != nil {
		p.logger.Warn("writing clipboard failed", "error", err)
		return false
	}
	p.mu.Lock()
	p.lastClip = text
	p.mu.Unlock()
	return true
}

func (p *port) GetClipboard(id uint8) (*clipboard.Data, error) {
	if id != 0 {
		return clipboard.New(time.Now()), nil
	}
	text, err := robotgo.ReadAll()
	if err != nil {
		return nil, err
	}
	return clipboard.Text(text, time.Now()), nil
}

func (p *port) FakeKeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton) bool {
	name := KeyName(id)
	if name == "" {
		return false
	}
	if err := robotgo.KeyToggle(name, "down"); err != nil {
		return false
	}
	p.mu.Lock()
	p.held[button] = name
	p.mu.Unlock()
	return true
}

func (p *port) FakeKeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton) bool {
	name := KeyName(id)
	if name == "" {
		return false
	}
	for range count {
		robotgo.KeyToggle(name, "down")
	}
	return true
}

func (p *port) FakeKeyUp(button input.KeyButton) bool {
	p.mu.Lock()
	name, ok := p.held[button]
	delete(p.held, button)
	p.mu.Unlock()
	if !ok {
		return false
	}
	return robotgo.KeyToggle(name, "up") == nil
}

func (p *port) FakeMouseButton(button input.ButtonID, press bool) {
	state := "up"
	if press {
		state = "down"
	}
	robotgo.Toggle(mouseButtonName(button), state)
}

func (p *port) FakeMouseMove(x, y int32) { robotgo.Move(int(x), int(y)) }

func (p *port) FakeMouseRelativeMove(dx, dy int32) { robotgo.MoveRelative(int(dx), int(dy)) }

func (p *port) FakeMouseWheel(dx, dy int32) {
	robotgo.Scroll(notches(dx), notches(dy))
}

// notches converts a wheel delta in 120ths of a notch to whole notches,
// never rounding a non-zero delta to zero.
func notches(delta int32) int {
	n := int(delta / 120)
	if n == 0 && delta != 0 {
		if delta > 0 {
			return 1
		}
		return -1
	}
	return n
}

func (p *port) PollActiveModifiers() input.ModifierMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mods
}

func (p *port) RegisterHotKey(key input.KeyID, mask input.ModifierMask) (uint32, error) {
	if !p.primary {
		return 0, errors.New("hot keys are only captured on the primary screen")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHot++
	p.hotKeys[p.nextHot] = hotKey{key: key, mask: mask &^ input.ToggleMask}
	return p.nextHot, nil
}

func (p *port) UnregisterHotKey(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hotKeys, id)
}

// Screensaver control has no portable robotgo equivalent.
func (p *port) Screensaver(activate bool) {}
