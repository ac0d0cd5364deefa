// Package screentest provides a recording screen.Port for tests.
package screentest

import (
	"fmt"
	"sync"
	"time"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
	"leapkvm/internal/screen"
)

// Port records every call made to it. Fields may be set directly to shape
// what the port reports.
type Port struct {
	mu sync.Mutex

	// Reported state.
	Rect       screen.Rect
	Modifiers  input.ModifierMask
	LeaveOK    bool
	EnableErr  error
	Clipboards [2]*clipboard.Data

	// Observed state.
	Enabled  bool
	Entered  bool
	Cursor   [2]int32
	Warps    [][2]int32
	Calls    []string
	KeysDown map[input.KeyButton]input.KeyID
	HotKeys  map[uint32][2]uint32
	nextHot  uint32
}

// New returns a 1920x1080 port whose Leave succeeds.
func New() *Port {
	return &Port{
		Rect:     screen.Rect{W: 1920, H: 1080},
		LeaveOK:  true,
		KeysDown: make(map[input.KeyButton]input.KeyID),
		HotKeys:  make(map[uint32][2]uint32),
	}
}

// Opener returns a screen.Opener that always yields p.
func (p *Port) Opener() screen.Opener {
	return func(*event.Queue, bool) (screen.Port, error) { return p, nil }
}

// Emit posts an event as if the platform had captured it.
func (p *Port) Emit(q *event.Queue, t event.Type, data any) {
	q.Post(event.Event{Type: t, Target: screen.Port(p), Data: data})
}

func (p *Port) record(format string, args ...any) {
	p.Calls = append(p.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a copy of the recorded calls.
func (p *Port) CallLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

// LastWarp returns the most recent warp target.
func (p *Port) LastWarp() (int32, int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Warps) == 0 {
		return 0, 0, false
	}
	w := p.Warps[len(p.Warps)-1]
	return w[0], w[1], true
}

// Reset forgets recorded calls.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.Warps = nil
}

func (p *Port) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("enable")
	if p.EnableErr != nil {
		return p.EnableErr
	}
	p.Enabled = true
	return nil
}

func (p *Port) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("disable")
	p.Enabled = false
}

func (p *Port) Enter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("enter")
	p.Entered = true
}

func (p *Port) Leave() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("leave")
	if p.LeaveOK {
		p.Entered = false
	}
	return p.LeaveOK
}

func (p *Port) WarpCursor(x, y int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("warp %d,%d", x, y)
	p.Warps = append(p.Warps, [2]int32{x, y})
	p.Cursor = [2]int32{x, y}
}

func (p *Port) CursorPos() (int32, int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cursor[0], p.Cursor[1]
}

func (p *Port) Shape() screen.Rect {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Rect
}

func (p *Port) SetClipboard(id uint8, data *clipboard.Data) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.Clipboards) {
		return false
	}
	p.record("setclipboard %d", id)
	p.Clipboards[id] = data
	return true
}

func (p *Port) GetClipboard(id uint8) (*clipboard.Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.Clipboards) {
		return nil, fmt.Errorf("no clipboard %d", id)
	}
	if p.Clipboards[id] == nil {
		return clipboard.New(time.Time{}), nil
	}
	return p.Clipboards[id], nil
}

func (p *Port) FakeKeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("keydown %d mask=%d button=%d", id, mask, button)
	p.KeysDown[button] = id
	return true
}

func (p *Port) FakeKeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("keyrepeat %d count=%d button=%d", id, count, button)
	return true
}

func (p *Port) FakeKeyUp(button input.KeyButton) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("keyup button=%d", button)
	delete(p.KeysDown, button)
	return true
}

func (p *Port) FakeMouseButton(button input.ButtonID, press bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if press {
		p.record("mousedown %d", button)
	} else {
		p.record("mouseup %d", button)
	}
}

func (p *Port) FakeMouseMove(x, y int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("move %d,%d", x, y)
	p.Cursor = [2]int32{x, y}
}

func (p *Port) FakeMouseRelativeMove(dx, dy int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("relmove %d,%d", dx, dy)
	p.Cursor[0] += dx
	p.Cursor[1] += dy
}

func (p *Port) FakeMouseWheel(dx, dy int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("wheel %d,%d", dx, dy)
}

func (p *Port) PollActiveModifiers() input.ModifierMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Modifiers
}

func (p *Port) RegisterHotKey(key input.KeyID, mask input.ModifierMask) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHot++
	p.HotKeys[p.nextHot] = [2]uint32{uint32(key), uint32(mask)}
	p.record("hotkey %d", p.nextHot)
	return p.nextHot, nil
}

func (p *Port) UnregisterHotKey(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.HotKeys, id)
}

func (p *Port) Screensaver(activate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("screensaver %v", activate)
}
