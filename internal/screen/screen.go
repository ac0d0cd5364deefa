package screen

import (
	"log/slog"
	"slices"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
)

// Screen is the core's view of the local screen. It forwards to the Port
// and keeps the shadow key state that enter and leave reconcile against.
type Screen struct {
	port    Port
	primary bool
	logger  *slog.Logger

	enabled    bool
	entered    bool
	keys       *KeyState
	buttons    map[input.ButtonID]bool
	halfDuplex input.ModifierMask
}

// New wraps port. A primary screen starts entered since the cursor begins
// on it.
func New(port Port, primary bool, logger *slog.Logger) *Screen {
	if logger == nil {
		logger = slog.Default()
	}
	return &Screen{
		port:    port,
		primary: primary,
		logger:  logger.With("component", "screen"),
		entered: primary,
		keys:    NewKeyState(),
		buttons: make(map[input.ButtonID]bool),
	}
}

// Port returns the wrapped port.
func (s *Screen) Port() Port { return s.port }

// Target is the event target the port posts to.
func (s *Screen) Target() event.Target { return s.port }

// IsPrimary reports whether this is the server's own screen.
func (s *Screen) IsPrimary() bool { return s.primary }

// Entered reports whether the cursor is on this screen.
func (s *Screen) Entered() bool { return s.entered }

// Enable starts the port. Enabling twice is a no-op.
func (s *Screen) Enable() error {
	if s.enabled {
		return nil
	}
	if err := s.port.Enable(); err != nil {
		return err
	}
	s.enabled = true
	if s.primary {
		s.keys.SetToggles(s.port.PollActiveModifiers())
	}
	return nil
}

// Disable stops the port, releasing anything this screen holds down.
func (s *Screen) Disable() {
	if !s.enabled {
		return
	}
	if !s.primary && s.entered {
		s.releaseAll()
	}
	s.port.Disable()
	s.enabled = false
}

// EnterPrimary moves the cursor back onto the primary screen.
func (s *Screen) EnterPrimary() {
	s.reconcile("enter")
	s.port.Enter()
	s.entered = true
}

// EnterSecondary brings the cursor onto a secondary screen at (x, y).
// The toggle modifiers are converged to toggleMask; when the OS disagrees
// with the shadow the lock keys are tapped until it agrees. The warp is
// skipped for a screensaver handoff.
func (s *Screen) EnterSecondary(x, y int32, toggleMask input.ModifierMask, forScreensaver bool) {
	s.keys.SetToggles(toggleMask)
	s.convergeToggles()
	s.port.Enter()
	if !forScreensaver {
		s.port.WarpCursor(x, y)
	}
	s.entered = true
}

// Leave takes the cursor off this screen. A secondary synthesizes
// releases for everything it still holds. A primary grabs input and
// reports whether the grab succeeded; on failure the screen stays entered.
func (s *Screen) Leave() bool {
	if s.primary {
		s.reconcile("leave")
		if !s.port.Leave() {
			return false
		}
		s.entered = false
		return true
	}
	s.releaseAll()
	s.port.Leave()
	s.entered = false
	return true
}

// reconcile compares the OS modifiers with the shadow and logs drift. The
// shadow is kept.
func (s *Screen) reconcile(boundary string) {
	reported := s.port.PollActiveModifiers()
	if drift := s.keys.Drift(reported); drift != 0 {
		s.logger.Debug("modifier drift, keeping shadow state",
			"boundary", boundary, "shadow", s.keys.Mask().String(), "reported", reported.String())
	}
}

func (s *Screen) convergeToggles() {
	reported := s.port.PollActiveModifiers() & input.ToggleMask
	want := s.keys.Mask() & input.ToggleMask
	for _, mod := range []input.ModifierMask{input.ModCapsLock, input.ModNumLock, input.ModScrollLock} {
		if (reported^want)&mod == 0 {
			continue
		}
		key := input.KeyForToggle(mod)
		s.port.FakeKeyDown(key, want, 0)
		s.port.FakeKeyUp(0)
	}
}

// releaseAll synthesizes releases for held keys and buttons.
func (s *Screen) releaseAll() {
	for _, button := range s.keys.Pressed() {
		s.port.FakeKeyUp(button)
	}
	buttons := make([]input.ButtonID, 0, len(s.buttons))
	for b := range s.buttons {
		buttons = append(buttons, b)
	}
	slices.Sort(buttons)
	for _, b := range buttons {
		s.port.FakeMouseButton(b, false)
	}
	if n := len(buttons) + len(s.keys.Pressed()); n > 0 {
		s.logger.Debug("released held input", "count", n)
	}
	s.keys.Clear()
	clear(s.buttons)
}

// ReleaseAll releases every key and button still held. It is used when
// the link to the server drops mid-press.
func (s *Screen) ReleaseAll() { s.releaseAll() }

// SetHalfDuplex marks lock keys whose hardware reports only a press per
// toggle. Pressing one is synthesized as a full tap and its release is
// swallowed.
func (s *Screen) SetHalfDuplex(mask input.ModifierMask) {
	s.halfDuplex = mask & input.ToggleMask
}

// KeyDown injects a key press.
func (s *Screen) KeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton) {
	if mod := input.ModifierForKey(id); mod&s.halfDuplex != 0 {
		s.keys.Press(id, button)
		s.keys.Release(button)
		s.port.FakeKeyDown(id, mask, button)
		s.port.FakeKeyUp(button)
		return
	}
	s.keys.Press(id, button)
	s.port.FakeKeyDown(id, mask, button)
}

// KeyRepeat injects auto-repeat for a held key.
func (s *Screen) KeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton) {
	if !s.keys.IsDown(button) {
		return
	}
	s.port.FakeKeyRepeat(id, mask, count, button)
}

// KeyUp injects a key release. Releases for keys this screen never saw
// go down are dropped.
func (s *Screen) KeyUp(id input.KeyID, mask input.ModifierMask, button input.KeyButton) {
	if input.ModifierForKey(id)&s.halfDuplex != 0 {
		return
	}
	if _, ok := s.keys.Release(button); !ok {
		return
	}
	s.port.FakeKeyUp(button)
}

// MouseDown injects a button press.
func (s *Screen) MouseDown(b input.ButtonID) {
	s.buttons[b] = true
	s.port.FakeMouseButton(b, true)
}

// MouseUp injects a button release.
func (s *Screen) MouseUp(b input.ButtonID) {
	delete(s.buttons, b)
	s.port.FakeMouseButton(b, false)
}

// MouseMove moves the cursor to an absolute position.
func (s *Screen) MouseMove(x, y int32) { s.port.FakeMouseMove(x, y) }

// MouseRelativeMove moves the cursor by a delta.
func (s *Screen) MouseRelativeMove(dx, dy int32) { s.port.FakeMouseRelativeMove(dx, dy) }

// MouseWheel scrolls.
func (s *Screen) MouseWheel(dx, dy int32) { s.port.FakeMouseWheel(dx, dy) }

// WarpCursor moves the cursor without generating motion events.
func (s *Screen) WarpCursor(x, y int32) { s.port.WarpCursor(x, y) }

// CapturedKeyDown records a key the primary's capture saw go down and
// returns the shadow mask to forward with it.
func (s *Screen) CapturedKeyDown(id input.KeyID, button input.KeyButton) input.ModifierMask {
	return s.keys.Press(id, button)
}

// CapturedKeyUp records a captured release and returns the mask that was
// active while the key was held.
func (s *Screen) CapturedKeyUp(button input.KeyButton) (input.KeyID, input.ModifierMask) {
	mask := s.keys.Mask()
	id, _ := s.keys.Release(button)
	return id, mask
}

// CapturedButton records a captured mouse button change.
func (s *Screen) CapturedButton(b input.ButtonID, down bool) {
	if down {
		s.buttons[b] = true
	} else {
		delete(s.buttons, b)
	}
}

// AnyButtonDown reports whether a mouse button is held. Screens do not
// switch while one is.
func (s *Screen) AnyButtonDown() bool { return len(s.buttons) > 0 }

// ActiveModifiers returns the shadow modifier mask.
func (s *Screen) ActiveModifiers() input.ModifierMask { return s.keys.Mask() }

// ToggleMask returns the active lock modifiers.
func (s *Screen) ToggleMask() input.ModifierMask { return s.keys.Mask() & input.ToggleMask }

// ResetKeyState drops the shadow state and takes the OS toggles as the
// new truth. It is the "fix stuck modifiers" operation.
func (s *Screen) ResetKeyState() {
	if !s.primary && s.entered {
		s.releaseAll()
	}
	s.keys.Clear()
	clear(s.buttons)
	s.keys.SetToggles(s.port.PollActiveModifiers())
}

// Shape returns the screen's shape.
func (s *Screen) Shape() Rect { return s.port.Shape() }

// CursorPos returns the cursor position.
func (s *Screen) CursorPos() (int32, int32) { return s.port.CursorPos() }

// SetClipboard writes clipboard id.
func (s *Screen) SetClipboard(id uint8, data *clipboard.Data) bool {
	return s.port.SetClipboard(id, data)
}

// GetClipboard reads clipboard id.
func (s *Screen) GetClipboard(id uint8) (*clipboard.Data, error) {
	return s.port.GetClipboard(id)
}

// Screensaver starts or stops the screensaver.
func (s *Screen) Screensaver(activate bool) { s.port.Screensaver(activate) }

// RegisterHotKey registers a key combination with the platform.
func (s *Screen) RegisterHotKey(key input.KeyID, mask input.ModifierMask) (uint32, error) {
	return s.port.RegisterHotKey(key, mask)
}

// UnregisterHotKey removes a hot key.
func (s *Screen) UnregisterHotKey(id uint32) { s.port.UnregisterHotKey(id) }
