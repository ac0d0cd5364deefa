// Package screen wraps the platform's input and clipboard capabilities
// behind the Port interface and layers the key and modifier bookkeeping
// that keeps screens consistent on top of it.
package screen

import (
	"fmt"
	"time"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/event"
	"leapkvm/internal/input"
)

// Rect is a screen's shape in its own coordinates.
type Rect struct {
	X, Y, W, H int32
}

// Contains reports whether (x, y) lies inside r.
func (r Rect) Contains(x, y int32) bool {
	return x >= r.X && y >= r.Y && x < r.X+r.W && y < r.Y+r.H
}

// Center returns the middle point of r.
func (r Rect) Center() (int32, int32) {
	return r.X + r.W/2, r.Y + r.H/2
}

// Port is the capability surface of a platform screen. Implementations
// post captured input and screen notifications to the event queue they
// were opened with, addressed to the Port itself.
//
// All methods are called from the event loop.
type Port interface {
	Enable() error
	Disable()

	// Enter is called when the cursor arrives on this screen. On the
	// primary it releases the input grab.
	Enter()

	// Leave is called when the cursor departs. On the primary it grabs
	// input and reports whether the grab succeeded.
	Leave() bool

	WarpCursor(x, y int32)
	CursorPos() (x, y int32)
	Shape() Rect

	SetClipboard(id uint8, data *clipboard.Data) bool
	GetClipboard(id uint8) (*clipboard.Data, error)

	FakeKeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton) bool
	FakeKeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton) bool
	FakeKeyUp(button input.KeyButton) bool
	FakeMouseButton(button input.ButtonID, press bool)
	FakeMouseMove(x, y int32)
	FakeMouseRelativeMove(dx, dy int32)
	FakeMouseWheel(dx, dy int32)

	// PollActiveModifiers returns the modifiers the OS believes are
	// active.
	PollActiveModifiers() input.ModifierMask

	RegisterHotKey(key input.KeyID, mask input.ModifierMask) (uint32, error)
	UnregisterHotKey(id uint32)

	Screensaver(activate bool)
}

// Opener opens the platform screen. Captured input is posted to q.
type Opener func(q *event.Queue, primary bool) (Port, error)

// UnavailableError reports a screen that cannot be opened right now but
// may become available, e.g. while the session is locked.
type UnavailableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("screen unavailable (retry in %s): %v", e.RetryAfter, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// OpenFailureError reports a screen that can never be opened.
type OpenFailureError struct {
	Err error
}

func (e *OpenFailureError) Error() string {
	return fmt.Sprintf("cannot open screen: %v", e.Err)
}

func (e *OpenFailureError) Unwrap() error { return e.Err }

// Payloads of the events a Port posts.
type (
	KeyInfo struct {
		ID     input.KeyID
		Mask   input.ModifierMask
		Button input.KeyButton
		Count  int32
	}

	ButtonInfo struct {
		Button input.ButtonID
	}

	// MotionInfo is an absolute position for MotionOnPrimary and a delta
	// for MotionOnSecondary.
	MotionInfo struct {
		X, Y int32
	}

	WheelInfo struct {
		DX, DY int32
	}

	ClipboardInfo struct {
		ID uint8
	}

	HotKeyInfo struct {
		ID uint32
	}
)

// Event types posted by ports.
var (
	KeyDown                = event.RegisterType("screen.keydown")
	KeyUp                  = event.RegisterType("screen.keyup")
	KeyRepeat              = event.RegisterType("screen.keyrepeat")
	ButtonDown             = event.RegisterType("screen.buttondown")
	ButtonUp               = event.RegisterType("screen.buttonup")
	MotionOnPrimary        = event.RegisterType("screen.motion.primary")
	MotionOnSecondary      = event.RegisterType("screen.motion.secondary")
	Wheel                  = event.RegisterType("screen.wheel")
	ClipboardGrabbed       = event.RegisterType("screen.clipboard.grabbed")
	ScreensaverActivated   = event.RegisterType("screen.screensaver.on")
	ScreensaverDeactivated = event.RegisterType("screen.screensaver.off")
	ShapeChanged           = event.RegisterType("screen.shape")
	HotKeyDown             = event.RegisterType("screen.hotkey.down")
	HotKeyUp               = event.RegisterType("screen.hotkey.up")
	Failed                 = event.RegisterType("screen.failed")
)
