// Package server implements the primary side: it accepts clients, decides
// which screen owns the cursor and keeps clipboard ownership consistent.
package server

import (
	"log/slog"

	"leapkvm/internal/clipboard"
	"leapkvm/internal/input"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

// Peer is one screen the server can route input to: the local primary
// or a remote client.
type Peer interface {
	Name() string
	Shape() screen.Rect
	CursorPos() (int32, int32)

	Enter(x, y int32, seq uint32, mask input.ModifierMask, forScreensaver bool)
	Leave() bool

	GrabClipboard(id uint8)
	SetClipboard(id uint8, data *clipboard.Data)
	SetClipboardDirty(id uint8, dirty bool)
	ClipboardDirty(id uint8) bool

	KeyDown(id input.KeyID, mask input.ModifierMask, button input.KeyButton)
	KeyRepeat(id input.KeyID, mask input.ModifierMask, count int32, button input.KeyButton)
	KeyUp(id input.KeyID, mask input.ModifierMask, button input.KeyButton)
	MouseDown(b input.ButtonID)
	MouseUp(b input.ButtonID)
	MouseMove(x, y int32)
	MouseRelativeMove(dx, dy int32)
	MouseWheel(dx, dy int32)

	Screensaver(on bool)
	ResetOptions()
	SetOptions(opts protocol.Options)
}

// PrimaryClient is the Peer for the server's own screen. Input is never
// injected into it: the physical devices already act on it.
type PrimaryClient struct {
	name   string
	screen *screen.Screen
	logger *slog.Logger
	dirty  [protocol.NumClipboards]bool
}

// NewPrimaryClient wraps the local screen.
func NewPrimaryClient(name string, s *screen.Screen, logger *slog.Logger) *PrimaryClient {
	return &PrimaryClient{name: name, screen: s, logger: logger}
}

func (p *PrimaryClient) Name() string { return p.name }

// Screen returns the wrapped local screen.
func (p *PrimaryClient) Screen() *screen.Screen { return p.screen }

func (p *PrimaryClient) Shape() screen.Rect { return p.screen.Shape() }

func (p *PrimaryClient) CursorPos() (int32, int32) { return p.screen.CursorPos() }

// ToggleMask returns the lock keys active on the primary keyboard.
func (p *PrimaryClient) ToggleMask() input.ModifierMask { return p.screen.ToggleMask() }

func (p *PrimaryClient) Enter(x, y int32, seq uint32, mask input.ModifierMask, forScreensaver bool) {
	p.screen.EnterPrimary()
	if !forScreensaver {
		p.screen.WarpCursor(x, y)
	}
}

func (p *PrimaryClient) Leave() bool { return p.screen.Leave() }

// GrabClipboard marks the local clipboard as no longer authoritative.
func (p *PrimaryClient) GrabClipboard(id uint8) { p.dirty[id] = true }

func (p *PrimaryClient) SetClipboardDirty(id uint8, dirty bool) { p.dirty[id] = dirty }

func (p *PrimaryClient) ClipboardDirty(id uint8) bool { return p.dirty[id] }

// SetClipboard writes data to the local clipboard if it is dirty.
func (p *PrimaryClient) SetClipboard(id uint8, data *clipboard.Data) {
	if !p.dirty[id] || data == nil {
		return
	}
	p.dirty[id] = false
	if !p.screen.SetClipboard(id, data) {
		p.logger.Warn("cannot set local clipboard", "id", id)
	}
}

// GetClipboard reads the local clipboard.
func (p *PrimaryClient) GetClipboard(id uint8) (*clipboard.Data, error) {
	return p.screen.GetClipboard(id)
}

func (p *PrimaryClient) KeyDown(input.KeyID, input.ModifierMask, input.KeyButton) {}

func (p *PrimaryClient) KeyRepeat(input.KeyID, input.ModifierMask, int32, input.KeyButton) {}

func (p *PrimaryClient) KeyUp(input.KeyID, input.ModifierMask, input.KeyButton) {}

func (p *PrimaryClient) MouseDown(input.ButtonID) {}

func (p *PrimaryClient) MouseUp(input.ButtonID) {}

func (p *PrimaryClient) MouseMove(int32, int32) {}

func (p *PrimaryClient) MouseRelativeMove(int32, int32) {}

func (p *PrimaryClient) MouseWheel(int32, int32) {}

// Screensaver is a no-op: the primary's own screensaver is what starts
// the sync.
func (p *PrimaryClient) Screensaver(bool) {}

func (p *PrimaryClient) ResetOptions() { p.screen.SetHalfDuplex(0) }

// SetOptions applies the half-duplex flags to the local screen.
func (p *PrimaryClient) SetOptions(opts protocol.Options) {
	var mask input.ModifierMask
	if opts[protocol.OptionHalfDuplexCapsLock] != 0 {
		mask |= input.ModCapsLock
	}
	if opts[protocol.OptionHalfDuplexNumLock] != 0 {
		mask |= input.ModNumLock
	}
	if opts[protocol.OptionHalfDuplexScrollLock] != 0 {
		mask |= input.ModScrollLock
	}
	p.screen.SetHalfDuplex(mask)
}
