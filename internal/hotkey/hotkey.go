// Package hotkey binds keystrokes on the primary screen to callbacks.
package hotkey

import (
	"fmt"
	"log/slog"
	"strings"

	"leapkvm/internal/input"
)

// Registrar is the screen capability hot keys are registered with.
type Registrar interface {
	RegisterHotKey(key input.KeyID, mask input.ModifierMask) (uint32, error)
	UnregisterHotKey(id uint32)
}

// Manager keeps the table of registered hot keys. It is used only from
// the event loop.
type Manager struct {
	reg      Registrar
	logger   *slog.Logger
	bindings map[uint32]*binding
}

type binding struct {
	original string
	key      input.KeyID
	mask     input.ModifierMask
	callback func()
}

// NewManager creates a hot key manager registering with reg.
func NewManager(reg Registrar, logger *slog.Logger) *Manager {
	return &Manager{
		reg:      reg,
		logger:   logger,
		bindings: make(map[uint32]*binding),
	}
}

// Parse splits a keystroke such as "Ctrl+Alt+Right" into its key and
// modifier mask. Exactly one non-modifier key is required.
func Parse(keystroke string) (input.KeyID, input.ModifierMask, error) {
	var (
		key  = input.KeyNone
		mask input.ModifierMask
	)
	// A trailing "+" names the plus key itself, as in "Ctrl++".
	parts := strings.Split(keystroke, "+")
	if strings.HasSuffix(keystroke, "++") {
		parts = append(parts[:len(parts)-2], "+")
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, 0, fmt.Errorf("hotkey: empty component in %q", keystroke)
		}
		if m, ok := input.ParseModifier(part); ok {
			mask |= m
			continue
		}
		if key != input.KeyNone {
			return 0, 0, fmt.Errorf("hotkey: %q names more than one key", keystroke)
		}
		id, err := input.ParseKey(part)
		if err != nil {
			return 0, 0, fmt.Errorf("hotkey: %q: %w", keystroke, err)
		}
		key = id
	}
	if key == input.KeyNone {
		return 0, 0, fmt.Errorf("hotkey: %q has no key", keystroke)
	}
	return key, mask, nil
}

// Register registers a keystroke (e.g. "Ctrl+Alt+1") and the callback run
// when it is pressed. It returns the registration id.
func (m *Manager) Register(keystroke string, callback func()) (uint32, error) {
	key, mask, err := Parse(keystroke)
	if err != nil {
		return 0, err
	}
	id, err := m.reg.RegisterHotKey(key, mask)
	if err != nil {
		return 0, fmt.Errorf("hotkey: register %q: %w", keystroke, err)
	}
	m.bindings[id] = &binding{
		original: keystroke,
		key:      key,
		mask:     mask,
		callback: callback,
	}
	m.logger.Debug("registered hot key", "keys", keystroke, "id", id)
	return id, nil
}

// Dispatch runs the callback registered under id. It reports whether id
// was known.
func (m *Manager) Dispatch(id uint32) bool {
	b, ok := m.bindings[id]
	if !ok {
		return false
	}
	m.logger.Info("hot key triggered", "keys", b.original)
	b.callback()
	return true
}

// Len returns the number of registered hot keys.
func (m *Manager) Len() int { return len(m.bindings) }

// Clear removes all registered hotkeys
func (m *Manager) Clear() {
	for id := range m.bindings {
		m.reg.UnregisterHotKey(id)
	}
	clear(m.bindings)
}
