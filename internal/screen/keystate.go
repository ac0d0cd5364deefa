package screen

import (
	"slices"

	"leapkvm/internal/input"
)

// KeyState is the shadow copy of a screen's keyboard: which physical keys
// are down and which modifiers are active. When it disagrees with what
// the OS reports, the shadow wins.
type KeyState struct {
	pressed map[input.KeyButton]input.KeyID
	mask    input.ModifierMask
}

// NewKeyState returns a key state with nothing held.
func NewKeyState() *KeyState {
	return &KeyState{pressed: make(map[input.KeyButton]input.KeyID)}
}

// Press records a key going down and returns the updated mask.
func (k *KeyState) Press(id input.KeyID, button input.KeyButton) input.ModifierMask {
	_, repeat := k.pressed[button]
	k.pressed[button] = id
	mod := input.ModifierForKey(id)
	switch {
	case mod&input.ToggleMask != 0:
		if !repeat {
			k.mask ^= mod
		}
	case mod != 0:
		k.mask |= mod
	}
	return k.mask
}

// Release records a key coming up. It returns the key that had been
// pressed on button, if any.
func (k *KeyState) Release(button input.KeyButton) (input.KeyID, bool) {
	id, ok := k.pressed[button]
	if !ok {
		return input.KeyNone, false
	}
	delete(k.pressed, button)

	mod := input.ModifierForKey(id)
	if mod != 0 && mod&input.ToggleMask == 0 && !k.holds(mod) {
		k.mask &^= mod
	}
	return id, true
}

func (k *KeyState) holds(mod input.ModifierMask) bool {
	for _, id := range k.pressed {
		if input.ModifierForKey(id) == mod {
			return true
		}
	}
	return false
}

// IsDown reports whether the key on button is held.
func (k *KeyState) IsDown(button input.KeyButton) bool {
	_, ok := k.pressed[button]
	return ok
}

// Pressed returns the held buttons in ascending order.
func (k *KeyState) Pressed() []input.KeyButton {
	buttons := make([]input.KeyButton, 0, len(k.pressed))
	for b := range k.pressed {
		buttons = append(buttons, b)
	}
	slices.Sort(buttons)
	return buttons
}

// Mask returns the shadow modifier mask.
func (k *KeyState) Mask() input.ModifierMask { return k.mask }

// SetToggles replaces the toggle bits of the shadow mask.
func (k *KeyState) SetToggles(toggles input.ModifierMask) {
	k.mask = k.mask&^input.ToggleMask | toggles&input.ToggleMask
}

// Drift returns the modifier bits on which reported disagrees with the
// shadow.
func (k *KeyState) Drift(reported input.ModifierMask) input.ModifierMask {
	return k.mask ^ reported
}

// Clear forgets every held key and held modifier. Toggles are kept.
func (k *KeyState) Clear() {
	clear(k.pressed)
	k.mask &= input.ToggleMask
}
