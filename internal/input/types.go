// Package input defines the key, button and modifier vocabulary shared by
// the wire protocol, screens and hot keys.
package input

import "strings"

// KeyID identifies a key by the symbol it produces. Printable keys use
// their Unicode code point; function and modifier keys live in the
// 0xE000 private range.
type KeyID uint32

// KeyButton is the physical scan code of a key on the machine that
// produced it. It is used to pair key-up with key-down.
type KeyButton uint16

// ButtonID identifies a mouse button.
type ButtonID uint8

// ModifierMask is a set of held modifiers and active toggles.
type ModifierMask uint32

// Modifier bits.
const (
	ModShift      ModifierMask = 0x0001
	ModControl    ModifierMask = 0x0002
	ModAlt        ModifierMask = 0x0004
	ModMeta       ModifierMask = 0x0008
	ModSuper      ModifierMask = 0x0010
	ModAltGr      ModifierMask = 0x0020
	ModLevel5Lock ModifierMask = 0x0040
	ModCapsLock   ModifierMask = 0x1000
	ModNumLock    ModifierMask = 0x2000
	ModScrollLock ModifierMask = 0x4000

	// ToggleMask covers the lock modifiers, which are carried across
	// screens on enter.
	ToggleMask = ModCapsLock | ModNumLock | ModScrollLock
)

// Mouse buttons.
const (
	ButtonNone   ButtonID = 0
	ButtonLeft   ButtonID = 1
	ButtonMiddle ButtonID = 2
	ButtonRight  ButtonID = 3
	ButtonExtra0 ButtonID = 4
	ButtonExtra1 ButtonID = 5
)

// Non-printable keys.
const (
	KeyNone      KeyID = 0x0000
	KeyBackSpace KeyID = 0xEF08
	KeyTab       KeyID = 0xEF09
	KeyReturn    KeyID = 0xEF0D
	KeyPause     KeyID = 0xEF13
	KeyScrollLck KeyID = 0xEF14
	KeyEscape    KeyID = 0xEF1B
	KeyHome      KeyID = 0xEF50
	KeyLeft      KeyID = 0xEF51
	KeyUp        KeyID = 0xEF52
	KeyRight     KeyID = 0xEF53
	KeyDown      KeyID = 0xEF54
	KeyPageUp    KeyID = 0xEF55
	KeyPageDown  KeyID = 0xEF56
	KeyEnd       KeyID = 0xEF57
	KeyPrint     KeyID = 0xEF61
	KeyInsert    KeyID = 0xEF63
	KeyMenu      KeyID = 0xEF67
	KeyAltGr     KeyID = 0xEF7E
	KeyNumLock   KeyID = 0xEF7F
	KeyF1        KeyID = 0xEFBE
	KeyF12       KeyID = 0xEFC9
	KeyShiftL    KeyID = 0xEFE1
	KeyShiftR    KeyID = 0xEFE2
	KeyControlL  KeyID = 0xEFE3
	KeyControlR  KeyID = 0xEFE4
	KeyCapsLock  KeyID = 0xEFE5
	KeyMetaL     KeyID = 0xEFE7
	KeyMetaR     KeyID = 0xEFE8
	KeyAltL      KeyID = 0xEFE9
	KeyAltR      KeyID = 0xEFEA
	KeySuperL    KeyID = 0xEFEB
	KeySuperR    KeyID = 0xEFEC
	KeyDelete    KeyID = 0xEFFF
)

// ModifierForKey returns the modifier a key controls, or 0 for ordinary
// keys.
func ModifierForKey(id KeyID) ModifierMask {
	switch id {
	case KeyShiftL, KeyShiftR:
		return ModShift
	case KeyControlL, KeyControlR:
		return ModControl
	case KeyAltL, KeyAltR:
		return ModAlt
	case KeyMetaL, KeyMetaR:
		return ModMeta
	case KeySuperL, KeySuperR:
		return ModSuper
	case KeyAltGr:
		return ModAltGr
	case KeyCapsLock:
		return ModCapsLock
	case KeyNumLock:
		return ModNumLock
	case KeyScrollLck:
		return ModScrollLock
	}
	return 0
}

// KeyForToggle returns the key that flips a single toggle modifier.
func KeyForToggle(m ModifierMask) KeyID {
	switch m {
	case ModCapsLock:
		return KeyCapsLock
	case ModNumLock:
		return KeyNumLock
	case ModScrollLock:
		return KeyScrollLck
	}
	return KeyNone
}

var modifierNames = []struct {
	mask ModifierMask
	name string
}{
	{ModShift, "Shift"},
	{ModControl, "Ctrl"},
	{ModAlt, "Alt"},
	{ModMeta, "Meta"},
	{ModSuper, "Super"},
	{ModAltGr, "AltGr"},
	{ModCapsLock, "CapsLock"},
	{ModNumLock, "NumLock"},
	{ModScrollLock, "ScrollLock"},
}

func (m ModifierMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, mod := range modifierNames {
		if m&mod.mask != 0 {
			parts = append(parts, mod.name)
		}
	}
	return strings.Join(parts, "+")
}
