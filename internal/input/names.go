package input

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var keyNames = map[string]KeyID{
	"BACKSPACE": KeyBackSpace,
	"TAB":       KeyTab,
	"ENTER":     KeyReturn,
	"RETURN":    KeyReturn,
	"PAUSE":     KeyPause,
	"ESC":       KeyEscape,
	"ESCAPE":    KeyEscape,
	"HOME":      KeyHome,
	"LEFT":      KeyLeft,
	"UP":        KeyUp,
	"RIGHT":     KeyRight,
	"DOWN":      KeyDown,
	"PAGEUP":    KeyPageUp,
	"PAGEDOWN":  KeyPageDown,
	"END":       KeyEnd,
	"PRINT":     KeyPrint,
	"INSERT":    KeyInsert,
	"MENU":      KeyMenu,
	"DELETE":    KeyDelete,
	"DEL":       KeyDelete,
	"SPACE":     ' ',
	"CAPSLOCK":  KeyCapsLock,
	"NUMLOCK":   KeyNumLock,
	"SCROLL":    KeyScrollLck,
}

var modifierAliases = map[string]ModifierMask{
	"SHIFT":   ModShift,
	"CTRL":    ModControl,
	"CONTROL": ModControl,
	"ALT":     ModAlt,
	"OPTION":  ModAlt,
	"META":    ModMeta,
	"SUPER":   ModSuper,
	"WIN":     ModSuper,
	"CMD":     ModSuper,
	"ALTGR":   ModAltGr,
}

// ParseModifier returns the modifier named by s (case-insensitive).
func ParseModifier(s string) (ModifierMask, bool) {
	m, ok := modifierAliases[strings.ToUpper(strings.TrimSpace(s))]
	return m, ok
}

// ParseKey returns the key named by s. Single characters map to their
// lower-case code point, "F1".."F12" to function keys, and the names in
// keyNames to the corresponding special key.
func ParseKey(s string) (KeyID, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	if id, ok := keyNames[upper]; ok {
		return id, nil
	}
	var n int
	if _, err := fmt.Sscanf(upper, "F%d", &n); err == nil && n >= 1 && n <= 12 && upper == fmt.Sprintf("F%d", n) {
		return KeyF1 + KeyID(n-1), nil
	}
	if utf8.RuneCountInString(s) == 1 {
		r, _ := utf8.DecodeRuneInString(strings.ToLower(s))
		return KeyID(r), nil
	}
	return KeyNone, fmt.Errorf("input: unknown key %q", s)
}

// KeyName returns a printable name for id.
func KeyName(id KeyID) string {
	if id >= KeyF1 && id <= KeyF12 {
		return fmt.Sprintf("F%d", id-KeyF1+1)
	}
	for name, key := range keyNames {
		if key == id && name != "RETURN" && name != "ESCAPE" && name != "DEL" {
			return strings.ToLower(name)
		}
	}
	if id < 0xE000 && utf8.ValidRune(rune(id)) {
		return string(rune(id))
	}
	return fmt.Sprintf("0x%04x", uint32(id))
}
