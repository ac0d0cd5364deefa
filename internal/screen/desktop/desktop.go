// Package desktop opens the platform screen. Builds with the robotgo tag
// use robotgo for injection and gohook for capture; other builds have no
// platform screen and report a fatal open failure.
package desktop

import (
	"strconv"

	"leapkvm/internal/input"
)

// keyNames maps key ids to the names robotgo and gohook use.
var keyNames = map[input.KeyID]string{
	input.KeyBackSpace: "backspace",
	input.KeyTab:       "tab",
	input.KeyReturn:    "enter",
	input.KeyEscape:    "esc",
	input.KeyDelete:    "delete",
	input.KeyHome:      "home",
	input.KeyEnd:       "end",
	input.KeyPageUp:    "pageup",
	input.KeyPageDown:  "pagedown",
	input.KeyLeft:      "left",
	input.KeyRight:     "right",
	input.KeyUp:        "up",
	input.KeyDown:      "down",
	input.KeyInsert:    "insert",
	input.KeyPrint:     "printscreen",
	input.KeyMenu:      "menu",
	input.KeyCapsLock:  "capslock",
	input.KeyShiftL:    "lshift",
	input.KeyShiftR:    "rshift",
	input.KeyControlL:  "lctrl",
	input.KeyControlR:  "rctrl",
	input.KeyAltL:      "lalt",
	input.KeyAltR:      "ralt",
	input.KeySuperL:    "lcmd",
	input.KeySuperR:    "rcmd",
	' ':                "space",
}

var keyIDs = func() map[string]input.KeyID {
	m := make(map[string]input.KeyID, len(keyNames))
	for id, name := range keyNames {
		m[name] = id
	}
	// gohook reports unsided names for some modifiers.
	m["shift"] = input.KeyShiftL
	m["ctrl"] = input.KeyControlL
	m["alt"] = input.KeyAltL
	m["cmd"] = input.KeySuperL
	m["command"] = input.KeySuperL
	return m
}()

// KeyName returns the robotgo name for id, or "" if it has none.
func KeyName(id input.KeyID) string {
	if name, ok := keyNames[id]; ok {
		return name
	}
	if id >= input.KeyF1 && id <= input.KeyF12 {
		return "f" + strconv.Itoa(int(id-input.KeyF1+1))
	}
	if id >= 0x20 && id < 0x7F {
		return string(rune(id))
	}
	return ""
}

// KeyFromName returns the key id for a robotgo/gohook key name.
func KeyFromName(name string) (input.KeyID, bool) {
	if id, ok := keyIDs[name]; ok {
		return id, true
	}
	if len(name) >= 2 && name[0] == 'f' {
		if n, err := strconv.Atoi(name[1:]); err == nil && n >= 1 && n <= 12 {
			return input.KeyF1 + input.KeyID(n-1), true
		}
	}
	if len(name) == 1 && name[0] >= 0x20 && name[0] < 0x7F {
		return input.KeyID(name[0]), true
	}
	return input.KeyNone, false
}
