package client

import (
	"leapkvm/internal/input"
	"leapkvm/internal/protocol"
)

type modifierKeys struct {
	mask        input.ModifierMask
	left, right input.KeyID
}

// Indexed by protocol modifier id.
var modifiers = [...]modifierKeys{
	protocol.ModifierIDNone:    {},
	protocol.ModifierIDShift:   {input.ModShift, input.KeyShiftL, input.KeyShiftR},
	protocol.ModifierIDControl: {input.ModControl, input.KeyControlL, input.KeyControlR},
	protocol.ModifierIDAlt:     {input.ModAlt, input.KeyAltL, input.KeyAltR},
	protocol.ModifierIDMeta:    {input.ModMeta, input.KeyMetaL, input.KeyMetaR},
	protocol.ModifierIDSuper:   {input.ModSuper, input.KeySuperL, input.KeySuperR},
	protocol.ModifierIDAltGr:   {input.ModAltGr, input.KeyAltGr, input.KeyAltGr},
}

var remapOptions = map[protocol.OptionID]uint32{
	protocol.OptionModifierMapForShift: protocol.ModifierIDShift,
	protocol.OptionModifierMapForCtrl:  protocol.ModifierIDControl,
	protocol.OptionModifierMapForAlt:   protocol.ModifierIDAlt,
	protocol.OptionModifierMapForAltGr: protocol.ModifierIDAltGr,
	protocol.OptionModifierMapForMeta:  protocol.ModifierIDMeta,
	protocol.OptionModifierMapForSuper: protocol.ModifierIDSuper,
}

// modifierMap sends each modifier id to the id it should act as on this
// screen. Mapping to ModifierIDNone drops the modifier.
type modifierMap [len(modifiers)]uint32

func identityMap() modifierMap {
	var m modifierMap
	for i := range m {
		m[i] = uint32(i)
	}
	return m
}

// set applies an MMF* option. It reports whether id was one.
func (m *modifierMap) set(id protocol.OptionID, value uint32) bool {
	src, ok := remapOptions[id]
	if !ok {
		return false
	}
	if value >= uint32(len(modifiers)) {
		value = protocol.ModifierIDNone
	}
	m[src] = value
	return true
}

func (m *modifierMap) key(id input.KeyID) input.KeyID {
	for src := 1; src < len(modifiers); src++ {
		dst := modifiers[m[src]]
		switch id {
		case modifiers[src].left:
			return dst.left
		case modifiers[src].right:
			return dst.right
		}
	}
	return id
}

func (m *modifierMap) mask(mask input.ModifierMask) input.ModifierMask {
	var all input.ModifierMask
	for _, mod := range modifiers {
		all |= mod.mask
	}
	out := mask &^ all
	for src := 1; src < len(modifiers); src++ {
		if mask&modifiers[src].mask != 0 {
			out |= modifiers[m[src]].mask
		}
	}
	return out
}
