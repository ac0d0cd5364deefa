package desktop

import (
	"testing"

	"leapkvm/internal/input"
)

func TestKeyNameRoundTrip(t *testing.T) {
	for _, id := range []input.KeyID{'a', '7', input.KeyReturn, input.KeyF1, input.KeyF12, input.KeyShiftR, ' '} {
		name := KeyName(id)
		if name == "" {
			t.Errorf("KeyName(0x%X) is empty", id)
			continue
		}
		back, ok := KeyFromName(name)
		if !ok || back != id {
			t.Errorf("KeyFromName(%q) = 0x%X, %v; want 0x%X", name, back, ok, id)
		}
	}
}

func TestUnsidedModifierNames(t *testing.T) {
	if id, ok := KeyFromName("shift"); !ok || id != input.KeyShiftL {
		t.Errorf("KeyFromName(shift) = 0x%X, %v", id, ok)
	}
	if _, ok := KeyFromName("nonsense"); ok {
		t.Error("unknown name resolved")
	}
}
