package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"leapkvm/internal/protocol"
)

const sampleLayout = `
screens:
  - name: desk
    aliases: [desk.lan]
  - name: laptop
    halfDuplex: [capslock]
    modifierMap:
      alt: meta
links:
  desk:
    right: laptop
  laptop:
    left: DESK.lan
options:
  heartbeat: 5s
  screenSaverSync: false
hotkeys:
  - keys: Ctrl+Alt+Right
    action: switchInDirection
    argument: right
  - keys: Ctrl+Alt+L
    action: lockCursorToScreen
`

func TestParseLayout(t *testing.T) {
	cfg, err := Parse([]byte(sampleLayout))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Neighbor("desk", Right); got != "laptop" {
		t.Errorf("Neighbor(desk, right) = %q, want laptop", got)
	}
	if got := cfg.Neighbor("laptop", Left); got != "desk" {
		t.Errorf("Neighbor(laptop, left) = %q, want desk", got)
	}
	if got := cfg.Neighbor("desk", Top); got != "" {
		t.Errorf("Neighbor(desk, top) = %q, want none", got)
	}
	if cfg.Options.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %v", cfg.Options.Heartbeat)
	}
	if cfg.Options.ScreenSaverSync {
		t.Error("screenSaverSync should be off")
	}
	if !cfg.Options.ClipboardSharing {
		t.Error("absent clipboardSharing should keep its default of true")
	}
}

func TestCanonicalIsCaseInsensitive(t *testing.T) {
	cfg, err := Parse([]byte(sampleLayout))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"desk", "DESK", "Desk.LAN"} {
		if got, ok := cfg.Canonical(name); !ok || got != "desk" {
			t.Errorf("Canonical(%q) = %q, %v", name, got, ok)
		}
	}
	if _, ok := cfg.Canonical("tablet"); ok {
		t.Error("unknown screen resolved")
	}
}

func TestClientOptions(t *testing.T) {
	cfg, err := Parse([]byte(sampleLayout))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.ClientOptions("laptop")
	if opts[protocol.OptionHeartbeat] != 5000 {
		t.Errorf("HART = %d, want 5000", opts[protocol.OptionHeartbeat])
	}
	if opts[protocol.OptionHalfDuplexCapsLock] != 1 {
		t.Error("half-duplex caps lock not sent")
	}
	if opts[protocol.OptionModifierMapForAlt] != protocol.ModifierIDMeta {
		t.Errorf("MMFA = %d", opts[protocol.OptionModifierMapForAlt])
	}
	if opts[protocol.OptionScreenSaverSync] != 0 {
		t.Error("screensaver sync sent as on")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		layout string
	}{
		{"no screens", "screens: []"},
		{"duplicate alias", "screens: [{name: a, aliases: [b]}, {name: b}]"},
		{"dangling link", "screens: [{name: a}]\nlinks: {a: {left: z}}"},
		{"unknown action", "screens: [{name: a}]\nhotkeys: [{keys: F1, action: explode}]"},
		{"bad direction", "screens: [{name: a}]\nhotkeys: [{keys: F1, action: switchInDirection, argument: sideways}]"},
		{"bad modifier", "screens: [{name: a, modifierMap: {hyper: alt}}]"},
		{"not yaml", "screens: [unterminated"},
		{"unknown corner", "screens: [{name: a}]\noptions: {switchCorners: [middle]}"},
		{"negative delay", "screens: [{name: a}]\noptions: {switchDelay: -1s}"},
		{"negative corner size", "screens: [{name: a}]\noptions: {switchCornerSize: -4}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.layout)); !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSwitchOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
screens: [{name: a}]
options:
  switchDelay: 250ms
  switchDoubleTap: 400ms
  switchCorners: [top-left, Bottom-Right]
  switchCornerSize: 8
  switchNeedsShift: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	o := cfg.Options
	if o.SwitchDelay != 250*time.Millisecond || o.SwitchDoubleTap != 400*time.Millisecond {
		t.Errorf("got delay %v and double tap %v", o.SwitchDelay, o.SwitchDoubleTap)
	}
	if got, want := o.Corners(), TopLeft|BottomRight; got != want {
		t.Errorf("Corners() = %b, want %b", got, want)
	}
	if o.SwitchCornerSize != 8 || !o.SwitchNeedsShift || o.SwitchNeedsControl {
		t.Errorf("got %+v", o)
	}
	if got := (Options{SwitchCorners: []string{"all"}}).Corners(); got != AllCorners {
		t.Errorf("Corners(all) = %b, want %b", got, AllCorners)
	}
}

func TestManagerLoadAndReloadCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	m, err := NewManager(path, "desk")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("Load with no file: %v", err)
	}
	if got := m.Get().Screens[0].Name; got != "desk" {
		t.Errorf("default screen = %q", got)
	}

	var notified *Config
	m.RegisterChangeCallback(func(c *Config) { notified = c })

	if err := os.WriteFile(path, []byte(sampleLayout), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if notified == nil || len(notified.Screens) != 2 {
		t.Fatalf("callback got %+v", notified)
	}

	if err := os.WriteFile(path, []byte("screens: []"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load of bad file = %v", err)
	}
	if len(m.Get().Screens) != 2 {
		t.Error("bad reload replaced the running layout")
	}
}

func TestManagerSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "layout.yaml")
	m, _ := NewManager(path, "desk")
	cfg, _ := Parse([]byte(sampleLayout))
	if err := m.Set(cfg); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	other, _ := NewManager(path, "unused")
	if err := other.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := other.Get().Neighbor("desk", Right); got != "laptop" {
		t.Errorf("reloaded Neighbor = %q", got)
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"left": Left, "RIGHT": Right, "up": Top, "down": Bottom} {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v", in, got, err)
		}
	}
}
