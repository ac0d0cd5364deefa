package server

import (
	"testing"
	"time"

	"leapkvm/internal/config"
	"leapkvm/internal/input"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
)

func withOptions(options string) string { return testLayout + "options:\n" + options }

func TestSwitchDelay(t *testing.T) {
	f := newFixture(t, withOptions("  switchDelay: 250ms\n"), true)
	_, laptop := f.connect("laptop", 1280, 720)

	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	f.clock.Advance(249 * time.Millisecond)
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 600})
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Fatalf("Expected desk active before the delay, got %s", f.server.Active())
	}

	f.clock.Advance(time.Millisecond)
	got := decodeEnter(t, laptop.expect(f.q, protocol.OpCEnter))
	if want := (enter{x: 1, y: 360, seq: 1}); got != want {
		t.Errorf("enter = %+v, want %+v", got, want)
	}
	if f.server.Active() != "laptop" {
		t.Errorf("Expected laptop active, got %s", f.server.Active())
	}
}

func TestSwitchDelayCancelledByLeavingEdge(t *testing.T) {
	f := newFixture(t, withOptions("  switchDelay: 250ms\n"), true)
	_, laptop := f.connect("laptop", 1280, 720)

	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1800, Y: 540})
	f.clock.Advance(time.Second)
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Errorf("Expected desk active, got %s", f.server.Active())
	}
}

func TestSwitchDelayFromSecondary(t *testing.T) {
	f := newFixture(t, withOptions("  switchDelay: 250ms\n"), true)
	_, laptop := f.connect("laptop", 1280, 720)
	f.server.SwitchToScreen("laptop")
	laptop.expect(f.q, protocol.OpCEnter)

	f.emit(screen.MotionOnSecondary, screen.MotionInfo{X: -2000, Y: 0})
	var x, y int32
	decode(t, laptop.expect(f.q, protocol.OpDMouseMove), protocol.MsgDMouseMove, &x, &y)
	if x != 0 || y != 360 {
		t.Errorf("move = (%d,%d), want (0,360)", x, y)
	}
	// Sliding along the edge keeps the switch pending.
	f.emit(screen.MotionOnSecondary, screen.MotionInfo{X: 0, Y: 10})
	laptop.expect(f.q, protocol.OpDMouseMove)

	f.clock.Advance(250 * time.Millisecond)
	laptop.expect(f.q, protocol.OpCLeave)
	waitFor(t, f.q, func() bool { return f.server.Active() == "desk" })
}

func TestSwitchDoubleTap(t *testing.T) {
	f := newFixture(t, withOptions("  switchDoubleTap: 400ms\n"), true)
	_, laptop := f.connect("laptop", 1280, 720)

	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Fatalf("Expected desk active after one tap, got %s", f.server.Active())
	}

	// Too slow: the window closes before the cursor comes back.
	f.clock.Advance(500 * time.Millisecond)
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1900, Y: 540})
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Fatalf("Expected desk active after a slow second tap, got %s", f.server.Active())
	}

	f.clock.Advance(100 * time.Millisecond)
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1900, Y: 540})
	f.clock.Advance(100 * time.Millisecond)
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	laptop.expect(f.q, protocol.OpCEnter)
	if f.server.Active() != "laptop" {
		t.Errorf("Expected laptop active after a double tap, got %s", f.server.Active())
	}
}

func TestSwitchBlockedInCorner(t *testing.T) {
	f := newFixture(t, withOptions("  switchCorners: [bottom-right]\n  switchCornerSize: 50\n"), false)
	_, laptop := f.connect("laptop", 1280, 720)

	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 1075})
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Fatalf("Expected desk active in the corner, got %s", f.server.Active())
	}
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 1000})
	laptop.expect(f.q, protocol.OpCEnter)
}

func TestSwitchNeedsModifier(t *testing.T) {
	f := newFixture(t, withOptions("  switchNeedsShift: true\n"), false)
	_, laptop := f.connect("laptop", 1280, 720)

	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	laptop.quiet(f.q)
	if f.server.Active() != "desk" {
		t.Fatalf("Expected desk active without shift, got %s", f.server.Active())
	}

	f.emit(screen.KeyDown, screen.KeyInfo{ID: input.KeyShiftL, Button: 50})
	f.emit(screen.MotionOnPrimary, screen.MotionInfo{X: 1919, Y: 540})
	laptop.expect(f.q, protocol.OpCEnter)
}

func TestCornerOf(t *testing.T) {
	r := screen.Rect{X: 0, Y: 0, W: 100, H: 80}
	tests := []struct {
		x, y int32
		want config.Corner
	}{
		{0, 5, config.TopLeft},
		{5, 0, config.TopLeft},
		{99, 9, config.TopRight},
		{0, 75, config.BottomLeft},
		{95, 79, config.BottomRight},
		{0, 40, 0},
		{50, 0, 0},
		{50, 40, 0},
	}
	for _, tt := range tests {
		if got := cornerOf(r, tt.x, tt.y, 10); got != tt.want {
			t.Errorf("cornerOf(%d,%d) = %b, want %b", tt.x, tt.y, got, tt.want)
		}
	}
	if got := cornerOf(r, 0, 0, 0); got != 0 {
		t.Errorf("cornerOf with no size = %b, want 0", got)
	}
}
