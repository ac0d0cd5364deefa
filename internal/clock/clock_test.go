package clock

import (
	"testing"
	"time"
)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(1000, 0))
	timer := c.NewTimer(10 * time.Millisecond)

	select {
	case <-timer.C:
		t.Fatal("timer fired before Advance")
	default:
	}

	c.Advance(5 * time.Millisecond)
	select {
	case <-timer.C:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(5 * time.Millisecond)
	select {
	case got := <-timer.C:
		if want := time.Unix(1000, 0).Add(10 * time.Millisecond); !got.Equal(want) {
			t.Errorf("fire time = %v, want %v", got, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	select {
	case <-timer.C:
		t.Error("stopped timer fired")
	default:
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestFakeNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.NewTimer(0).C:
	default:
		t.Fatal("zero-duration timer did not fire immediately")
	}
}
