// Package clock abstracts time so the event loop can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source used by the event queue.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that delivers on C once d has elapsed.
	NewTimer(d time.Duration) *Timer
}

// Timer is a single-shot wakeup returned by Clock.NewTimer.
type Timer struct {
	C    <-chan time.Time
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer before it fired.
func (t *Timer) Stop() bool {
	if t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stop: t.Stop}
}
