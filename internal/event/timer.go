package event

import (
	"container/heap"
	"time"
)

// Timer is a caller-owned timer registered with a Queue. Create it with
// Queue.NewTimer or Queue.NewOneShotTimer and release it with
// Queue.DeleteTimer; the queue never deletes timers on its own, even
// one-shot timers that have already fired.
type Timer struct {
	interval time.Duration
	deadline time.Time
	oneShot  bool
	target   Target

	// index is the heap position, or -1 while not scheduled.
	index int
	live  bool
}

// Interval returns the timer's period (or delay for a one-shot timer).
func (t *Timer) Interval() time.Duration { return t.interval }

// OneShot reports whether the timer fires only once.
func (t *Timer) OneShot() bool { return t.oneShot }

// TimerInfo is the payload of a TimerFired event.
type TimerInfo struct {
	Timer *Timer

	// Count is the number of whole intervals that elapsed since the
	// previous delivery. It is greater than one when the loop fell
	// behind a periodic timer.
	Count uint32
}

// timerHeap is a min-heap ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// due pops every timer whose deadline is at or before now, in deadline
// order. Periodic timers are pushed back with their next deadline.
func (h *timerHeap) due(now time.Time) []TimerInfo {
	var fired []TimerInfo
	for h.Len() > 0 && !(*h)[0].deadline.After(now) {
		t := heap.Pop(h).(*Timer)
		count := uint32(1)
		if t.oneShot {
			fired = append(fired, TimerInfo{Timer: t, Count: count})
			continue
		}
		late := now.Sub(t.deadline)
		count += uint32(late / t.interval)
		t.deadline = t.deadline.Add(time.Duration(count) * t.interval)
		heap.Push(h, t)
		fired = append(fired, TimerInfo{Timer: t, Count: count})
	}
	return fired
}
