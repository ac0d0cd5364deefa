package event

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leapkvm/internal/clock"
)

// DefaultPollTimeout bounds every wait of the loop, so the loop never
// blocks indefinitely even when no timer is scheduled.
const DefaultPollTimeout = time.Second

// Queue is the event scheduler. The pending-event list and the timer heap
// are the only state shared across goroutines; both are guarded by mu.
// The wake channel plays the role of a condition variable for the loop's
// bounded wait.
type Queue struct {
	clock       clock.Clock
	logger      *slog.Logger
	pollTimeout time.Duration

	mu       sync.Mutex
	pending  []Event
	timers   timerHeap
	handlers map[handlerKey]Handler
	quitting bool

	wake chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the real clock, typically with clock.Fake in tests.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithPollTimeout changes the upper bound of a single loop wait.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// NewQueue creates an empty queue.
func NewQueue(logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		clock:       clock.Real(),
		logger:      logger,
		pollTimeout: DefaultPollTimeout,
		handlers:    make(map[handlerKey]Handler),
		wake:        make(chan struct{}, 1),
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Now returns the queue's notion of the current time.
func (q *Queue) Now() time.Time { return q.clock.Now() }

// AddHandler registers fn for events of type t addressed to target,
// replacing any handler already registered for that pair.
func (q *Queue) AddHandler(t Type, target Target, fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[handlerKey{t, target}] = fn
}

// RemoveHandler unregisters the handler for (t, target), if any.
func (q *Queue) RemoveHandler(t Type, target Target) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.handlers, handlerKey{t, target})
}

// RemoveHandlers unregisters every handler addressed to target.
func (q *Queue) RemoveHandlers(target Target) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.handlers {
		if key.target == target {
			delete(q.handlers, key)
		}
	}
}

// Post appends e to the pending list and wakes the loop. It is the only
// Queue method meant to be called from goroutines other than the loop.
func (q *Queue) Post(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// NewTimer creates a periodic timer firing every interval. Expiries are
// delivered as TimerFired events addressed to target, or to the timer
// itself when target is nil.
func (q *Queue) NewTimer(interval time.Duration, target Target) *Timer {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return q.addTimer(interval, target, false)
}

// NewOneShotTimer creates a timer that fires once after delay. The caller
// still owns it and must DeleteTimer it.
func (q *Queue) NewOneShotTimer(delay time.Duration, target Target) *Timer {
	return q.addTimer(delay, target, true)
}

func (q *Queue) addTimer(interval time.Duration, target Target, oneShot bool) *Timer {
	t := &Timer{
		interval: interval,
		oneShot:  oneShot,
		target:   target,
		index:    -1,
		live:     true,
	}
	if t.target == nil {
		t.target = t
	}

	q.mu.Lock()
	t.deadline = q.clock.Now().Add(interval)
	heap.Push(&q.timers, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t
}

// DeleteTimer unschedules t. Deleting a timer whose expiry has been
// collected but not yet dispatched suppresses that delivery. Deleting a
// nil or already deleted timer is a no-op.
func (q *Queue) DeleteTimer(t *Timer) {
	if t == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t.live = false
	if t.index >= 0 {
		heap.Remove(&q.timers, t.index)
	}
}

// Run dispatches events until a Quit event is processed or ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.Post(Event{Type: Quit})
	})
	defer stop()
	defer func() {
		q.mu.Lock()
		q.quitting = false
		q.mu.Unlock()
	}()

	for q.Step(q.pollTimeout) {
	}
	return ctx.Err()
}

// Quitting reports whether a Quit event has been seen by the current Run.
func (q *Queue) Quitting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quitting
}

// Step runs one loop iteration: wait at most maxWait (less if a timer is
// due sooner), dispatch the posted events that were pending when the
// wait ended, then fire expired timers in deadline order. It returns
// false once Quit has been seen. Step may be called from inside a
// handler to run a nested loop.
func (q *Queue) Step(maxWait time.Duration) bool {
	q.mu.Lock()
	if q.quitting {
		q.mu.Unlock()
		return false
	}
	wait := maxWait
	if len(q.pending) > 0 {
		wait = 0
	} else if q.timers.Len() > 0 {
		if untilNext := q.timers[0].deadline.Sub(q.clock.Now()); untilNext < wait {
			wait = untilNext
		}
	}
	q.mu.Unlock()

	if wait > 0 {
		timer := q.clock.NewTimer(wait)
		select {
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, e := range batch {
		if e.Type == Quit {
			q.mu.Lock()
			q.quitting = true
			q.pending = append(batch[i+1:len(batch):len(batch)], q.pending...)
			q.mu.Unlock()
			return false
		}
		q.Dispatch(e)
	}

	q.mu.Lock()
	fired := q.timers.due(q.clock.Now())
	q.mu.Unlock()

	for _, info := range fired {
		q.mu.Lock()
		live := info.Timer.live
		q.mu.Unlock()
		if !live {
			continue
		}
		q.Dispatch(Event{Type: TimerFired, Target: info.Timer.target, Data: info})
	}
	return true
}

// Dispatch delivers e to its handler synchronously. Events with no
// registered handler are dropped. It reports whether a handler ran.
func (q *Queue) Dispatch(e Event) bool {
	q.mu.Lock()
	fn, ok := q.handlers[handlerKey{e.Type, e.Target}]
	q.mu.Unlock()
	if !ok {
		return false
	}
	fn(e)
	return true
}

// On registers a handler whose payload is type-checked against T. Events
// of type t for target whose Data is not a T are logged and dropped.
func On[T any](q *Queue, t Type, target Target, fn func(T)) {
	q.AddHandler(t, target, func(e Event) {
		data, ok := e.Data.(T)
		if !ok {
			q.logger.Warn("dropping event with unexpected payload",
				"type", e.Type.String(), "payload", fmt.Sprintf("%T", e.Data))
			return
		}
		fn(data)
	})
}
