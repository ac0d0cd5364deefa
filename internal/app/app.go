// Package app drives the server and client lifecycles: opening the local
// screen, starting the network side, retrying transient failures and shutting
// down within bounded time.
package app

import (
	"log/slog"
	"time"

	"leapkvm/internal/event"
)

// Process exit codes.
const (
	ExitSuccess    = 0
	ExitFailed     = 1
	ExitTerminated = 2
	ExitArgs       = 3
	ExitConfig     = 4
)

// DefaultRetryInterval is the fixed delay before retrying a failed
// listen or connect.
const DefaultRetryInterval = time.Second

// DefaultStopTimeout bounds how long stopping waits for clients to go.
const DefaultStopTimeout = 3 * time.Second

// Requests posted from other goroutines (signal handlers, the tray),
// addressed to the app.
var (
	ReloadRequested         = event.RegisterType("app.reload")
	ForceReconnectRequested = event.RegisterType("app.reconnect")
	ResetRequested          = event.RegisterType("app.reset")
)

// Reporter is told about user-visible status changes. Implementations
// must not block.
type Reporter interface {
	Status(text string)
}

// LogReporter reports status through a logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Status(text string) {
	r.Logger.Info("status", "text", text)
}

// retrier runs at most one delayed action at a time.
type retrier struct {
	q     *event.Queue
	timer *event.Timer
}

func (r *retrier) schedule(d time.Duration, fn func()) {
	r.cancel()
	t := r.q.NewOneShotTimer(d, nil)
	r.timer = t
	r.q.AddHandler(event.TimerFired, t, func(event.Event) {
		r.cancel()
		fn()
	})
}

func (r *retrier) pending() bool { return r.timer != nil }

func (r *retrier) cancel() {
	if r.timer == nil {
		return
	}
	r.q.DeleteTimer(r.timer)
	r.q.RemoveHandler(event.TimerFired, r.timer)
	r.timer = nil
}
