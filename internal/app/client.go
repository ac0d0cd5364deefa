package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"leapkvm/internal/client"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/screen"
)

// ClientConfig is the process configuration of a client.
type ClientConfig struct {
	// Name is announced to the server and must be in its layout.
	Name string

	ServerAddr string
	Security   network.SecurityPolicy

	// Restartable makes connection failures retry instead of quit.
	Restartable bool

	RetryInterval time.Duration

	Opener screen.Opener
	Dial   client.Dialer
	Status Reporter
}

// ClientApp owns the secondary screen and the connection to the server.
type ClientApp struct {
	q      *event.Queue
	logger *slog.Logger
	cfg    ClientConfig

	retry  retrier
	screen *screen.Screen
	client *client.Client

	stopping bool
	exitCode int
}

// NewClientApp creates a client app. Nothing is opened until Start.
func NewClientApp(q *event.Queue, cfg ClientConfig, logger *slog.Logger) (*ClientApp, error) {
	logger = logger.With("component", "app")
	if cfg.Opener == nil {
		return nil, errors.New("no screen opener")
	}
	if cfg.Name == "" {
		return nil, errors.New("no screen name")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Status == nil {
		cfg.Status = LogReporter{Logger: logger}
	}
	a := &ClientApp{q: q, logger: logger, cfg: cfg, retry: retrier{q: q}}
	q.AddHandler(ForceReconnectRequested, a, func(event.Event) { a.reconnect() })
	return a, nil
}

// Client returns the connection, or nil before the screen opens.
func (a *ClientApp) Client() *client.Client { return a.client }

// ExitCode is the code the process should exit with.
func (a *ClientApp) ExitCode() int { return a.exitCode }

// Run starts the client and dispatches events until ctx is done or the
// client gives up.
func (a *ClientApp) Run(ctx context.Context) int {
	a.Start()
	a.q.Run(ctx)
	a.Stop()
	if ctx.Err() != nil && a.exitCode == ExitSuccess {
		return ExitTerminated
	}
	return a.exitCode
}

// ForceReconnect asks the loop to drop and re-establish the connection.
// Safe from any goroutine.
func (a *ClientApp) ForceReconnect() {
	a.q.Post(event.Event{Type: ForceReconnectRequested, Target: a})
}

// Start opens the screen, retrying while it is unavailable, then
// connects.
func (a *ClientApp) Start() {
	if a.screen != nil {
		a.connect()
		return
	}
	a.stopping = false
	port, err := a.cfg.Opener(a.q, false)
	if err == nil {
		scr := screen.New(port, false, a.logger)
		if err = scr.Enable(); err == nil {
			a.screen = scr
		}
	}
	var unavailable *screen.UnavailableError
	switch {
	case err == nil:
	case errors.As(err, &unavailable):
		a.logger.Warn("screen unavailable, will retry", "error", unavailable.Err, "retry_in", unavailable.RetryAfter)
		a.cfg.Status.Status("waiting for screen")
		a.retry.schedule(unavailable.RetryAfter, a.Start)
		return
	default:
		logging.Crit(a.logger, "cannot open screen", "error", err)
		a.quit(ExitFailed)
		return
	}

	a.q.AddHandler(screen.Failed, a.screen.Target(), func(e event.Event) {
		logging.Crit(a.logger, "screen failed", "error", e.Data)
		a.quit(ExitFailed)
	})
	a.client = client.New(a.q, a.screen, client.Options{
		Name:     a.cfg.Name,
		Addr:     a.cfg.ServerAddr,
		Security: a.cfg.Security,
		Dial:     a.cfg.Dial,
	}, a.logger)
	a.q.AddHandler(client.Connected, a.client, func(event.Event) {
		logging.Note(a.logger, "connected to server", "addr", a.cfg.ServerAddr, "name", a.cfg.Name)
		a.cfg.Status.Status("connected to " + a.cfg.ServerAddr)
	})
	event.On(a.q, client.ConnectionFailed, a.client, a.handleFailure)
	event.On(a.q, client.Disconnected, a.client, a.handleFailure)
	a.connect()
}

func (a *ClientApp) connect() {
	if a.stopping || a.client == nil {
		return
	}
	a.cfg.Status.Status("connecting to " + a.cfg.ServerAddr)
	a.client.Connect()
}

func (a *ClientApp) handleFailure(info client.FailInfo) {
	if a.stopping || errors.Is(info.Err, client.ErrLocalShutdown) {
		return
	}
	if !info.Retry || !a.cfg.Restartable {
		logging.Crit(a.logger, "giving up on server", "addr", a.cfg.ServerAddr, "error", info.Err)
		a.quit(ExitFailed)
		return
	}
	a.cfg.Status.Status("disconnected, retrying")
	a.retry.schedule(a.cfg.RetryInterval, a.connect)
}

func (a *ClientApp) reconnect() {
	if a.client == nil || a.stopping {
		return
	}
	logging.Note(a.logger, "reconnecting to server")
	a.retry.cancel()
	a.client.Disconnect()
	a.retry.schedule(a.cfg.RetryInterval, a.connect)
}

// Stop drops the connection and closes the screen. Pending retries are
// cancelled.
func (a *ClientApp) Stop() {
	a.stopping = true
	a.retry.cancel()
	if a.client != nil {
		a.client.Disconnect()
		a.q.RemoveHandlers(a.client)
		a.client = nil
	}
	if a.screen != nil {
		a.q.RemoveHandler(screen.Failed, a.screen.Target())
		a.screen.Disable()
		a.screen = nil
	}
}

func (a *ClientApp) quit(code int) {
	a.exitCode = code
	a.q.Post(event.Event{Type: event.Quit})
}
