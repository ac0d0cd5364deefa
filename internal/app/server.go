package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/screen"
	"leapkvm/internal/server"
)

// State is where a ServerApp is in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	// Waiting to retry opening the screen.
	StateInitializing
	// As StateInitializing, with a start requested once the screen opens.
	StateInitializingToStart
	StateInitialized
	// Waiting to retry listening.
	StateStarting
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitializingToStart:
		return "initializing-to-start"
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ListenFunc opens the listening socket.
type ListenFunc func(addr string, opts network.ListenOptions) (network.Listener, error)

// ServerConfig is the process configuration of a server. It is built by
// the command line layer and not changed afterwards.
type ServerConfig struct {
	// Name is the primary screen's name in the layout.
	Name string

	ListenAddr string
	Security   network.SecurityPolicy
	// Token guards WebSocket upgrades when set.
	Token string

	// Restartable makes listen failures retry instead of quit.
	Restartable bool

	RetryInterval time.Duration
	StopTimeout   time.Duration

	Opener screen.Opener
	Listen ListenFunc
	Status Reporter
}

func (c *ServerConfig) setDefaults(logger *slog.Logger) {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Security == nil {
		c.Security = network.Plaintext{}
	}
	if c.Listen == nil {
		c.Listen = network.Listen
	}
	if c.Status == nil {
		c.Status = LogReporter{Logger: logger}
	}
}

// ServerApp owns the primary screen, the server and the listener. All
// methods except Reload, ForceReconnect and RequestReset run on the event
// loop.
type ServerApp struct {
	q       *event.Queue
	logger  *slog.Logger
	cfg     ServerConfig
	configs *config.Manager

	state State
	retry retrier

	port     screen.Port
	screen   *screen.Screen
	primary  *server.PrimaryClient
	srv      *server.Server
	listener *server.Listener

	// abandonReset is set while a reset waits for clients to hang up.
	abandonReset func()

	exitCode int
}

// NewServerApp validates the layout held by configs against cfg. It fails
// with config.ErrInvalid when the primary screen is not in the layout.
func NewServerApp(q *event.Queue, cfg ServerConfig, configs *config.Manager, logger *slog.Logger) (*ServerApp, error) {
	logger = logger.With("component", "app")
	cfg.setDefaults(logger)
	if cfg.Opener == nil {
		return nil, errors.New("no screen opener")
	}
	if name, ok := configs.Get().Canonical(cfg.Name); !ok || name != cfg.Name {
		return nil, fmt.Errorf("%w: screen %q is not in %s", config.ErrInvalid, cfg.Name, configs.Path())
	}
	a := &ServerApp{
		q:       q,
		logger:  logger,
		cfg:     cfg,
		configs: configs,
		retry:   retrier{q: q},
	}
	configs.RegisterChangeCallback(a.applyConfig)
	q.AddHandler(ReloadRequested, a, func(event.Event) { a.reload() })
	q.AddHandler(ForceReconnectRequested, a, func(event.Event) { a.forceReconnect() })
	q.AddHandler(ResetRequested, a, func(event.Event) { a.Reset() })
	return a, nil
}

// State returns the lifecycle state.
func (a *ServerApp) State() State { return a.state }

// Server returns the running server, or nil.
func (a *ServerApp) Server() *server.Server { return a.srv }

// ExitCode is the code the process should exit with.
func (a *ServerApp) ExitCode() int { return a.exitCode }

// Run starts the server and dispatches events until ctx is done or a
// fatal error stops the loop. It cleans up before returning the exit
// code.
func (a *ServerApp) Run(ctx context.Context) int {
	if err := a.Initialize(); err != nil {
		return ExitFailed
	}
	a.Start()
	a.q.Run(ctx)
	a.Cleanup()
	if ctx.Err() != nil && a.exitCode == ExitSuccess {
		return ExitTerminated
	}
	return a.exitCode
}

// Reload asks the loop to re-read the layout file. Safe from any
// goroutine.
func (a *ServerApp) Reload() { a.q.Post(event.Event{Type: ReloadRequested, Target: a}) }

// ForceReconnect asks the loop to close every client. Safe from any
// goroutine.
func (a *ServerApp) ForceReconnect() {
	a.q.Post(event.Event{Type: ForceReconnectRequested, Target: a})
}

// RequestReset asks the loop to stop and restart the server. Safe from
// any goroutine.
func (a *ServerApp) RequestReset() { a.q.Post(event.Event{Type: ResetRequested, Target: a}) }

// Initialize opens the primary screen. A screen that is unavailable for
// now is retried after the delay it suggests; a screen that can never
// open is fatal.
func (a *ServerApp) Initialize() error {
	if a.state != StateUninitialized && a.state != StateInitializing && a.state != StateInitializingToStart {
		return nil
	}
	port, err := a.cfg.Opener(a.q, true)
	if err == nil {
		scr := screen.New(port, true, a.logger)
		if err = scr.Enable(); err == nil {
			a.port, a.screen = port, scr
		}
	}

	var unavailable *screen.UnavailableError
	switch {
	case err == nil:
	case errors.As(err, &unavailable):
		a.logger.Warn("screen unavailable, will retry", "error", unavailable.Err, "retry_in", unavailable.RetryAfter)
		a.cfg.Status.Status("waiting for screen")
		if a.state == StateUninitialized {
			a.state = StateInitializing
		}
		a.retry.schedule(unavailable.RetryAfter, a.retryInitialize)
		return nil
	default:
		logging.Crit(a.logger, "cannot open screen", "error", err)
		a.fail()
		return err
	}

	a.primary = server.NewPrimaryClient(a.cfg.Name, a.screen, a.logger)
	a.watchScreen()
	startNow := a.state == StateInitializingToStart
	a.state = StateInitialized
	a.logger.Debug("screen opened", "shape", a.screen.Shape())
	if startNow {
		a.Start()
	}
	return nil
}

func (a *ServerApp) retryInitialize() {
	if err := a.Initialize(); err != nil {
		a.logger.Debug("initialize failed", "error", err)
	}
}

// Start begins serving. Called while the screen is still being opened,
// it starts once the screen is up.
func (a *ServerApp) Start() {
	switch a.state {
	case StateInitializing:
		a.state = StateInitializingToStart
		return
	case StateInitialized, StateStarting:
	default:
		return
	}

	srv, err := server.New(a.q, a.configs.Get(), a.primary, a.logger)
	if err != nil {
		logging.Crit(a.logger, "cannot create server", "error", err)
		a.fail()
		return
	}
	l, err := a.cfg.Listen(a.cfg.ListenAddr, network.ListenOptions{
		Security: a.cfg.Security,
		Token:    a.cfg.Token,
		Logger:   a.logger,
	})
	if err != nil {
		srv.Close()
		a.watchScreen()
		a.listenFailed(err)
		return
	}

	a.srv = srv
	a.listener = server.NewListener(a.q, l, a.logger)
	event.On(a.q, server.ClientConnected, a.listener, a.srv.AdoptClient)
	event.On(a.q, server.ListenerFailed, a.listener, a.listenFailed)
	a.q.AddHandler(server.ResetRequested, a.srv, func(event.Event) { a.Reset() })
	event.On(a.q, server.ScreenSwitched, a.srv, func(name string) {
		a.cfg.Status.Status("active screen: " + name)
	})
	a.state = StateStarted
	for _, addr := range network.ReachableAddresses(a.listener.Addr()) {
		logging.Note(a.logger, "server started", "addr", addr)
	}
	a.cfg.Status.Status("active screen: " + a.srv.Active())
}

func (a *ServerApp) listenFailed(err error) {
	if a.listener != nil {
		a.stopServing()
	}
	if a.cfg.Restartable {
		a.logger.Warn("cannot listen, will retry", "addr", a.cfg.ListenAddr, "error", err, "retry_in", a.cfg.RetryInterval)
		a.cfg.Status.Status("waiting to listen")
		a.state = StateStarting
		a.retry.schedule(a.cfg.RetryInterval, a.Start)
		return
	}
	logging.Crit(a.logger, "cannot listen", "addr", a.cfg.ListenAddr, "error", err)
	a.fail()
}

// Stop disconnects every client, waiting at most StopTimeout, and closes
// the listener. A pending listen retry is cancelled.
func (a *ServerApp) Stop() {
	switch a.state {
	case StateStarting:
		a.retry.cancel()
		a.state = StateInitialized
	case StateStarted:
		a.cancelReset()
		done := false
		abandon := a.disconnect(func() { done = true })
		for !done && a.q.Step(event.DefaultPollTimeout) {
		}
		abandon()
		a.stopped()
	}
}

func (a *ServerApp) stopped() {
	a.stopServing()
	a.state = StateInitialized
	a.logger.Info("server stopped")
}

// disconnect asks every client to hang up and calls then once they all
// have, or after StopTimeout. The returned func cancels the wait.
func (a *ServerApp) disconnect(then func()) func() {
	srv := a.srv
	deadline := a.q.NewOneShotTimer(a.cfg.StopTimeout, nil)
	release := func() {
		a.q.DeleteTimer(deadline)
		a.q.RemoveHandler(event.TimerFired, deadline)
		a.q.RemoveHandler(server.Disconnected, srv)
	}
	a.q.AddHandler(server.Disconnected, srv, func(event.Event) {
		release()
		then()
	})
	a.q.AddHandler(event.TimerFired, deadline, func(event.Event) {
		a.logger.Warn("clients did not disconnect in time", "timeout", a.cfg.StopTimeout)
		release()
		then()
	})
	srv.Disconnect()
	return release
}

func (a *ServerApp) stopServing() {
	a.cancelReset()
	if a.listener != nil {
		a.q.RemoveHandlers(a.listener)
		a.listener.Close()
		a.listener = nil
	}
	if a.srv != nil {
		a.q.RemoveHandlers(a.srv)
		a.srv.Close()
		a.srv = nil
		// Closing the server drops every handler on the screen.
		a.watchScreen()
	}
}

func (a *ServerApp) watchScreen() {
	a.q.AddHandler(screen.Failed, a.screen.Target(), func(e event.Event) {
		logging.Crit(a.logger, "screen failed", "error", e.Data)
		a.fail()
	})
}

// Cleanup stops the server and closes the screen.
func (a *ServerApp) Cleanup() {
	a.Stop()
	switch a.state {
	case StateInitializing, StateInitializingToStart:
		a.retry.cancel()
	case StateInitialized:
		a.q.RemoveHandler(screen.Failed, a.screen.Target())
		a.screen.Disable()
		a.port, a.screen, a.primary = nil, nil, nil
	}
	a.state = StateUninitialized
}

// Reset stops and restarts everything, reopening the screen. It is the
// operator's fix for stuck modifier state. Clients get StopTimeout to hang
// up while the loop keeps running; a reset requested meanwhile is
// ignored.
func (a *ServerApp) Reset() {
	if a.abandonReset != nil {
		a.logger.Info("reset already in progress")
		return
	}
	logging.Note(a.logger, "resetting server")
	if a.state != StateStarted {
		a.restart()
		return
	}
	a.abandonReset = a.disconnect(func() {
		a.abandonReset = nil
		a.stopped()
		a.restart()
	})
}

func (a *ServerApp) cancelReset() {
	if a.abandonReset != nil {
		a.abandonReset()
		a.abandonReset = nil
	}
}

func (a *ServerApp) restart() {
	a.Cleanup()
	if err := a.Initialize(); err != nil {
		return
	}
	a.Start()
}

func (a *ServerApp) applyConfig(cfg *config.Config) {
	if a.srv == nil {
		return
	}
	if err := a.srv.SetConfig(cfg); err != nil {
		a.logger.Warn("cannot apply layout", "error", err)
	}
}

func (a *ServerApp) reload() {
	if err := a.configs.Load(); err != nil {
		a.logger.Warn("cannot reload layout, keeping the current one", "path", a.configs.Path(), "error", err)
	}
}

func (a *ServerApp) forceReconnect() {
	if a.srv != nil {
		a.srv.ForceReconnect()
	}
}

func (a *ServerApp) fail() {
	a.exitCode = ExitFailed
	a.q.Post(event.Event{Type: event.Quit})
}
