// leapkvm shares one keyboard and mouse across several computers. The
// machine with the devices runs --server; every other machine runs
// --client and connects to it.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"leapkvm/internal/app"
	"leapkvm/internal/autostart"
	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/screen/desktop"
	"leapkvm/internal/tray"
)

var version = "0.3.0"

type options struct {
	server, client bool
	address        string
	configPath     string
	name           string
	noRestart      bool
	logLevel       string
	logFormat      string
	wsToken        string
	tlsCert        string
	tlsKey         string
	tlsCA          string
	useTLS         bool
	autostart      string
	showVersion    bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	fs := pflag.NewFlagSet("leapkvm", pflag.ContinueOnError)
	fs.BoolVar(&opts.server, "server", false, "share this machine's keyboard and mouse")
	fs.BoolVar(&opts.client, "client", false, "connect this machine to a server")
	fs.StringVarP(&opts.address, "address", "a", "", "listen address (server) or server address (client)")
	fs.StringVarP(&opts.configPath, "config", "c", "", "layout file (server only)")
	fs.StringVarP(&opts.name, "name", "n", "", "screen name (default: host name)")
	fs.BoolVar(&opts.noRestart, "no-restart", false, "quit instead of retrying when the network fails")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, note, warn, error or crit")
	fs.StringVar(&opts.logFormat, "log-format", logging.FormatAuto, "auto, text or json")
	fs.StringVar(&opts.wsToken, "ws-token", "", "bearer token required on ws:// connections (server only)")
	fs.StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate (server only)")
	fs.StringVar(&opts.tlsKey, "tls-key", "", "TLS private key (server only)")
	fs.StringVar(&opts.tlsCA, "tls-ca", "", "CA bundle that signs the server certificate (client only)")
	fs.BoolVar(&opts.useTLS, "tls", false, "connect with TLS (client only)")
	fs.StringVar(&opts.autostart, "autostart", "", "enable, disable or status of the login item, then exit")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return app.ExitSuccess
		}
		fmt.Fprintln(os.Stderr, err)
		return app.ExitArgs
	}
	if opts.showVersion {
		fmt.Printf("leapkvm version %s\n", version)
		return app.ExitSuccess
	}
	if opts.autostart != "" {
		return manageAutostart(opts.autostart, args)
	}
	if opts.client && opts.address == "" && fs.NArg() == 1 {
		opts.address = fs.Arg(0)
	}
	if err := opts.validate(fs.NArg()); err != nil {
		fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
		return app.ExitArgs
	}

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
		return app.ExitArgs
	}
	logger, err := logging.New(logging.Options{Level: level, Format: opts.logFormat, Output: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
		return app.ExitArgs
	}
	if opts.name == "" {
		opts.name = hostName()
	}
	security, err := opts.security()
	if err != nil {
		logging.Crit(logger, "cannot set up TLS", "error", err)
		return app.ExitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := event.NewQueue(logger)
	t := tray.New("leapkvm")

	var runApp func(context.Context) int
	if opts.server {
		runApp, err = serverApp(q, &opts, security, t, cancel, logger)
	} else {
		runApp, err = clientApp(q, &opts, security, t, cancel, logger)
	}
	if err != nil {
		logging.Crit(logger, "cannot start", "error", err)
		if errors.Is(err, config.ErrInvalid) {
			return app.ExitConfig
		}
		return app.ExitFailed
	}
	t.AddSeparator()
	t.AddMenuItem("Quit", cancel)

	done := make(chan int, 1)
	go func() {
		done <- runApp(ctx)
		t.Stop()
	}()
	t.Run()
	cancel()
	return <-done
}

func (o *options) validate(nargs int) error {
	switch {
	case o.server == o.client:
		return errors.New("exactly one of --server and --client is required")
	case o.client && o.address == "":
		return errors.New("--client needs the server address")
	case nargs > 1 || (o.server && nargs > 0):
		return errors.New("too many arguments")
	case o.server && (o.tlsCert == "") != (o.tlsKey == ""):
		return errors.New("--tls-cert and --tls-key go together")
	}
	if o.server && o.address == "" {
		o.address = fmt.Sprintf(":%d", network.DefaultPort)
	}
	if !network.IsWebSocketAddr(o.address) {
		o.address = network.WithDefaultPort(o.address)
	}
	return nil
}

func (o *options) security() (network.SecurityPolicy, error) {
	if o.server {
		if o.tlsCert == "" {
			return network.Plaintext{}, nil
		}
		cert, err := tls.LoadX509KeyPair(o.tlsCert, o.tlsKey)
		if err != nil {
			return nil, err
		}
		return network.TLS{ServerConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}}, nil
	}
	if !o.useTLS && o.tlsCA == "" {
		return network.Plaintext{}, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if host, _, ok := strings.Cut(strings.TrimPrefix(o.address, "ws://"), ":"); ok {
		cfg.ServerName = host
	}
	if o.tlsCA != "" {
		pem, err := os.ReadFile(o.tlsCA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: no certificates found", o.tlsCA)
		}
		cfg.RootCAs = pool
	}
	return network.TLS{ClientConfig: cfg}, nil
}

func serverApp(q *event.Queue, opts *options, security network.SecurityPolicy, t *tray.Tray, cancel func(), logger *slog.Logger) (func(context.Context) int, error) {
	configs, err := config.NewManager(opts.configPath, opts.name)
	if err != nil {
		return nil, err
	}
	if err := configs.Load(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(configs.Path()); errors.Is(err, os.ErrNotExist) {
		if err := configs.Save(); err != nil {
			logger.Warn("cannot write default layout", "path", configs.Path(), "error", err)
		} else {
			logging.Note(logger, "wrote default layout", "path", configs.Path())
		}
	}
	a, err := app.NewServerApp(q, app.ServerConfig{
		Name:        opts.name,
		ListenAddr:  opts.address,
		Security:    security,
		Token:       opts.wsToken,
		Restartable: !opts.noRestart,
		Opener:      desktop.Open,
		Status:      t,
	}, configs, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using layout", "path", configs.Path(), "screen", opts.name)

	t.AddMenuItem("Reload layout", a.Reload)
	t.AddMenuItem("Reconnect clients", a.ForceReconnect)
	t.AddMenuItem("Reset", a.RequestReset)
	notifySignals(signalHandlers{reload: a.Reload, reconnect: a.ForceReconnect, quit: cancel}, logger)
	return a.Run, nil
}

func clientApp(q *event.Queue, opts *options, security network.SecurityPolicy, t *tray.Tray, cancel func(), logger *slog.Logger) (func(context.Context) int, error) {
	a, err := app.NewClientApp(q, app.ClientConfig{
		Name:        opts.name,
		ServerAddr:  opts.address,
		Security:    security,
		Restartable: !opts.noRestart,
		Opener:      desktop.Open,
		Status:      t,
	}, logger)
	if err != nil {
		return nil, err
	}
	t.AddMenuItem("Reconnect", a.ForceReconnect)
	notifySignals(signalHandlers{reload: func() {}, reconnect: a.ForceReconnect, quit: cancel}, logger)
	return a.Run, nil
}

func manageAutostart(action string, args []string) int {
	var entry autostart.Entry
	switch action {
	case "status":
		if entry.Enabled() {
			fmt.Println("enabled")
		} else {
			fmt.Println("disabled")
		}
		return app.ExitSuccess
	case "disable":
		if err := entry.Disable(); err != nil {
			fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
			return app.ExitFailed
		}
		return app.ExitSuccess
	case "enable":
	default:
		fmt.Fprintf(os.Stderr, "leapkvm: --autostart takes enable, disable or status, not %q\n", action)
		return app.ExitArgs
	}
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
		return app.ExitFailed
	}
	if err := entry.Enable(append([]string{exe}, withoutFlag(args, "autostart")...)); err != nil {
		fmt.Fprintf(os.Stderr, "leapkvm: %v\n", err)
		return app.ExitFailed
	}
	return app.ExitSuccess
}

// withoutFlag drops --name and its value from args.
func withoutFlag(args []string, name string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--"+name:
			i++
		case strings.HasPrefix(a, "--"+name+"="):
		default:
			out = append(out, a)
		}
	}
	return out
}

func hostName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	short, _, _ := strings.Cut(name, ".")
	return short
}

type signalHandlers struct {
	reload    func()
	reconnect func()
	quit      func()
}
