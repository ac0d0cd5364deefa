package app

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leapkvm/internal/clock"
	"leapkvm/internal/config"
	"leapkvm/internal/event"
	"leapkvm/internal/logging"
	"leapkvm/internal/network"
	"leapkvm/internal/protocol"
	"leapkvm/internal/screen"
	"leapkvm/internal/screen/screentest"
)

const testLayout = `
screens:
  - name: desk
  - name: laptop
links:
  desk: {right: laptop}
  laptop: {left: desk}
hotkeys:
  - keys: F1
    action: switchToScreen
    argument: laptop
`

const waitLimit = 2 * time.Second

// chanListener hands out streams pushed by the test.
type chanListener struct {
	streams chan network.Stream
	done    chan struct{}
	once    sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{streams: make(chan network.Stream, 4), done: make(chan struct{})}
}

func (l *chanListener) Accept() (network.Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() string { return "127.0.0.1:24800" }

func (l *chanListener) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func waitFor(t *testing.T, q *event.Queue, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

func settle(q *event.Queue) {
	for range 20 {
		q.Step(0)
		time.Sleep(time.Millisecond)
	}
}

func writeLayout(t *testing.T, path, layout string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(layout), 0o644); err != nil {
		t.Fatal(err)
	}
}

// opener yields the port after failing the first `unavailable` calls.
type opener struct {
	port        *screentest.Port
	unavailable int
	fatal       bool
	calls       int
}

func (o *opener) open(*event.Queue, bool) (screen.Port, error) {
	o.calls++
	if o.fatal {
		return nil, &screen.OpenFailureError{Err: os.ErrPermission}
	}
	if o.calls <= o.unavailable {
		return nil, &screen.UnavailableError{RetryAfter: 5 * time.Second, Err: os.ErrNotExist}
	}
	return o.port, nil
}

// listens hands out chanListeners after failing the first `failures`
// calls.
type listens struct {
	failures  int
	calls     int
	listeners []*chanListener
}

func (l *listens) listen(addr string, _ network.ListenOptions) (network.Listener, error) {
	l.calls++
	if l.calls <= l.failures {
		return nil, &network.AddressInUseError{Addr: addr, Err: os.ErrExist}
	}
	ls := newChanListener()
	l.listeners = append(l.listeners, ls)
	return ls, nil
}

func (l *listens) last() *chanListener { return l.listeners[len(l.listeners)-1] }

type serverFixture struct {
	t       *testing.T
	q       *event.Queue
	clock   *clock.FakeClock
	port    *screentest.Port
	opener  *opener
	listens *listens
	configs *config.Manager
	path    string
	app     *ServerApp
}

func newServerFixture(t *testing.T, fake bool, mutate func(*ServerConfig, *opener, *listens)) *serverFixture {
	t.Helper()
	var opts []event.Option
	var fc *clock.FakeClock
	if fake {
		fc = clock.Fake(time.Unix(1000, 0))
		opts = append(opts, event.WithClock(fc))
	}
	q := event.NewQueue(logging.Discard(), opts...)

	path := filepath.Join(t.TempDir(), "layout.yaml")
	writeLayout(t, path, testLayout)
	configs, err := config.NewManager(path, "desk")
	if err != nil {
		t.Fatal(err)
	}
	if err := configs.Load(); err != nil {
		t.Fatal(err)
	}

	f := &serverFixture{
		t:       t,
		q:       q,
		clock:   fc,
		port:    screentest.New(),
		listens: &listens{},
		configs: configs,
		path:    path,
	}
	f.opener = &opener{port: f.port}
	cfg := ServerConfig{
		Name:        "desk",
		ListenAddr:  ":24800",
		StopTimeout: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg, f.opener, f.listens)
	}
	cfg.Opener = f.opener.open
	cfg.Listen = f.listens.listen
	f.app, err = NewServerApp(q, cfg, configs, logging.Discard())
	if err != nil {
		t.Fatalf("NewServerApp: %v", err)
	}
	return f
}

// autoClient answers the server's handshake as screen name and then only
// reads.
func autoClient(t *testing.T, ls *chanListener, name string) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	ls.streams <- network.NewPacketStream(a)
	remote := network.NewPacketStream(b)
	go func() {
		for {
			p, err := remote.ReadPacket()
			if err != nil {
				return
			}
			switch protocol.Opcode(p) {
			case "Barr":
				protocol.Writef(remote, protocol.MsgHelloBack, uint16(1), uint16(6), name)
			case protocol.OpQInfo:
				protocol.Writef(remote, protocol.MsgDInfo,
					int32(0), int32(0), int32(1280), int32(800), int32(0), int32(0), int32(0))
			}
		}
	}()
	return b
}
