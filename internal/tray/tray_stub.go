//go:build !tray

// Package tray shows the session status in the system tray and offers the
// operator actions as menu items. Without the tray build tag it only keeps
// the status and logs nothing.
package tray

import "sync"

// Tray is the headless stand-in: Run blocks until Stop and menu items are
// kept but never shown.
type Tray struct {
	title string
	items []string
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	status string
}

func New(title string) *Tray {
	return &Tray{title: title, done: make(chan struct{})}
}

func (t *Tray) AddMenuItem(title string, callback func()) {
	t.items = append(t.items, title)
}

func (t *Tray) AddSeparator() {}

func (t *Tray) Status(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = text
}

// Current returns the last status shown.
func (t *Tray) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tray) Run() { <-t.done }

func (t *Tray) Stop() { t.once.Do(func() { close(t.done) }) }
