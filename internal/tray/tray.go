//go:build tray

// Package tray shows the session status in the system tray and offers the
// operator actions as menu items.
package tray

import (
	"sync"

	"github.com/getlantern/systray"
)

// MenuItem represents a menu item
type MenuItem struct {
	Title    string
	Callback func()
	item     *systray.MenuItem
}

// Tray manages the system tray icon and menu
type Tray struct {
	title  string
	items  []*MenuItem
	quitCh chan struct{}

	mu     sync.Mutex
	status string
	ready  bool
	line   *systray.MenuItem
}

// New creates a tray titled title.
func New(title string) *Tray {
	return &Tray{title: title, quitCh: make(chan struct{})}
}

// AddMenuItem adds a menu item to the tray. Items must be added before
// Run.
func (t *Tray) AddMenuItem(title string, callback func()) {
	t.items = append(t.items, &MenuItem{Title: title, Callback: callback})
}

// AddSeparator adds a separator to the menu
func (t *Tray) AddSeparator() {
	t.items = append(t.items, nil) // nil indicates separator
}

// Status shows text as the tooltip and the first menu line. It may be
// called from any goroutine.
func (t *Tray) Status(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = text
	if t.ready {
		systray.SetTooltip(t.title + ": " + text)
		t.line.SetTitle(text)
	}
}

// Run shows the tray and blocks until Stop. It must be called from the
// main goroutine.
func (t *Tray) Run() {
	systray.Run(t.setupMenu, func() { close(t.quitCh) })
}

// setupMenu is called when systray is ready
func (t *Tray) setupMenu() {
	systray.SetTitle(t.title)
	systray.SetIcon(getIcon())

	t.mu.Lock()
	t.line = systray.AddMenuItem(t.status, "")
	t.line.Disable()
	t.ready = true
	systray.SetTooltip(t.title + ": " + t.status)
	t.mu.Unlock()
	systray.AddSeparator()

	for _, menuItem := range t.items {
		if menuItem == nil {
			systray.AddSeparator()
			continue
		}
		menuItem.item = systray.AddMenuItem(menuItem.Title, "")
		if menuItem.Callback == nil {
			continue
		}
		go func(mi *MenuItem) {
			for {
				select {
				case <-mi.item.ClickedCh:
					mi.Callback()
				case <-t.quitCh:
					return
				}
			}
		}(menuItem)
	}
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}
