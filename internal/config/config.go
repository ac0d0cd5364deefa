// Package config provides the screen layout configuration for the server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"leapkvm/internal/protocol"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the server's layout: which screens exist, how their edges
// connect, global options and hot keys.
type Config struct {
	// Screens lists every screen, including the server's own.
	Screens []Screen `yaml:"screens"`

	// Links maps a screen name to its neighbours.
	Links map[string]Links `yaml:"links"`

	// Options apply to every screen.
	Options Options `yaml:"options"`

	// HotKeys bind keystrokes on the primary screen to actions.
	HotKeys []HotKey `yaml:"hotkeys,omitempty"`
}

// Screen describes one screen.
type Screen struct {
	// Name is the name the client announces in its hello.
	Name string `yaml:"name"`

	// Aliases are alternative names, e.g. a fully qualified host name.
	Aliases []string `yaml:"aliases,omitempty"`

	// HalfDuplex lists lock keys whose hardware only reports a press per
	// toggle ("capslock", "numlock", "scrolllock").
	HalfDuplex []string `yaml:"halfDuplex,omitempty"`

	// ModifierMap remaps modifiers on this screen, e.g. {alt: meta}.
	ModifierMap map[string]string `yaml:"modifierMap,omitempty"`
}

// Links names the neighbour on each edge. Empty means no neighbour.
type Links struct {
	Left   string `yaml:"left,omitempty"`
	Right  string `yaml:"right,omitempty"`
	Top    string `yaml:"top,omitempty"`
	Bottom string `yaml:"bottom,omitempty"`
}

// Options are global behaviour switches.
type Options struct {
	// Heartbeat overrides the keep-alive interval. Zero keeps the
	// protocol default.
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"`

	// ScreenSaverSync forwards screensaver start and stop to clients.
	ScreenSaverSync bool `yaml:"screenSaverSync"`

	// ClipboardSharing enables clipboard transfer between screens.
	ClipboardSharing bool `yaml:"clipboardSharing"`

	// RelativeMouseMoves sends deltas instead of absolute positions while
	// the cursor is locked to a secondary.
	RelativeMouseMoves bool `yaml:"relativeMouseMoves"`

	// SwitchDelay is how long the cursor must rest on an edge before
	// the switch happens. Zero switches at once.
	SwitchDelay time.Duration `yaml:"switchDelay,omitempty"`

	// SwitchDoubleTap requires tapping an edge twice within this window
	// to switch. Zero disables it.
	SwitchDoubleTap time.Duration `yaml:"switchDoubleTap,omitempty"`

	// SwitchCorners names the corners that never switch: "top-left",
	// "top-right", "bottom-left", "bottom-right" or "all".
	SwitchCorners []string `yaml:"switchCorners,omitempty"`

	// SwitchCornerSize is the length in pixels of a corner along each
	// edge.
	SwitchCornerSize int32 `yaml:"switchCornerSize,omitempty"`

	SwitchNeedsShift   bool `yaml:"switchNeedsShift,omitempty"`
	SwitchNeedsControl bool `yaml:"switchNeedsControl,omitempty"`
	SwitchNeedsAlt     bool `yaml:"switchNeedsAlt,omitempty"`
}

// Corner is a set of screen corners.
type Corner uint8

const (
	TopLeft Corner = 1 << iota
	TopRight
	BottomLeft
	BottomRight

	AllCorners = TopLeft | TopRight | BottomLeft | BottomRight
)

var cornerNames = map[string]Corner{
	"top-left":     TopLeft,
	"top-right":    TopRight,
	"bottom-left":  BottomLeft,
	"bottom-right": BottomRight,
	"all":          AllCorners,
}

// Corners returns the set named by SwitchCorners. Unknown names are
// ignored; Validate rejects them.
func (o Options) Corners() Corner {
	var c Corner
	for _, name := range o.SwitchCorners {
		c |= cornerNames[strings.ToLower(name)]
	}
	return c
}

// HotKey binds a keystroke such as "Ctrl+Alt+Right" to an action.
type HotKey struct {
	Keys     string `yaml:"keys"`
	Action   string `yaml:"action"`
	Argument string `yaml:"argument,omitempty"`
}

// Hot key actions.
const (
	ActionSwitchToScreen     = "switchToScreen"
	ActionSwitchInDirection  = "switchInDirection"
	ActionLockCursorToScreen = "lockCursorToScreen"
	ActionResetModifiers     = "resetModifiers"
	ActionForceReconnect     = "forceReconnect"
)

// Direction is a screen edge.
type Direction int

// Edges.
const (
	Left Direction = iota
	Right
	Top
	Bottom
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection parses "left", "right", "top"/"up" or "bottom"/"down".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	case "top", "up":
		return Top, nil
	case "bottom", "down":
		return Bottom, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// DefaultConfig returns a layout holding only the named local screen.
func DefaultConfig(localName string) *Config {
	return &Config{
		Screens: []Screen{{Name: localName}},
		Links:   map[string]Links{},
		Options: Options{
			ScreenSaverSync:  true,
			ClipboardSharing: true,
		},
	}
}

// Parse decodes and validates a YAML layout. Options absent from the
// file keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig("")
	cfg.Screens = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.Links == nil {
		cfg.Links = map[string]Links{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks names, links and hot keys for consistency.
func (c *Config) Validate() error {
	if len(c.Screens) == 0 {
		return fmt.Errorf("%w: no screens", ErrInvalid)
	}
	seen := make(map[string]string)
	for _, s := range c.Screens {
		if s.Name == "" {
			return fmt.Errorf("%w: screen without a name", ErrInvalid)
		}
		for _, name := range append([]string{s.Name}, s.Aliases...) {
			key := strings.ToLower(name)
			if owner, dup := seen[key]; dup {
				return fmt.Errorf("%w: name %q used by both %q and %q", ErrInvalid, name, owner, s.Name)
			}
			seen[key] = s.Name
		}
		for _, lock := range s.HalfDuplex {
			if _, ok := halfDuplexOptions[strings.ToLower(lock)]; !ok {
				return fmt.Errorf("%w: screen %q: unknown half-duplex key %q", ErrInvalid, s.Name, lock)
			}
		}
		for from, to := range s.ModifierMap {
			if _, ok := modifierOptions[strings.ToLower(from)]; !ok {
				return fmt.Errorf("%w: screen %q: unknown modifier %q", ErrInvalid, s.Name, from)
			}
			if _, ok := modifierIDs[strings.ToLower(to)]; !ok {
				return fmt.Errorf("%w: screen %q: unknown modifier %q", ErrInvalid, s.Name, to)
			}
		}
	}
	for from, links := range c.Links {
		if _, ok := c.Canonical(from); !ok {
			return fmt.Errorf("%w: links for unknown screen %q", ErrInvalid, from)
		}
		for _, to := range []string{links.Left, links.Right, links.Top, links.Bottom} {
			if to == "" {
				continue
			}
			if _, ok := c.Canonical(to); !ok {
				return fmt.Errorf("%w: screen %q links to unknown screen %q", ErrInvalid, from, to)
			}
		}
	}
	if err := c.Options.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, hk := range c.HotKeys {
		if err := c.validateHotKey(hk); err != nil {
			return fmt.Errorf("%w: hot key %q: %v", ErrInvalid, hk.Keys, err)
		}
	}
	return nil
}

func (o Options) validate() error {
	switch {
	case o.Heartbeat < 0:
		return fmt.Errorf("negative heartbeat %v", o.Heartbeat)
	case o.SwitchDelay < 0:
		return fmt.Errorf("negative switch delay %v", o.SwitchDelay)
	case o.SwitchDoubleTap < 0:
		return fmt.Errorf("negative double tap window %v", o.SwitchDoubleTap)
	case o.SwitchCornerSize < 0:
		return fmt.Errorf("negative corner size %d", o.SwitchCornerSize)
	}
	for _, name := range o.SwitchCorners {
		if _, ok := cornerNames[strings.ToLower(name)]; !ok {
			return fmt.Errorf("unknown corner %q", name)
		}
	}
	return nil
}

func (c *Config) validateHotKey(hk HotKey) error {
	if hk.Keys == "" {
		return errors.New("no keys")
	}
	switch hk.Action {
	case ActionSwitchToScreen:
		if _, ok := c.Canonical(hk.Argument); !ok {
			return fmt.Errorf("unknown screen %q", hk.Argument)
		}
	case ActionSwitchInDirection:
		if _, err := ParseDirection(hk.Argument); err != nil {
			return err
		}
	case ActionLockCursorToScreen:
		switch hk.Argument {
		case "", "toggle", "on", "off":
		default:
			return fmt.Errorf("bad lock mode %q", hk.Argument)
		}
	case ActionResetModifiers, ActionForceReconnect:
	default:
		return fmt.Errorf("unknown action %q", hk.Action)
	}
	return nil
}

// Canonical resolves a screen name or alias, case-insensitively, to the
// screen's configured name.
func (c *Config) Canonical(name string) (string, bool) {
	for _, s := range c.Screens {
		if strings.EqualFold(s.Name, name) {
			return s.Name, true
		}
		for _, alias := range s.Aliases {
			if strings.EqualFold(alias, name) {
				return s.Name, true
			}
		}
	}
	return "", false
}

// Screen returns the screen with canonical name name.
func (c *Config) Screen(name string) (Screen, bool) {
	for _, s := range c.Screens {
		if s.Name == name {
			return s, true
		}
	}
	return Screen{}, false
}

// Neighbor returns the canonical name of the screen on edge dir of name,
// or "" if none is linked.
func (c *Config) Neighbor(name string, dir Direction) string {
	var links Links
	for from, l := range c.Links {
		if canonical, ok := c.Canonical(from); ok && canonical == name {
			links = l
			break
		}
	}
	var to string
	switch dir {
	case Left:
		to = links.Left
	case Right:
		to = links.Right
	case Top:
		to = links.Top
	case Bottom:
		to = links.Bottom
	}
	canonical, _ := c.Canonical(to)
	return canonical
}

var halfDuplexOptions = map[string]protocol.OptionID{
	"capslock":   protocol.OptionHalfDuplexCapsLock,
	"numlock":    protocol.OptionHalfDuplexNumLock,
	"scrolllock": protocol.OptionHalfDuplexScrollLock,
}

var modifierOptions = map[string]protocol.OptionID{
	"shift": protocol.OptionModifierMapForShift,
	"ctrl":  protocol.OptionModifierMapForCtrl,
	"alt":   protocol.OptionModifierMapForAlt,
	"altgr": protocol.OptionModifierMapForAltGr,
	"meta":  protocol.OptionModifierMapForMeta,
	"super": protocol.OptionModifierMapForSuper,
}

var modifierIDs = map[string]uint32{
	"none":  protocol.ModifierIDNone,
	"shift": protocol.ModifierIDShift,
	"ctrl":  protocol.ModifierIDControl,
	"alt":   protocol.ModifierIDAlt,
	"meta":  protocol.ModifierIDMeta,
	"super": protocol.ModifierIDSuper,
	"altgr": protocol.ModifierIDAltGr,
}

// ClientOptions returns the option set sent to the named screen.
func (c *Config) ClientOptions(name string) protocol.Options {
	opts := protocol.Options{
		protocol.OptionScreenSaverSync:  boolOption(c.Options.ScreenSaverSync),
		protocol.OptionClipboardSharing: boolOption(c.Options.ClipboardSharing),
	}
	if c.Options.RelativeMouseMoves {
		opts[protocol.OptionRelativeMouseMoves] = 1
	}
	if c.Options.Heartbeat > 0 {
		opts[protocol.OptionHeartbeat] = uint32(c.Options.Heartbeat / time.Millisecond)
	}
	s, ok := c.Screen(name)
	if !ok {
		return opts
	}
	for _, lock := range s.HalfDuplex {
		opts[halfDuplexOptions[strings.ToLower(lock)]] = 1
	}
	for from, to := range s.ModifierMap {
		opts[modifierOptions[strings.ToLower(from)]] = modifierIDs[strings.ToLower(to)]
	}
	return opts
}

func boolOption(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func(*Config)
}

// NewManager creates a configuration manager for path. An empty path
// selects the per-user default location. localName seeds the layout used
// until a file is loaded.
func NewManager(path, localName string) (*Manager, error) {
	if path == "" {
		var err error
		path, err = getConfigPath()
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		configPath: path,
		config:     DefaultConfig(localName),
	}, nil
}

// Path returns the file the manager reads and writes.
func (m *Manager) Path() string { return m.configPath }

// getConfigPath returns the path to the configuration file
func getConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "leapkvm")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "leapkvm")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config", "leapkvm")
	}

	return filepath.Join(configDir, "layout.yaml"), nil
}

// Load reads the layout from disk. A missing file keeps the current
// layout. A file that fails validation leaves the current layout in
// place and returns an error wrapping ErrInvalid.
func (m *Manager) Load() error {
	m.mu.Lock()
	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, os.ErrNotExist) {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cfg, err := Parse(data)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.configPath, err)
	}
	m.config = cfg
	fn := m.onChanged
	m.mu.Unlock()

	if fn != nil {
		fn(cfg)
	}
	return nil
}

// Save writes the layout to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.configPath, data, 0644)
}

// Get returns the current layout. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Set replaces the layout after validating it.
func (m *Manager) Set(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn(cfg)
	}
	return nil
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}
