// Package autostart installs a per-user login item that relaunches
// leapkvm with a fixed command line.
package autostart

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// ErrUnsupported is returned on platforms without a known login item
// location.
var ErrUnsupported = errors.New("auto-start is not supported on this platform")

const launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.leapkvm.agent</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Command}}
        <string>{{xml .}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`

const desktopEntry = `[Desktop Entry]
Type=Application
Name=leapkvm
Comment=Share keyboard and mouse
Exec={{exec .Command}}
X-GNOME-Autostart-enabled=true
NoDisplay=true
`

var templates = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml":  xmlEscape,
	"exec": execLine,
}).Parse(launchAgentPlist))

func init() {
	template.Must(templates.New("desktop").Parse(desktopEntry))
}

// Entry locates the login item of one user.
type Entry struct {
	// GOOS selects the format. Empty means runtime.GOOS.
	GOOS string
	// Home is the user's home directory. Empty means os.UserHomeDir.
	Home string
	// ConfigHome overrides $XDG_CONFIG_HOME on XDG systems.
	ConfigHome string
}

// Path returns the file that holds the login item.
func (e Entry) Path() (string, error) {
	home := e.Home
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return "", err
		}
	}
	switch e.goos() {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", "com.leapkvm.agent.plist"), nil
	case "windows", "plan9", "js", "wasip1":
		return "", fmt.Errorf("%w (%s)", ErrUnsupported, e.goos())
	}
	dir := e.ConfigHome
	if dir == "" {
		dir = os.Getenv("XDG_CONFIG_HOME")
	}
	if dir == "" {
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "autostart", "leapkvm.desktop"), nil
}

// Enable writes the login item so command runs at login, replacing any
// existing one. command[0] is the executable.
func (e Entry) Enable(command []string) error {
	if len(command) == 0 {
		return errors.New("autostart: empty command")
	}
	path, err := e.Path()
	if err != nil {
		return err
	}
	name := "desktop"
	if e.goos() == "darwin" {
		name = "plist"
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, struct{ Command []string }{command}); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Disable removes the login item. A missing item is not an error.
func (e Entry) Disable() error {
	path, err := e.Path()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Enabled reports whether the login item exists.
func (e Entry) Enabled() bool {
	path, err := e.Path()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (e Entry) goos() string {
	if e.GOOS != "" {
		return e.GOOS
	}
	return runtime.GOOS
}

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// execLine quotes args per the desktop entry Exec rules.
func execLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n\"'\\><~|&;$*?#()`") {
			quoted[i] = strings.ReplaceAll(a, "%", "%%")
			continue
		}
		r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`, "%", "%%")
		quoted[i] = `"` + r.Replace(a) + `"`
	}
	return strings.Join(quoted, " ")
}
