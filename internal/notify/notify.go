// Package notify sends best-effort desktop notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/autoresume/autoresume/internal/util"
)

// DefaultTimeout bounds one notification.
const DefaultTimeout = 3 * time.Second

// ErrUnsupported is returned when no notification tool is available.
var ErrUnsupported = errors.New("no desktop notification tool available")

// Notifier delivers a short message to the user.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Desktop shells out to notify-send on Linux and osascript on macOS.
type Desktop struct {
	Timeout time.Duration

	// Run and LookPath are seams for tests. Nil uses the real ones.
	Run      func(ctx context.Context, name string, args ...string) error
	LookPath func(name string) bool
	GOOS     string
}

// NewDesktop returns a Desktop with default settings.
func NewDesktop() *Desktop {
	return &Desktop{Timeout: DefaultTimeout}
}

// Notify implements Notifier.
func (d *Desktop) Notify(ctx context.Context, title, body string) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := d.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return util.ExecRunContext(ctx, "", name, args...)
		}
	}
	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = util.CommandExists
	}
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	name, args := command(goos, title, body)
	if name == "" || !lookPath(name) {
		return ErrUnsupported
	}
	if err := run(ctx, name, args...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func command(goos, title, body string) (string, []string) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(body), appleScriptString(title))
		return "osascript", []string{"-e", script}
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=autoresume", title, body}
	default:
		return "", nil
	}
}

// appleScriptString quotes s as an AppleScript string literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string, string) error { return nil }
