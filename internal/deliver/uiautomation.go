package deliver

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/autoresume/autoresume/internal/discover"
	"github.com/autoresume/autoresume/internal/util"
)

// typeDelayMs is xdotool's per-character delay for typed text.
const typeDelayMs = "12"

// UIAutomationChannel types the sequence into whatever window has focus,
// using an external keystroke tool. It ignores the target; it is the last
// resort when nothing addressable was found.
type UIAutomationChannel struct {
	// Tool is the automation binary, normally "xdotool".
	Tool string
	Seq  Sequence

	// Run executes the tool. Nil runs it as a subprocess.
	Run func(ctx context.Context, name string, args ...string) error

	// LookPath reports whether the tool exists. Nil checks PATH.
	LookPath func(name string) bool

	// Getenv reads the environment. Nil uses os.Getenv.
	Getenv func(key string) string
}

// Name implements Channel.
func (c *UIAutomationChannel) Name() Tier { return TierUIAutomation }

// Deliver implements Channel.
func (c *UIAutomationChannel) Deliver(ctx context.Context, _ discover.Target) error {
	tool := c.Tool
	if tool == "" {
		tool = "xdotool"
	}
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = util.CommandExists
	}
	if !lookPath(tool) {
		return fmt.Errorf("%w: %s", ErrToolMissing, tool)
	}
	getenv := c.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if runtime.GOOS == "linux" && getenv("DISPLAY") == "" && getenv("WAYLAND_DISPLAY") == "" {
		return ErrNoDisplay
	}
	run := c.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return util.ExecRunContext(ctx, "", name, args...)
		}
	}

	steps := []struct {
		args  []string
		after time.Duration
	}{
		{[]string{"key", "--clearmodifiers", "Escape"}, c.Seq.KeyDelay},
		{[]string{"key", "--clearmodifiers", "Escape"}, c.Seq.KeyDelay},
		{[]string{"type", "--clearmodifiers", c.Seq.MenuKey}, c.Seq.MenuSettle},
		{[]string{"key", "--clearmodifiers", "Escape"}, c.Seq.KeyDelay},
		{[]string{"key", "--clearmodifiers", "ctrl+u"}, c.Seq.KeyDelay},
		{[]string{"type", "--clearmodifiers", "--delay", typeDelayMs, c.Seq.Text}, c.Seq.KeyDelay},
		{[]string{"key", "--clearmodifiers", "Return"}, 0},
	}
	for i, step := range steps {
		if err := run(ctx, tool, step.args...); err != nil {
			return fmt.Errorf("%s step %d: %w", tool, i+1, err)
		}
		if err := sleep(ctx, step.after); err != nil {
			return err
		}
	}
	return nil
}
