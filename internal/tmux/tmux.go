// Package tmux provides a wrapper for tmux pane operations via subprocess.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotInstalled    = errors.New("tmux not installed")
)

// defaultTimeout bounds every tmux invocation that arrives without a deadline.
const defaultTimeout = 5 * time.Second

// Tmux wraps tmux operations.
type Tmux struct {
	// Socket selects a named server (-L). Empty uses the default server.
	Socket string
}

// NewTmux creates a new Tmux wrapper for the default server.
func NewTmux() *Tmux {
	return &Tmux{}
}

// IsAvailable reports whether the tmux binary is on PATH.
func IsAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// run executes a tmux command and returns stdout.
// All commands include -u flag for UTF-8 support regardless of locale settings.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	allArgs := []string{"-u"}
	if t.Socket != "" {
		allArgs = append(allArgs, "-L", t.Socket)
	}
	allArgs = append(allArgs, args...)

	cmd := exec.CommandContext(ctx, "tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrNotInstalled
		}
		return "", t.wrapError(err, stderr.String(), args)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// wrapError wraps tmux errors with context.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// Pane is one tmux pane on the server.
type Pane struct {
	// ID is the server-unique pane id, e.g. "%5".
	ID string

	// Address is "session:window.pane".
	Address string

	// PID is the pane's root process.
	PID int

	// Command is pane_current_command.
	Command string

	// TTY is the pane's pseudo-terminal device.
	TTY string
}

const paneFormat = "#{pane_id}\t#{pane_pid}\t#{session_name}:#{window_index}.#{pane_index}\t#{pane_current_command}\t#{pane_tty}"

// ListPanes returns every pane across all sessions. No server means no panes.
func (t *Tmux) ListPanes(ctx context.Context) ([]Pane, error) {
	out, err := t.run(ctx, "list-panes", "-a", "-F", paneFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parsePanes(out), nil
}

// parsePanes parses list-panes output in paneFormat. Malformed lines are skipped.
func parsePanes(out string) []Pane {
	if out == "" {
		return nil
	}
	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 5)
		if len(parts) < 5 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		panes = append(panes, Pane{
			ID:      parts[0],
			PID:     pid,
			Address: parts[2],
			Command: parts[3],
			TTY:     strings.TrimSpace(parts[4]),
		})
	}
	return panes
}

// SendKeysRaw sends tmux key names (e.g. "Escape", "C-u", "Enter") without
// adding Enter.
func (t *Tmux) SendKeysRaw(ctx context.Context, target, keys string) error {
	_, err := t.run(ctx, "send-keys", "-t", target, keys)
	return err
}

// SendKeysLiteral types text literally (-l), so key names inside it are not
// interpreted.
func (t *Tmux) SendKeysLiteral(ctx context.Context, target, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", target, "-l", text)
	return err
}

// CapturePane captures the last lines of a pane.
func (t *Tmux) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	return t.run(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", lines))
}
