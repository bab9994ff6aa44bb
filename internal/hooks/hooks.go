// Package hooks is the lifecycle hook registry. Hooks observe the resume
// pipeline; a slow or panicking hook never affects the others or the caller.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Name identifies a lifecycle point.
type Name string

const (
	DetectionFound Name = "detection-found"
	ResumeSent     Name = "resume-sent"
	ResumeFailed   Name = "resume-failed"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUnknownHook is returned when registering under a name that is not
	// a lifecycle point.
	ErrUnknownHook = errors.New("unknown hook name")

	// ErrHookTimeout is returned for a hook that outlived its timeout.
	ErrHookTimeout = errors.New("hook timed out")

	// ErrHookPanic is returned for a hook that panicked.
	ErrHookPanic = errors.New("hook panicked")
)

// Names returns every valid hook name.
func Names() []Name {
	return []Name{DetectionFound, ResumeSent, ResumeFailed}
}

// ParseName validates s as a hook name.
func ParseName(s string) (Name, error) {
	for _, n := range Names() {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownHook, s)
}

// Event is what a hook receives.
type Event struct {
	Hook        Name      `json:"hook"`
	DetectionID string    `json:"detectionId,omitempty"`
	ResetTime   time.Time `json:"resetTime,omitzero"`
	Message     string    `json:"message,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Tiers       []string  `json:"tiers,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Func is a hook body. It should honor ctx; one that does not is abandoned
// at the timeout.
type Func func(ctx context.Context, ev Event) error

type entry struct {
	label string
	fn    Func
}

// Registry holds hooks by name.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[Name][]entry
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewRegistry returns an empty registry. A nil logger discards output; a
// non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, log *zap.SugaredLogger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{hooks: make(map[Name][]entry), timeout: timeout, log: log}
}

// Register adds fn under name. label appears in logs and errors.
func (r *Registry) Register(name, label string, fn Func) error {
	n, err := ParseName(name)
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("hook %s/%s: nil function", name, label)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[n] = append(r.hooks[n], entry{label: label, fn: fn})
	return nil
}

// RegisterCommands registers a CommandHook for every configured command.
// All names are validated before any hook is added.
func (r *Registry) RegisterCommands(commands map[string][]string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		if _, err := ParseName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, c := range commands[name] {
			if strings.TrimSpace(c) == "" {
				continue
			}
			if err := r.Register(name, c, CommandHook(c)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns how many hooks are registered under name.
func (r *Registry) Count(name Name) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[name])
}

// Fire runs every hook registered under ev.Hook in registration order and
// returns their errors. Failures are logged, never propagated as panics.
func (r *Registry) Fire(ctx context.Context, ev Event) []error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.mu.RLock()
	hooks := append([]entry(nil), r.hooks[ev.Hook]...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := r.invoke(ctx, h, ev); err != nil {
			r.log.Warnf("hook %s (%s) failed: %v", ev.Hook, h.label, err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", ev.Hook, h.label, err))
		}
	}
	return errs
}

func (r *Registry) invoke(ctx context.Context, h entry, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrHookPanic, p)
			}
		}()
		done <- h.fn(ctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHookTimeout, r.timeout)
		}
		return ctx.Err()
	}
}

// CommandHook runs command through sh with the event as JSON on stdin.
func CommandHook(command string) Func {
	return func(ctx context.Context, ev Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // operator-configured command
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}
}
