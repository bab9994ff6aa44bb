// Package deliver injects the resume key sequence into target sessions
// through tmux, the session's pseudo-terminal, or desktop UI automation.
package deliver

import (
	"context"
	"errors"
	"time"

	"github.com/autoresume/autoresume/internal/discover"
)

// Tier names a delivery channel.
type Tier string

const (
	TierMultiplexer    Tier = "multiplexer"
	TierPseudoTerminal Tier = "pseudoTerminal"
	TierUIAutomation   Tier = "uiAutomation"
)

var (
	// ErrNoTargets is returned when there was nothing to deliver to and no
	// fallback channel is configured.
	ErrNoTargets = errors.New("no reachable targets")

	// ErrUnsupportedTarget is returned when a channel cannot address a target.
	ErrUnsupportedTarget = errors.New("target not reachable by this channel")

	// ErrToolMissing is returned when the UI automation tool is not installed.
	ErrToolMissing = errors.New("ui automation tool not installed")

	// ErrNoDisplay is returned when UI automation has no display to drive.
	ErrNoDisplay = errors.New("no graphical display")
)

// Channel delivers the resume sequence to one target.
type Channel interface {
	Name() Tier
	Deliver(ctx context.Context, t discover.Target) error
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
