package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/autoresume/autoresume/internal/discover"
)

// PTYMode selects how bytes reach the terminal.
type PTYMode int

const (
	// PTYWrite writes the bytes to the device.
	PTYWrite PTYMode = iota

	// PTYInject pushes each byte into the terminal's input queue (TIOCSTI)
	// and falls back to PTYWrite where the kernel forbids it.
	PTYInject
)

// Terminal is an open pseudo-terminal device.
type Terminal interface {
	io.Writer
	io.Closer
	Fd() uintptr
}

// PTYChannel writes the sequence straight to a session's pseudo-terminal.
// It needs no window focus, so it keeps working with the screen locked.
type PTYChannel struct {
	Seq  Sequence
	Mode PTYMode

	// Open opens a device for writing. Nil uses OpenTerminal.
	Open func(path string) (Terminal, error)
}

// Name implements Channel.
func (c *PTYChannel) Name() Tier { return TierPseudoTerminal }

// OpenTerminal opens path write-only without making it the controlling tty.
func OpenTerminal(path string) (Terminal, error) {
	return os.OpenFile(path, os.O_WRONLY|unix.O_NOCTTY, 0)
}

// Deliver writes the paced byte sequence. A multiplexer target is reached
// through its pane's device.
func (c *PTYChannel) Deliver(ctx context.Context, t discover.Target) error {
	path := t.TTY
	if path == "" && t.Pane != nil {
		path = t.Pane.TTY
	}
	if path == "" {
		return ErrUnsupportedTarget
	}

	open := c.Open
	if open == nil {
		open = OpenTerminal
	}
	term, err := open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer term.Close()

	inject := c.Mode == PTYInject
	for i, chunk := range c.Seq.PTYChunks() {
		if inject {
			err := injectBytes(term.Fd(), chunk.Bytes)
			if err == nil {
				if err := sleep(ctx, chunk.After); err != nil {
					return err
				}
				continue
			}
			if !errors.Is(err, errInjectUnsupported) {
				return fmt.Errorf("injecting chunk %d into %s: %w", i+1, path, err)
			}
			// Only the first chunk can fall back; a half-injected sequence
			// must not be finished with plain writes.
			if i > 0 {
				return fmt.Errorf("injecting chunk %d into %s: %w", i+1, path, err)
			}
			inject = false
		}
		if _, err := term.Write(chunk.Bytes); err != nil {
			return fmt.Errorf("writing chunk %d to %s: %w", i+1, path, err)
		}
		if err := sleep(ctx, chunk.After); err != nil {
			return err
		}
	}
	return nil
}
