// Package ui answers questions about the terminal the CLI writes to.
package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal returns true if stdout is connected to a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsStdinTerminal returns true if stdin is a terminal, meaning nothing was
// piped in.
func IsStdinTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ShouldUseColor determines if ANSI color codes should be used.
// Respects NO_COLOR (https://no-color.org/), CLICOLOR, and CLICOLOR_FORCE conventions.
func ShouldUseColor() bool {
	return colorEnabled(os.LookupEnv, IsTerminal)
}

func colorEnabled(lookup func(string) (string, bool), tty func() bool) bool {
	// NO_COLOR takes precedence - any value disables color
	if _, exists := lookup("NO_COLOR"); exists {
		return false
	}
	if v, _ := lookup("CLICOLOR"); v == "0" {
		return false
	}
	if _, exists := lookup("CLICOLOR_FORCE"); exists {
		return true
	}
	return tty()
}

// TerminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TerminalWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}
