// Package style provides the terminal styles used by CLI output.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	// ui selects the color profile before any style renders.
	_ "github.com/autoresume/autoresume/internal/ui"
)

var (
	Success = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#86b300"})
	Warning = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#f2ae49"})
	Error   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#f07171"})
	Info    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#59c2ff"})
	Dim     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#6c7680"})
	Bold    = lipgloss.NewStyle().Bold(true)

	Green  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Red    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	Cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
	ArrowPrefix   = Info.Render("→")
)

// PrintWarning writes a formatted warning to stderr.
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", WarningPrefix, fmt.Sprintf(format, args...))
}
