// Package cmd provides CLI commands for the autoresume tool.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autoresume/autoresume/internal/config"
	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/daemon"
	"github.com/autoresume/autoresume/internal/exitcode"
	"github.com/autoresume/autoresume/internal/style"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configPath string
	cfg        *config.Config
	stateDir   string
)

var rootCmd = &cobra.Command{
	Use:     "autoresume",
	Short:   "Resume claude sessions when a usage limit resets",
	Version: Version,
	Long: `autoresume watches for usage-limit notices from the claude CLI and,
once the limit resets, types the resume keystrokes into every waiting
session.

The end-of-turn hook ('autoresume hook stop') records detections; the
daemon ('autoresume start') waits for the reset and delivers the resume.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Command group IDs - used by subcommands to organize help output
const (
	GroupDaemon = "daemon"
	GroupQueue  = "queue"
	GroupDiag   = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: GroupQueue, Title: "Detections:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $AUTORESUME_CONFIG or ~/.autoresume/config.toml)")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return exitcode.Usage("%v\n\n%sRun '%s --help' for usage",
			err, c.UsageString(), buildCommandPath(c))
	})
}

// loadConfig resolves the state directory and reads the configuration.
// A broken file is reported and replaced by defaults so recovery commands
// keep working.
func loadConfig(cmd *cobra.Command, _ []string) error {
	stateDir = constants.StateDir()
	path := resolveConfigPath()

	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		if cmd.Name() == "show" || cmd.Name() == "check" {
			return fmt.Errorf("loading config: %w", err)
		}
		style.PrintWarning("using default config: %v", err)
	}
	cfg = loaded
	return nil
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(constants.EnvConfig); p != "" {
		return p
	}
	return constants.ConfigPath(constants.StateDir())
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	return exitCode(rootCmd.Execute())
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitcode.Success
	}
	switch {
	case errors.Is(err, daemon.ErrWatchdogExhausted):
		return exitcode.ErrWatchdog
	case errors.Is(err, daemon.ErrCyclePanic):
		return exitcode.ErrCrashed
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return exitcode.ErrAlreadyRunning
	case errors.Is(err, daemon.ErrNotRunning):
		return exitcode.ErrNotRunning
	case strings.HasPrefix(err.Error(), "unknown command"),
		strings.HasPrefix(err.Error(), "accepts "),
		strings.HasPrefix(err.Error(), "requires at least"):
		// cobra's own argument and command errors are not typed.
		return exitcode.ErrUsage
	}
	return exitcode.Code(err)
}

// buildCommandPath walks the command hierarchy to build the full command path.
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns a RunE function for parent commands that require
// a subcommand. Without this, Cobra silently shows help and exits 0 for
// unknown subcommands like "autoresume queue foobar", masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return exitcode.Usage("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return exitcode.Usage("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
