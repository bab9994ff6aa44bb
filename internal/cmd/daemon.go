package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/daemon"
	"github.com/autoresume/autoresume/internal/exitcode"
	"github.com/autoresume/autoresume/internal/scheduler"
	"github.com/autoresume/autoresume/internal/style"
	"github.com/autoresume/autoresume/internal/ui"
)

var startCmd = &cobra.Command{
	Use:     "start",
	GroupID: GroupDaemon,
	Short:   "Start the daemon",
	Long: `Start the autoresume daemon.

Without --background the daemon runs in the foreground and logs to the
terminal as well as ~/.autoresume/daemon.log. It runs until stopped with
'autoresume stop' or interrupted.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"run"},
	GroupID: GroupDaemon,
	Short:   "Run the daemon in the foreground",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForeground(cmd)
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: GroupDaemon,
	Short:   "Stop the daemon",
	Long:    `Stop the running autoresume daemon.`,
	Args:    cobra.NoArgs,
	RunE:    runStop,
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupDaemon,
	Short:   "Show daemon status",
	Long:    `Show whether the daemon is running, its health, and the resume it is tracking.`,
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

var restartCmd = &cobra.Command{
	Use:     "restart",
	GroupID: GroupDaemon,
	Short:   "Restart the daemon",
	Long:    `Stop and start the daemon in the background. Useful after upgrading autoresume.`,
	Args:    cobra.NoArgs,
	RunE:    runRestart,
}

var ensureCmd = &cobra.Command{
	Use:     "ensure",
	GroupID: GroupDaemon,
	Short:   "Start the daemon unless a healthy one is running",
	Long: `Start the daemon in the background if it is not running, or restart it
if its heartbeat is stale. Suitable for a login item or a cron entry.`,
	Args: cobra.NoArgs,
	RunE: runEnsure,
}

var logsCmd = &cobra.Command{
	Use:     "logs",
	GroupID: GroupDiag,
	Short:   "View daemon logs",
	Long:    `View the daemon log file.`,
	Args:    cobra.NoArgs,
	RunE:    runLogs,
}

var (
	startBackground bool
	statusJSON      bool
	logLines        int
	logFollow       bool
)

func init() {
	startCmd.Flags().BoolVarP(&startBackground, "background", "d", false, "Detach and run in the background")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(startCmd, monitorCmd, stopCmd, statusCmd, restartCmd, ensureCmd, logsCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if startBackground {
		return startDetached()
	}
	return runForeground(cmd)
}

// runForeground runs the daemon loop in this process.
func runForeground(cmd *cobra.Command) error {
	d, err := daemon.New(daemon.Options{
		StateDir: stateDir,
		Config:   cfg,
		Console:  cmd.ErrOrStderr(),
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	if err := d.Run(); err != nil {
		if errors.Is(err, daemon.ErrWatchdogExhausted) {
			return exitcode.Wrap(exitcode.ErrWatchdog, "daemon stopped", err)
		}
		if errors.Is(err, daemon.ErrCyclePanic) {
			return exitcode.Wrap(exitcode.ErrCrashed, "daemon stopped", err)
		}
		return err
	}
	return nil
}

// startDetached spawns `autoresume start` in its own session.
func startDetached() error {
	running, pid, err := daemon.IsRunning(stateDir)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		fmt.Printf("%s Daemon already running (PID %d)\n", ui.RenderWarnIcon(), pid)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}
	var extra []string
	if configPath != "" {
		extra = append(extra, "--config", configPath)
	}
	pid, err = daemon.StartBackground(exe, extra, stateDir)
	if err != nil {
		return err
	}
	fmt.Printf("%s Daemon started (PID %d, v%s)\n", ui.RenderPassIcon(), pid, Version)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := daemon.StopDaemon(stateDir, cfg.Daemon.ShutdownGrace()+2*time.Second)
	if err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
		return fmt.Errorf("stopping daemon: %w", err)
	}
	fmt.Printf("%s Daemon stopped (was PID %d)\n", ui.RenderPassIcon(), pid)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	pid, err := daemon.StopDaemon(stateDir, cfg.Daemon.ShutdownGrace()+2*time.Second)
	switch {
	case err == nil:
		fmt.Printf("%s Daemon stopped (was PID %d)\n", ui.RenderPassIcon(), pid)
	case errors.Is(err, daemon.ErrNotRunning):
	default:
		return fmt.Errorf("stopping daemon: %w", err)
	}
	return startDetached()
}

func runEnsure(cmd *cobra.Command, args []string) error {
	running, pid, err := daemon.IsRunning(stateDir)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		health := daemon.CheckHealth(constants.HeartbeatPath(stateDir), cfg.Daemon.HeartbeatStale(), time.Now())
		if health.Healthy {
			fmt.Printf("%s Daemon healthy (PID %d)\n", ui.RenderPassIcon(), pid)
			return nil
		}
		fmt.Printf("%s Daemon PID %d unhealthy: %s; restarting\n", ui.RenderWarnIcon(), pid, health.Reason)
		if _, err := daemon.StopDaemon(stateDir, cfg.Daemon.ShutdownGrace()); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("stopping wedged daemon: %w", err)
		}
	}
	return startDetached()
}

// statusReport is the --json shape of `autoresume status`.
type statusReport struct {
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Health  daemon.Health `json:"health"`
	State   *daemon.State `json:"state,omitempty"`
	LogFile string        `json:"logFile"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	running, pid, err := daemon.IsRunning(stateDir)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	report := statusReport{
		Running: running,
		PID:     pid,
		Health:  daemon.CheckHealth(constants.HeartbeatPath(stateDir), cfg.Daemon.HeartbeatStale(), time.Now()),
		LogFile: constants.LogPath(stateDir),
	}
	if st, err := daemon.LoadState(stateDir); err == nil && !st.StartedAt.IsZero() {
		report.State = st
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !running {
		fmt.Printf("%s Daemon not running\n", ui.RenderMuted("○"))
		fmt.Println()
		fmt.Printf("  State dir:  %s\n", ui.ShortenPath(stateDir))
		fmt.Println()
		fmt.Printf("  Start with: %s\n", ui.RenderMuted("autoresume start -d"))
		return nil
	}

	icon := ui.RenderPassIcon()
	if !report.Health.Healthy {
		icon = ui.RenderWarnIcon()
	}
	fmt.Printf("%s Daemon running (PID %d, v%s)\n", icon, pid, Version)
	fmt.Println()
	fmt.Printf("  State dir:  %s\n", ui.ShortenPath(stateDir))
	if st := report.State; st != nil {
		fmt.Printf("  Started:    %s (%s)\n",
			st.StartedAt.Format("2006-01-02 15:04:05"), ui.RelativeTime(st.StartedAt))
		if !st.LastHeartbeat.IsZero() {
			fmt.Printf("  Heartbeat:  #%d (%s)\n", st.HeartbeatCount, ui.RelativeTime(st.LastHeartbeat))
		}
		fmt.Printf("  Pending:    %d\n", st.PendingCount)
		fmt.Printf("  Scheduler:  %s\n", describeScheduler(st.Scheduler))
	}
	if !report.Health.Healthy {
		fmt.Printf("  %s %s\n", ui.RenderFailIcon(), report.Health.Reason)
		fmt.Printf("    Run: %s\n", ui.RenderMuted("autoresume ensure"))
	}
	fmt.Printf("  Log:        %s\n", ui.ShortenPath(report.LogFile))

	if st := report.State; st != nil {
		if binaryModTime, err := getBinaryModTime(); err == nil && binaryModTime.After(st.StartedAt) {
			fmt.Println()
			fmt.Printf("  %s Binary updated since daemon start\n", ui.RenderWarnIcon())
			fmt.Printf("    Run: %s\n", ui.RenderMuted("autoresume restart"))
		}
	}
	return nil
}

var titleCaser = cases.Title(language.English, cases.NoLower)

// describeScheduler renders a snapshot as one status line.
func describeScheduler(s scheduler.Snapshot) string {
	if s.State == "" {
		s.State = scheduler.StateIdle
	}
	line := style.Bold.Render(titleCaser.String(string(s.State)))
	if s.TrackedID != "" {
		line += fmt.Sprintf(" %s", style.Dim.Render(shortID(s.TrackedID)))
	}
	if !s.TrackedResetTime.IsZero() {
		line += fmt.Sprintf(", reset %s", s.TrackedResetTime.Local().Format("15:04 MST"))
	}
	if s.Attempt > 0 {
		line += fmt.Sprintf(", attempt %d", s.Attempt)
	}
	if !s.NextAt.IsZero() {
		line += fmt.Sprintf(", next step %s", ui.RelativeTime(s.NextAt))
	}
	if s.LastError != "" {
		line += ", last error: " + style.Error.Render(s.LastError)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// getBinaryModTime returns the modification time of the current executable
func getBinaryModTime() (time.Time, error) {
	exePath, err := os.Executable()
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(exePath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	logFile := constants.LogPath(stateDir)
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	if logFollow {
		// Use tail -f for following
		tailCmd := exec.Command("tail", "-f", logFile)
		tailCmd.Stdout = os.Stdout
		tailCmd.Stderr = os.Stderr
		return tailCmd.Run()
	}

	// Use tail -n for last N lines
	tailCmd := exec.Command("tail", "-n", strconv.Itoa(logLines), logFile)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}
