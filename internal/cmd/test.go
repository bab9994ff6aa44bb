package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoresume/autoresume/internal/daemon"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/ui"
)

var testSeconds int

var testCmd = &cobra.Command{
	Use:     "test",
	GroupID: GroupDiag,
	Short:   "Rehearse a resume against the running sessions",
	Long: `Records a synthetic detection that resets in --seconds, then runs the
daemon in the foreground with no post-reset delay. Every claude session
found receives the resume keystrokes when the countdown ends.

Stop any background daemon first; only one daemon can run at a time.`,
	Args: cobra.NoArgs,
	RunE: runTest,
}

func init() {
	testCmd.Flags().IntVar(&testSeconds, "seconds", 10, "Seconds until the synthetic reset")
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	if testSeconds < 0 {
		return fmt.Errorf("--seconds must not be negative")
	}
	if running, pid, err := daemon.IsRunning(stateDir); err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	} else if running {
		return fmt.Errorf("%w (PID %d); stop it with 'autoresume stop'", daemon.ErrAlreadyRunning, pid)
	}

	cfg.Resume.PostResetDelaySeconds = 0
	reset := time.Now().Add(time.Duration(testSeconds) * time.Second).Truncate(time.Second)
	_, d, err := openStore().AddDetection(queue.Detection{
		ResetTime: reset,
		Message:   "synthetic detection from autoresume test",
	})
	if err != nil {
		return fmt.Errorf("recording test detection: %w", err)
	}
	fmt.Printf("%s Test detection %s resets at %s\n", ui.RenderPassIcon(), shortID(d.ID), reset.Format("15:04:05"))
	return runForeground(cmd)
}
