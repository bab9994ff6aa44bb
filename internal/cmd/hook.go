package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/daemon"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/style"
	"github.com/autoresume/autoresume/internal/transcript"
)

var hookCmd = &cobra.Command{
	Use:     "hook",
	GroupID: GroupQueue,
	Short:   "Entry points for claude hooks",
	RunE:    requireSubcommand,
}

var hookStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "End-of-turn hook: record usage-limit notices",
	Long: `Reads the Stop hook payload from stdin, scans the recent part of the
session transcript for usage-limit notices and records each one for the
daemon.

Install it in ~/.claude/settings.json:

  "hooks": {"Stop": [{"hooks": [{"type": "command", "command": "autoresume hook stop"}]}]}

The hook never fails the turn: problems are reported on stderr and the
exit status is always 0.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The host CLI runs the hook as its own child.
		if err := runHookStop(cmd.InOrStdin(), cmd.ErrOrStderr(), time.Now(), os.Getppid()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "autoresume hook: %v\n", err)
		}
		return nil
	},
}

func init() {
	hookCmd.AddCommand(hookStopCmd)
	rootCmd.AddCommand(hookCmd)
}

// runHookStop ingests the transcript named by the hook payload, falling back
// to the most recently modified transcript. sessionPID is recorded as the
// detection's target hint.
func runHookStop(stdin io.Reader, stderr io.Writer, now time.Time, sessionPID int) error {
	in, err := transcript.ParseHookInput(stdin)
	if err != nil {
		return err
	}

	store := queue.NewStore(constants.DetectionsPath(stateDir))
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	defer func() {
		if err := store.TouchHookRun(now); err != nil {
			fmt.Fprintf(stderr, "autoresume hook: recording run: %v\n", err)
		}
	}()

	path := in.TranscriptPath
	if path == "" {
		path, _, err = transcript.Latest(cfg.Transcripts.Root)
		if errors.Is(err, transcript.ErrNoTranscripts) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	entries, err := transcript.Tail(path, transcript.DefaultTailBytes)
	if err != nil {
		return fmt.Errorf("reading transcript: %w", err)
	}
	res, err := daemon.Ingest(store, daemon.IngestRequest{
		Entries:        entries,
		SessionID:      in.SessionID,
		TranscriptPath: path,
		Now:            now,
		TargetPID:      sessionPID,
	})
	if err != nil {
		return err
	}
	if len(res.Added) == 0 {
		return nil
	}

	for _, d := range res.Added {
		fmt.Fprintf(stderr, "%s usage limit recorded; resume scheduled for %s\n",
			style.SuccessPrefix, d.ResetTime.Local().Format("15:04 MST"))
	}
	if running, _, _ := daemon.IsRunning(stateDir); !running {
		fmt.Fprintf(stderr, "%s autoresume daemon is not running; start it with 'autoresume start -d'\n",
			style.WarningPrefix)
	}
	return nil
}
