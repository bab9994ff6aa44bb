package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoresume/autoresume/internal/detect"
	"github.com/autoresume/autoresume/internal/ui"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:     "check [text...]",
	GroupID: GroupDiag,
	Short:   "Classify a message as a usage-limit notice",
	Long: `Runs the classifier on the given text, or on stdin when no text is given,
and prints whether it is a usage-limit notice and when the limit resets.

Examples:
  autoresume check "You've hit your limit · resets 7pm (America/New_York)"
  tail -n1 session.jsonl | autoresume check --json`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		if ui.IsStdinTerminal() {
			return fmt.Errorf("no text given; pass it as arguments or on stdin")
		}
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = string(data)
	}
	return printCheck(cmd.OutOrStdout(), detect.Classify(text, time.Now()), checkJSON)
}

func printCheck(w io.Writer, r detect.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if !r.Matched {
		fmt.Fprintf(w, "%s not a usage-limit notice (%s)\n", ui.RenderMuted("○"), r.Reason)
		return nil
	}
	fmt.Fprintf(w, "%s usage-limit notice (%s)\n", ui.RenderPassIcon(), r.Source)
	fmt.Fprintf(w, "  Resets:   %s (%s)\n", r.ResetTime.Format(time.RFC3339), ui.RelativeTime(r.ResetTime))
	if r.Timezone != "" {
		fmt.Fprintf(w, "  Timezone: %s\n", r.Timezone)
	}
	if r.ResetSource != "" {
		fmt.Fprintf(w, "  From:     %s\n", r.ResetSource)
	}
	return nil
}
