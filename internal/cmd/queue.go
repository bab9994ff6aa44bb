package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/style"
	"github.com/autoresume/autoresume/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: GroupQueue,
	Short:   "Inspect and maintain recorded detections",
	RunE:    requireSubcommand,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded detections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds, err := openStore().List()
		if err != nil {
			return err
		}
		width := 0
		if ui.IsTerminal() {
			width = ui.TerminalWidth(defaultTermWidth)
		}
		return printQueue(cmd.OutOrStdout(), ds, queueJSON, width)
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished detections",
	Long: `Remove completed and failed detections that finished longer ago than
--older-than. Pending detections are never removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openStore().Prune(pruneOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Pruned %d detection(s)\n", ui.RenderPassIcon(), n)
		return nil
	},
}

var (
	queueJSON      bool
	pruneOlderThan time.Duration
)

func init() {
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Output as JSON")
	queuePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Age of finished detections to remove")

	queueCmd.AddCommand(queueListCmd, queuePruneCmd)
	rootCmd.AddCommand(queueCmd)
}

func openStore() *queue.Store {
	return queue.NewStore(constants.DetectionsPath(stateDir))
}

const (
	defaultTermWidth = 100

	// queueFixedWidth is the indent plus every column but MESSAGE, with
	// separators.
	queueFixedWidth = 2 + 8 + 1 + 10 + 1 + 20 + 1 + 5 + 1
	minMessageWidth = 20
	defaultMsgWidth = 48
)

// printQueue renders ds as a table sized to width, or as JSON. A width of
// zero means plain output for pipes: default column sizes, no header rule.
func printQueue(w io.Writer, ds []queue.Detection, asJSON bool, width int) error {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].ResetTime.Before(ds[j].ResetTime) })
	if asJSON {
		if ds == nil {
			ds = []queue.Detection{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ds)
	}
	if len(ds) == 0 {
		fmt.Fprintln(w, "No detections recorded")
		return nil
	}

	msgWidth := defaultMsgWidth
	if width > 0 {
		msgWidth = max(width-queueFixedWidth, minMessageWidth)
	}
	tbl := style.NewTable(
		style.Column{Name: "ID", Width: 8},
		style.Column{Name: "STATUS", Width: 10},
		style.Column{Name: "RESETS", Width: 20},
		style.Column{Name: "TRIES", Width: 5, Align: style.AlignRight},
		style.Column{Name: "MESSAGE", Width: msgWidth},
	).SetHeaderSeparator(width > 0)
	for _, d := range ds {
		msg := d.Message
		if d.LastError != "" {
			msg = d.LastError
		}
		tbl.AddRow(
			shortID(d.ID),
			statusText(d.Status),
			d.ResetTime.Local().Format("2006-01-02 15:04 MST"),
			fmt.Sprintf("%d", d.Attempts),
			msg,
		)
	}
	fmt.Fprint(w, tbl.Render())
	return nil
}

func statusText(s queue.Status) string {
	switch s {
	case queue.StatusCompleted:
		return style.Success.Render(string(s))
	case queue.StatusFailed:
		return style.Error.Render(string(s))
	case queue.StatusResuming:
		return style.Warning.Render(string(s))
	default:
		return string(s)
	}
}
