// Package verify decides whether a delivered resume actually restarted work,
// by watching the session transcript for new output, or the multiplexer
// panes it was delivered to when no transcript is known.
package verify

import (
	"context"
	"os"
	"time"

	"github.com/autoresume/autoresume/internal/transcript"
)

// Reasons reported in Result.
const (
	ReasonGrew         = "transcript grew"
	ReasonTouched      = "transcript modified"
	ReasonAppeared     = "transcript appeared"
	ReasonTimeout      = "no transcript activity before timeout"
	ReasonInaccessible = "transcript inaccessible"
	ReasonCanceled     = "canceled"
	ReasonNoTranscript = "no transcript to watch"
	ReasonPaneChanged  = "pane output changed"
	ReasonPaneIdle     = "no pane activity before timeout"
)

// DefaultPaneLines is how much pane scrollback is compared.
const DefaultPaneLines = 50

// Snapshot is a transcript's size and mtime at a point in time.
type Snapshot struct {
	Path    string
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Result is the verdict of Wait.
type Result struct {
	Verified bool   `json:"verified"`
	NewBytes int64  `json:"newBytes"`
	Reason   string `json:"reason"`
}

// Baseline records path's current state. A missing file yields a snapshot
// with Exists false.
func Baseline(path string) Snapshot {
	s := Snapshot{Path: path}
	if path == "" {
		return s
	}
	info, err := os.Stat(path)
	if err != nil {
		return s
	}
	s.Exists = true
	s.Size = info.Size()
	s.ModTime = info.ModTime()
	return s
}

// Resolve picks the file to watch: path when given, else the most recently
// modified transcript under root. It returns "" when neither exists.
func Resolve(path, root string) string {
	if path != "" {
		return path
	}
	if root == "" {
		return ""
	}
	latest, _, err := transcript.Latest(root)
	if err != nil {
		return ""
	}
	return latest
}

// Wait polls path every interval until it grows or its mtime advances past
// base, or until timeout. A file that stays inaccessible the whole window
// is reported as such.
func Wait(ctx context.Context, path string, base Snapshot, interval, timeout time.Duration) Result {
	if path == "" {
		return Result{Reason: ReasonNoTranscript}
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := false
	for {
		if r, ok := check(path, base, &seen); ok {
			return r
		}
		select {
		case <-ctx.Done():
			return Result{Reason: ReasonCanceled}
		case <-deadline.C:
			if r, ok := check(path, base, &seen); ok {
				return r
			}
			if !seen {
				return Result{Reason: ReasonInaccessible}
			}
			return Result{Reason: ReasonTimeout}
		case <-ticker.C:
		}
	}
}

func check(path string, base Snapshot, seen *bool) (Result, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, false
	}
	*seen = true
	if !base.Exists {
		return Result{Verified: true, NewBytes: info.Size(), Reason: ReasonAppeared}, true
	}
	if info.Size() > base.Size {
		return Result{Verified: true, NewBytes: info.Size() - base.Size, Reason: ReasonGrew}, true
	}
	if info.ModTime().After(base.ModTime) {
		return Result{Verified: true, Reason: ReasonTouched}, true
	}
	return Result{}, false
}

// PaneCapturer reads a pane's visible text. *tmux.Tmux implements it.
type PaneCapturer interface {
	CapturePane(ctx context.Context, target string, lines int) (string, error)
}

// WaitPanes captures each pane now and polls until any of them shows
// different output, or until timeout. Call it after delivery: the typed
// resume text is already part of the first capture.
func WaitPanes(ctx context.Context, c PaneCapturer, panes []string, lines int, interval, timeout time.Duration) Result {
	if len(panes) == 0 {
		return Result{Reason: ReasonNoTranscript}
	}
	if lines <= 0 {
		lines = DefaultPaneLines
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	base := make(map[string]string, len(panes))
	for _, p := range panes {
		if out, err := c.CapturePane(ctx, p, lines); err == nil {
			base[p] = out
		}
	}
	if len(base) == 0 {
		return Result{Reason: ReasonInaccessible}
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Reason: ReasonCanceled}
		case <-deadline.C:
			return Result{Reason: ReasonPaneIdle}
		case <-ticker.C:
		}
		for p, before := range base {
			out, err := c.CapturePane(ctx, p, lines)
			if err != nil {
				continue
			}
			if out != before {
				return Result{Verified: true, Reason: ReasonPaneChanged}
			}
		}
	}
}

// Watcher binds the transcripts root and timing so callers only pass the
// transcript they know about, if any.
type Watcher struct {
	Root     string
	Interval time.Duration
	Timeout  time.Duration

	// Panes, when set, verifies through pane output if no transcript exists.
	Panes     PaneCapturer
	PaneLines int
}

// Baseline resolves the transcript to watch and snapshots it.
func (w *Watcher) Baseline(path string) Snapshot {
	return Baseline(Resolve(path, w.Root))
}

// Wait waits for activity on the snapshot's transcript. Without one it
// watches panes, the multiplexer panes the resume was delivered to.
func (w *Watcher) Wait(ctx context.Context, base Snapshot, panes []string) Result {
	if base.Path == "" && w.Panes != nil && len(panes) > 0 {
		return WaitPanes(ctx, w.Panes, panes, w.PaneLines, w.Interval, w.Timeout)
	}
	return Wait(ctx, base.Path, base, w.Interval, w.Timeout)
}
