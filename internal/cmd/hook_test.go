package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/autoresume/autoresume/internal/config"
	"github.com/autoresume/autoresume/internal/detect"
	"github.com/autoresume/autoresume/internal/queue"
)

// useTempState points the package globals at a fresh state directory.
func useTempState(t *testing.T) {
	t.Helper()
	oldDir, oldCfg := stateDir, cfg
	stateDir = t.TempDir()
	cfg = config.Default()
	cfg.Transcripts.Root = t.TempDir()
	t.Cleanup(func() { stateDir, cfg = oldDir, oldCfg })
}

func writeTranscript(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func assistantLine(ts time.Time, text string) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"content":[{"type":"text","text":%q}]}}`,
		ts.Format(time.RFC3339), text)
}

func TestHookStopRecordsDetection(t *testing.T) {
	useTempState(t)
	now := time.Date(2026, 3, 10, 16, 5, 0, 0, time.UTC)
	path := writeTranscript(t, t.TempDir(),
		assistantLine(now.Add(-2*time.Minute), "Refactoring the parser."),
		assistantLine(now.Add(-time.Minute), "Claude usage limit reached. Your limit will reset at 2026-03-10T18:00:00Z"),
	)
	stdin := strings.NewReader(fmt.Sprintf(`{"session_id":"abc","transcript_path":%q,"hook_event_name":"Stop"}`, path))

	var stderr bytes.Buffer
	if err := runHookStop(stdin, &stderr, now, 4242); err != nil {
		t.Fatalf("runHookStop: %v", err)
	}

	ds, err := openStore().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("got %d detections, want 1", len(ds))
	}
	if ds[0].SessionID != "abc" || ds[0].TranscriptPath != path || ds[0].Status != queue.StatusPending {
		t.Errorf("unexpected detection: %+v", ds[0])
	}
	if ds[0].TargetProcessHint != 4242 {
		t.Errorf("TargetProcessHint = %d, want the session pid 4242", ds[0].TargetProcessHint)
	}
	if last, err := openStore().LastHookRun(); err != nil || !last.Equal(now) {
		t.Errorf("LastHookRun = %v, %v; want %v", last, err, now)
	}
	if !strings.Contains(stderr.String(), "not running") {
		t.Errorf("expected a daemon warning on stderr, got %q", stderr.String())
	}

	// The next turn sees the same notice and records nothing new.
	stdin = strings.NewReader(fmt.Sprintf(`{"session_id":"abc","transcript_path":%q}`, path))
	if err := runHookStop(stdin, &stderr, now.Add(time.Minute), 4242); err != nil {
		t.Fatal(err)
	}
	if ds, _ := openStore().List(); len(ds) != 1 {
		t.Errorf("duplicate notice recorded: %d detections", len(ds))
	}
}

func TestHookStopFallsBackToLatestTranscript(t *testing.T) {
	useTempState(t)
	now := time.Now()
	writeTranscript(t, cfg.Transcripts.Root,
		assistantLine(now, "Claude usage limit reached. Your limit will reset at "+now.Add(time.Hour).UTC().Format(time.RFC3339)),
	)

	var stderr bytes.Buffer
	if err := runHookStop(strings.NewReader(""), &stderr, now, 4242); err != nil {
		t.Fatalf("runHookStop: %v", err)
	}
	if ds, _ := openStore().List(); len(ds) != 1 {
		t.Errorf("got %d detections, want 1", len(ds))
	}
}

func TestHookStopBadInput(t *testing.T) {
	useTempState(t)
	var stderr bytes.Buffer
	if err := runHookStop(strings.NewReader("{not json"), &stderr, time.Now(), 4242); err == nil {
		t.Error("malformed payload should be reported")
	}

	// The command itself still succeeds.
	hookStopCmd.SetIn(strings.NewReader("{not json"))
	hookStopCmd.SetErr(&stderr)
	t.Cleanup(func() { hookStopCmd.SetIn(nil); hookStopCmd.SetErr(nil) })
	if err := hookStopCmd.RunE(hookStopCmd, nil); err != nil {
		t.Errorf("hook stop returned %v, want nil", err)
	}
}

func TestPrintCheck(t *testing.T) {
	var buf bytes.Buffer
	if err := printCheck(&buf, detect.Classify("You've hit your limit · resets 7pm (UTC)", time.Now()), false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "usage-limit notice") || !strings.Contains(buf.String(), "Resets:") {
		t.Errorf("unexpected output: %q", buf.String())
	}

	buf.Reset()
	if err := printCheck(&buf, detect.Classify("All tests passed.", time.Now()), false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "not a usage-limit notice") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestPrintQueue(t *testing.T) {
	reset := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	ds := []queue.Detection{
		{ID: "bbbbbbbb-2", ResetTime: reset.Add(time.Hour), Status: queue.StatusPending, Message: "later"},
		{ID: "aaaaaaaa-1", ResetTime: reset, Status: queue.StatusFailed, Attempts: 4, LastError: "no sessions"},
	}
	var buf bytes.Buffer
	if err := printQueue(&buf, ds, false, 0); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "─") {
		t.Errorf("piped output should have no header rule:\n%s", out)
	}
	if strings.Index(out, "aaaaaaaa") > strings.Index(out, "bbbbbbbb") {
		t.Errorf("detections not ordered by reset time:\n%s", out)
	}
	if !strings.Contains(out, "no sessions") {
		t.Errorf("last error not shown:\n%s", out)
	}

	long := []queue.Detection{{ID: "cccccccc-3", ResetTime: reset, Status: queue.StatusPending,
		Message: strings.Repeat("x", 200)}}
	buf.Reset()
	if err := printQueue(&buf, long, false, 120); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "─") {
		t.Errorf("terminal output should have a header rule:\n%s", buf.String())
	}
	wantMsg := strings.Repeat("x", 120-queueFixedWidth-3) + "..."
	if !strings.Contains(buf.String(), wantMsg) {
		t.Errorf("message not fitted to a 120-column terminal:\n%s", buf.String())
	}

	buf.Reset()
	if err := printQueue(&buf, nil, true, 0); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON list = %q, want []", buf.String())
	}
}
