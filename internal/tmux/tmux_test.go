package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func hasTmux() bool {
	return IsAvailable()
}

// newSession creates a detached session whose first pane runs command.
func newSession(ctx context.Context, tm *Tmux, name, command string) error {
	_, err := tm.run(ctx, "new-session", "-d", "-s", name, command)
	return err
}

func hasSession(ctx context.Context, tm *Tmux, name string) (bool, error) {
	_, err := tm.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func killServer(tm *Tmux) {
	_, _ = tm.run(context.Background(), "kill-server")
}

// testServer returns a wrapper bound to a private socket that is torn down
// after the test.
func testServer(t *testing.T) *Tmux {
	t.Helper()
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	tm := &Tmux{Socket: fmt.Sprintf("autoresume-test-%d-%d", os.Getpid(), time.Now().UnixNano())}
	t.Cleanup(func() { killServer(tm) })
	return tm
}

func TestWrapError(t *testing.T) {
	tm := NewTmux()

	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-1000/default", ErrNoServer},
		{"error connecting to /tmp/tmux-1000/default (No such file or directory)", ErrNoServer},
		{"duplicate session: test", ErrSessionExists},
		{"session not found: test", ErrSessionNotFound},
		{"can't find session: test", ErrSessionNotFound},
		{"can't find pane: %99", ErrSessionNotFound},
	}

	for _, tt := range tests {
		err := tm.wrapError(nil, tt.stderr, []string{"test"})
		if err != tt.want {
			t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, err, tt.want)
		}
	}

	err := tm.wrapError(errors.New("exit status 1"), "", []string{"send-keys"})
	if err == nil || !strings.Contains(err.Error(), "send-keys") {
		t.Errorf("wrapError without stderr = %v", err)
	}
}

func TestParsePanes(t *testing.T) {
	out := strings.Join([]string{
		"%0\t1234\twork:0.0\tclaude\t/dev/pts/3",
		"%7\t5678\tmain:2.1\tzsh\t/dev/pts/9",
		"garbage line",
		"%8\tnotapid\tx:0.0\tbash\t/dev/pts/1",
	}, "\n")

	panes := parsePanes(out)
	if len(panes) != 2 {
		t.Fatalf("parsed %d panes, want 2: %+v", len(panes), panes)
	}
	want := Pane{ID: "%7", PID: 5678, Address: "main:2.1", Command: "zsh", TTY: "/dev/pts/9"}
	if panes[1] != want {
		t.Errorf("pane[1] = %+v, want %+v", panes[1], want)
	}
	if parsePanes("") != nil {
		t.Error("empty output should parse to nil")
	}
}

func TestListPanesNoServer(t *testing.T) {
	tm := testServer(t)
	panes, err := tm.ListPanes(context.Background())
	if err != nil {
		t.Fatalf("ListPanes without server: %v", err)
	}
	if len(panes) != 0 {
		t.Errorf("expected no panes, got %d", len(panes))
	}
}

func TestHasSessionNoServer(t *testing.T) {
	tm := testServer(t)
	has, err := hasSession(context.Background(), tm, "nonexistent-session-xyz")
	if err != nil {
		t.Fatalf("hasSession: %v", err)
	}
	if has {
		t.Error("expected session to not exist")
	}
}

func TestSendKeysAndCapture(t *testing.T) {
	tm := testServer(t)
	ctx := context.Background()

	if err := newSession(ctx, tm, "sendkeys", "cat"); err != nil {
		t.Fatalf("newSession: %v", err)
	}

	panes, err := tm.ListPanes(ctx)
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(panes) != 1 {
		t.Fatalf("ListPanes = %d panes, want 1", len(panes))
	}
	p := panes[0]
	if !strings.HasPrefix(p.Address, "sendkeys:") || p.PID <= 0 || !strings.HasPrefix(p.ID, "%") {
		t.Errorf("unexpected pane %+v", p)
	}

	if err := tm.SendKeysLiteral(ctx, p.ID, "Enter means nothing here"); err != nil {
		t.Fatalf("SendKeysLiteral: %v", err)
	}
	if err := tm.SendKeysRaw(ctx, p.ID, "Enter"); err != nil {
		t.Fatalf("SendKeysRaw: %v", err)
	}

	var captured string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		captured, err = tm.CapturePane(ctx, p.ID, 20)
		if err == nil && strings.Contains(captured, "Enter means nothing here") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(captured, "Enter means nothing here") {
		t.Errorf("captured pane does not contain literal text:\n%s", captured)
	}

	if has, err := hasSession(ctx, tm, "sendkeys"); err != nil || !has {
		t.Errorf("hasSession(sendkeys) = %v, %v", has, err)
	}
}

func TestDuplicateSession(t *testing.T) {
	tm := testServer(t)
	ctx := context.Background()

	if err := newSession(ctx, tm, "dup", "cat"); err != nil {
		t.Fatalf("newSession: %v", err)
	}
	err := newSession(ctx, tm, "dup", "cat")
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("second NewSession = %v, want ErrSessionExists", err)
	}
}
