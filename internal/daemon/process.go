package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/autoresume/autoresume/internal/constants"
)

var (
	// ErrAlreadyRunning is returned when another daemon holds the lock.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotRunning is returned by StopDaemon when no daemon is running.
	ErrNotRunning = errors.New("daemon is not running")
)

// daemonVerbs are the subcommands that run the daemon loop.
var daemonVerbs = []string{"start", "monitor", "run", "test"}

// IsRunning checks the PID file and verifies the process is alive and is an
// autoresume daemon. A stale PID file is removed.
// The lock taken in Run is the authority against duplicates; this is for
// status checks and stop.
func IsRunning(stateDir string) (bool, int, error) {
	pidFile := constants.PIDPath(stateDir)
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return false, 0, fmt.Errorf("invalid PID in file %q: %w", pidStr, err)
	}

	if !processAlive(pid) {
		_ = os.Remove(pidFile)
		return false, 0, nil
	}
	if !isAutoresumeDaemon(pid) {
		// PID reused by a different process.
		_ = os.Remove(pidFile)
		return false, 0, nil
	}
	return true, pid, nil
}

// processAlive sends signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isAutoresumeDaemon checks the command line of pid, through /proc where
// available and ps elsewhere.
func isAutoresumeDaemon(pid int) bool {
	var args []string
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if p, err := fs.Proc(pid); err == nil {
			args, _ = p.CmdLine()
		}
	}
	if len(args) == 0 {
		out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
		if err != nil {
			return false
		}
		args = strings.Fields(string(out))
	}
	return looksLikeDaemon(args)
}

// looksLikeDaemon reports whether argv runs the daemon loop of an
// autoresume binary.
func looksLikeDaemon(args []string) bool {
	if len(args) < 2 || !strings.Contains(filepath.Base(args[0]), "autoresume") {
		return false
	}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a == "--config" {
			i++
			continue
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		for _, v := range daemonVerbs {
			if a == v {
				return true
			}
		}
		return false
	}
	return false
}

// StopDaemon sends SIGTERM and waits up to timeout for the daemon to exit,
// then sends SIGKILL.
func StopDaemon(stateDir string, timeout time.Duration) (int, error) {
	running, pid, err := IsRunning(stateDir)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, ErrNotRunning
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return pid, fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			break
		}
		time.Sleep(constants.ShutdownNotifyDelay / 5)
	}
	if processAlive(pid) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	_ = os.Remove(constants.PIDPath(stateDir))
	return pid, nil
}

// StartBackground starts `<exe> start` detached from the terminal and waits
// briefly for it to take the lock. It returns the running daemon's PID,
// which may belong to a concurrent start that won the race.
func StartBackground(exe string, args []string, stateDir string) (int, error) {
	cmd := exec.Command(exe, append([]string{"start"}, args...)...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	_ = cmd.Process.Release()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		running, pid, err := IsRunning(stateDir)
		if err != nil {
			return 0, err
		}
		if running {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("daemon failed to start (see %s)", constants.LogPath(stateDir))
}
