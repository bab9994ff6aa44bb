package discover

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/autoresume/autoresume/internal/util"
)

// Process is one entry of a process table snapshot.
type Process struct {
	PID  int
	PPID int
	Comm string
	Args []string

	// TTY is the controlling terminal device path, empty when none.
	TTY string
}

// ProcessSource produces a snapshot of the process table.
type ProcessSource interface {
	Processes(ctx context.Context) ([]Process, error)
}

// ProcFS reads the process table from /proc.
type ProcFS struct {
	// Root is the procfs mount point. Empty means /proc.
	Root string
}

// Processes implements ProcessSource. Processes that vanish or deny access
// mid-walk are skipped.
func (p ProcFS) Processes(ctx context.Context) ([]Process, error) {
	root := p.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, proc := range procs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		args, _ := proc.CmdLine()
		entry := Process{
			PID:  stat.PID,
			PPID: stat.PPID,
			Comm: stat.Comm,
			Args: args,
			TTY:  ttyFromDevice(stat.TTY),
		}
		if entry.TTY == "" {
			entry.TTY = ttyFromFD(root, stat.PID)
		}
		out = append(out, entry)
	}
	return out, nil
}

// pts devices use majors 136 through 143.
const (
	ptsMajorFirst = 136
	ptsMajorLast  = 143
)

// ttyFromDevice maps a tty_nr from /proc/<pid>/stat to /dev/pts/N.
func ttyFromDevice(nr int) string {
	if nr <= 0 {
		return ""
	}
	dev := uint64(nr)
	major := unix.Major(dev)
	minor := unix.Minor(dev)
	if major < ptsMajorFirst || major > ptsMajorLast {
		return ""
	}
	return "/dev/pts/" + strconv.Itoa(int((major-ptsMajorFirst)*256+minor))
}

// ttyFromFD resolves stdin's link when tty_nr was not usable.
func ttyFromFD(root string, pid int) string {
	link, err := os.Readlink(filepath.Join(root, strconv.Itoa(pid), "fd", "0"))
	if err != nil {
		return ""
	}
	if strings.HasPrefix(link, "/dev/pts/") {
		return link
	}
	return ""
}

// PS reads the process table from ps(1), for systems without /proc.
type PS struct{}

// Processes implements ProcessSource.
func (PS) Processes(ctx context.Context) ([]Process, error) {
	out, err := util.ExecWithOutputContext(ctx, "", "ps", "-axo", "pid=,ppid=,tty=,comm=,args=")
	if err != nil {
		return nil, fmt.Errorf("running ps: %w", err)
	}
	return parsePS(out), nil
}

// parsePS parses "pid ppid tty comm args..." lines.
func parsePS(out string) []Process {
	var procs []Process
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		p := Process{
			PID:  pid,
			PPID: ppid,
			Comm: filepath.Base(fields[3]),
			Args: fields[4:],
		}
		switch tty := fields[2]; {
		case tty == "?" || tty == "??" || tty == "-":
		case strings.HasPrefix(tty, "/dev/"):
			p.TTY = tty
		case strings.HasPrefix(tty, "pts/"):
			p.TTY = "/dev/" + tty
		case strings.HasPrefix(tty, "ttys"):
			p.TTY = "/dev/" + tty
		}
		procs = append(procs, p)
	}
	return procs
}

// Fallback tries each source in order and returns the first that succeeds.
type Fallback []ProcessSource

// Processes implements ProcessSource.
func (f Fallback) Processes(ctx context.Context) ([]Process, error) {
	var lastErr error
	for _, src := range f {
		procs, err := src.Processes(ctx)
		if err == nil {
			return procs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no process source configured")
	}
	return nil, lastErr
}
