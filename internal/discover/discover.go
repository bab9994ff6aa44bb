// Package discover finds every running target-program session on the
// machine and works out how input can reach it.
package discover

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/autoresume/autoresume/internal/tmux"
)

// Method is how a target can be reached.
type Method string

const (
	MethodMultiplexer    Method = "multiplexer"
	MethodPseudoTerminal Method = "pseudoTerminal"
)

// PaneRef locates a tmux pane.
type PaneRef struct {
	// Address is "session:window.pane".
	Address string `json:"address"`

	// ID is the pane id, e.g. "%3". It survives window renumbering, so
	// delivery targets it rather than Address.
	ID string `json:"id"`

	// TTY is the pane's device, used when tmux itself refuses input.
	TTY string `json:"tty,omitempty"`
}

// Target is one reachable session. Exactly one of Pane and TTY is set,
// matching Method.
type Target struct {
	PID     int      `json:"pid"`
	Command string   `json:"command"`
	Method  Method   `json:"method"`
	Pane    *PaneRef `json:"pane,omitempty"`
	TTY     string   `json:"tty,omitempty"`
}

// String renders the target for logs.
func (t Target) String() string {
	switch t.Method {
	case MethodMultiplexer:
		return fmt.Sprintf("pid %d via tmux %s (%s)", t.PID, t.Pane.Address, t.Pane.ID)
	case MethodPseudoTerminal:
		return fmt.Sprintf("pid %d via %s", t.PID, t.TTY)
	default:
		return fmt.Sprintf("pid %d", t.PID)
	}
}

// PaneLister lists multiplexer panes. *tmux.Tmux implements it.
type PaneLister interface {
	ListPanes(ctx context.Context) ([]tmux.Pane, error)
}

// hostRuntimes are generic interpreters the target program may run under.
var hostRuntimes = map[string]bool{
	"node": true,
	"bun":  true,
	"deno": true,
}

// versionTitle matches a process that renamed itself to its version,
// e.g. "2.1.30".
var versionTitle = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// maxAncestorDepth bounds the PPID walk.
const maxAncestorDepth = 32

// Discoverer enumerates target sessions.
type Discoverer struct {
	// Program is the target program name, e.g. "claude".
	Program string

	// Procs supplies the process table.
	Procs ProcessSource

	// Panes supplies tmux panes. Nil disables multiplexer discovery.
	Panes PaneLister

	// Self is excluded from results (normally os.Getpid()).
	Self int
}

// New returns a Discoverer reading /proc (falling back to ps) and the
// default tmux server.
func New(program string, t *tmux.Tmux, self int) *Discoverer {
	var panes PaneLister
	if t != nil {
		panes = t
	}
	return &Discoverer{
		Program: program,
		Procs:   Fallback{ProcFS{}, PS{}},
		Panes:   panes,
		Self:    self,
	}
}

// Discover returns every reachable target. Missing tmux, permission errors
// and vanished processes only shrink the result. An error is returned only
// when the process table could not be read at all.
func (d *Discoverer) Discover(ctx context.Context) ([]Target, error) {
	procs, err := d.Procs.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	byPID := make(map[int]Process, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}

	panesByPID := map[int]tmux.Pane{}
	if d.Panes != nil {
		// Pane listing failures only remove the multiplexer method.
		if panes, err := d.Panes.ListPanes(ctx); err == nil {
			for _, pane := range panes {
				panesByPID[pane.PID] = pane
			}
		}
	}

	var targets []Target
	seenPane := map[string]bool{}
	seenTTY := map[string]bool{}

	candidates := d.candidates(procs, byPID)
	for _, p := range candidates {
		if pane, ok := findPane(p, byPID, panesByPID); ok {
			if seenPane[pane.ID] {
				continue
			}
			seenPane[pane.ID] = true
			if pane.TTY != "" {
				seenTTY[pane.TTY] = true
			}
			targets = append(targets, Target{
				PID:     p.PID,
				Command: p.Comm,
				Method:  MethodMultiplexer,
				Pane:    &PaneRef{Address: pane.Address, ID: pane.ID, TTY: pane.TTY},
			})
			continue
		}
		if p.TTY == "" || !strings.HasPrefix(p.TTY, "/dev/") {
			continue
		}
		if seenTTY[p.TTY] {
			continue
		}
		seenTTY[p.TTY] = true
		targets = append(targets, Target{
			PID:     p.PID,
			Command: p.Comm,
			Method:  MethodPseudoTerminal,
			TTY:     p.TTY,
		})
	}
	return targets, nil
}

// candidates returns target-program processes in PID order.
func (d *Discoverer) candidates(procs []Process, byPID map[int]Process) []Process {
	var out []Process
	for _, p := range procs {
		if p.PID == d.Self || p.PID <= 0 {
			continue
		}
		if d.isTarget(p, byPID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// isTarget reports whether p is the target program, directly, under a host
// runtime, or as a version-titled child of one.
func (d *Discoverer) isTarget(p Process, byPID map[int]Process) bool {
	name := d.Program
	if name == "" {
		return false
	}
	if filepath.Base(p.Comm) == name {
		return true
	}
	if len(p.Args) > 0 && filepath.Base(p.Args[0]) == name {
		return true
	}

	if hostRuntimes[filepath.Base(p.Comm)] {
		for _, arg := range p.Args[min(1, len(p.Args)):] {
			if mentionsProgram(arg, name) {
				return true
			}
		}
	}

	if versionTitle.MatchString(p.Comm) {
		if parent, ok := byPID[p.PPID]; ok {
			pc := filepath.Base(parent.Comm)
			if pc == name || hostRuntimes[pc] {
				return true
			}
		}
	}
	return false
}

// mentionsProgram matches "claude", "/x/claude", "@anthropic-ai/claude-code/cli.js".
func mentionsProgram(arg, name string) bool {
	for _, part := range strings.Split(arg, "/") {
		if part == name || strings.HasPrefix(part, name+"-") || strings.HasPrefix(part, name+".") {
			return true
		}
	}
	return false
}

// findPane walks p and its ancestors looking for a pane's root process.
func findPane(p Process, byPID map[int]Process, panes map[int]tmux.Pane) (tmux.Pane, bool) {
	if len(panes) == 0 {
		return tmux.Pane{}, false
	}
	pid := p.PID
	for depth := 0; depth < maxAncestorDepth && pid > 1; depth++ {
		if pane, ok := panes[pid]; ok {
			return pane, true
		}
		cur, ok := byPID[pid]
		if !ok || cur.PPID == pid {
			break
		}
		pid = cur.PPID
	}
	return tmux.Pane{}, false
}
