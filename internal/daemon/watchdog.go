package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
)

// maxWatchdogFailures is how many consecutive failed repairs end the daemon.
const maxWatchdogFailures = 3

// ErrWatchdogExhausted is returned by Watchdog.Tick when repairs have failed
// maxWatchdogFailures times in a row.
var ErrWatchdogExhausted = errors.New("watchdog: repairs exhausted")

// Check is one self-test with its repair.
type Check struct {
	Name   string
	Test   func() error
	Repair func() error
}

// Watchdog runs the daemon's self-checks.
type Watchdog struct {
	Checks   []Check
	OnFail   func(name string, err error)
	failures int
}

// Failures returns the current count of consecutive failed ticks.
func (w *Watchdog) Failures() int { return w.failures }

// Tick runs every check. A failing check is repaired and re-tested; a tick
// with any unrepaired check counts as a failure. A clean tick resets the
// count.
func (w *Watchdog) Tick() error {
	var broken []string
	for _, c := range w.Checks {
		err := c.Test()
		if err == nil {
			continue
		}
		if c.Repair != nil {
			if rerr := c.Repair(); rerr != nil {
				err = fmt.Errorf("%v (repair: %v)", err, rerr)
			} else if err = c.Test(); err == nil {
				continue
			}
		}
		if w.OnFail != nil {
			w.OnFail(c.Name, err)
		}
		broken = append(broken, c.Name)
	}
	if len(broken) == 0 {
		w.failures = 0
		return nil
	}
	w.failures++
	if w.failures >= maxWatchdogFailures {
		return fmt.Errorf("%w: %v", ErrWatchdogExhausted, broken)
	}
	return nil
}

// dirWritableCheck verifies dir accepts writes and re-creates it if not.
func dirWritableCheck(dir string) Check {
	return Check{
		Name: "state-dir",
		Test: func() error {
			f, err := os.CreateTemp(dir, ".probe-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		},
		Repair: func() error {
			return os.MkdirAll(filepath.Clean(dir), 0755)
		},
	}
}

// memoryCheck keeps the heap under limitBytes, returning memory to the OS
// when it is over.
func memoryCheck(limitBytes uint64) Check {
	return Check{
		Name: "memory",
		Test: func() error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.HeapAlloc > limitBytes {
				return fmt.Errorf("heap %d MB over limit %d MB", m.HeapAlloc>>20, limitBytes>>20)
			}
			return nil
		},
		Repair: func() error {
			debug.FreeOSMemory()
			return nil
		},
	}
}
