// Package daemon runs the resident process that watches the detection queue
// and drives resume cycles, together with its heartbeat, watchdog, log
// rotation and the transcript polling fallback.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/autoresume/autoresume/internal/config"
	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/deliver"
	"github.com/autoresume/autoresume/internal/discover"
	"github.com/autoresume/autoresume/internal/hooks"
	"github.com/autoresume/autoresume/internal/notify"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/scheduler"
	"github.com/autoresume/autoresume/internal/telemetry"
	"github.com/autoresume/autoresume/internal/tmux"
	"github.com/autoresume/autoresume/internal/util"
	"github.com/autoresume/autoresume/internal/verify"
)

const (
	// transcriptPollInterval is how often the polling fallback runs.
	transcriptPollInterval = 30 * time.Second

	// crashNotifyTimeout bounds the desktop notification sent on a panic.
	crashNotifyTimeout = 3 * time.Second
)

// ErrCyclePanic is returned by Run when a resume cycle panicked.
var ErrCyclePanic = errors.New("resume cycle panicked")

// cyclePanic carries a recovered panic from the scheduler goroutine.
type cyclePanic struct {
	value any
	stack []byte
}

// Options configures a Daemon.
type Options struct {
	StateDir string
	Config   *config.Config

	// Console also receives log output when set, for foreground runs.
	Console io.Writer

	// Version labels exported metrics.
	Version string
}

// Daemon is the resident resume service.
type Daemon struct {
	stateDir string
	cfg      *config.Config
	log      *zap.SugaredLogger
	logFile  *LogFile
	ctx      context.Context
	cancel   context.CancelFunc

	store    *queue.Store
	sched    *scheduler.Scheduler
	hooks    *hooks.Registry
	notifier notify.Notifier
	metrics  *daemonMetrics
	otel     *telemetry.Provider
	poller   *TranscriptPoller
	watchdog *Watchdog
	watcher  *fsnotify.Watcher
	state    *State
	panics   chan cyclePanic

	// seen holds active detection IDs already announced; origins marks the
	// ones the poller added.
	seen    map[string]bool
	origins map[string]Origin
	primed  bool
}

// New builds a daemon and all of its components. Nothing runs until Run.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := os.MkdirAll(opts.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logFile, err := OpenLogFile(constants.LogPath(opts.StateDir), cfg.Daemon.MaxLogSize())
	if err != nil {
		return nil, err
	}
	var out io.Writer = logFile
	if opts.Console != nil {
		out = io.MultiWriter(logFile, opts.Console)
	}
	log := NewLogger(out, cfg.Daemon.LogLevel)

	prov, err := telemetry.Init(context.Background(), "autoresume", opts.Version)
	if err != nil {
		log.Warnf("metrics export disabled: %v", err)
	}
	metrics, err := newDaemonMetrics()
	if err != nil {
		log.Warnf("metrics disabled: %v", err)
		metrics = nil
	}

	reg := hooks.NewRegistry(hooks.DefaultTimeout, log.Named("hooks"))
	if err := reg.RegisterCommands(cfg.Hooks.Commands); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("registering hook commands: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		notifier = notify.NewDesktop()
	}

	store := queue.NewStore(constants.DetectionsPath(opts.StateDir))
	t := tmux.NewTmux()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		stateDir: opts.StateDir,
		cfg:      cfg,
		log:      log,
		logFile:  logFile,
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		hooks:    reg,
		notifier: notifier,
		metrics:  metrics,
		otel:     prov,
		seen:     make(map[string]bool),
		origins:  make(map[string]Origin),
		panics:   make(chan cyclePanic, 1),
	}

	d.sched = scheduler.New(scheduler.Options{
		Store:      store,
		Discoverer: discover.New(cfg.Resume.TargetProgram, t, os.Getpid()),
		Deliverer:  deliver.New(cfg.Resume, t),
		Verifier: &verify.Watcher{
			Root:      cfg.Transcripts.Root,
			Interval:  cfg.Resume.VerificationPoll(),
			Timeout:   cfg.Resume.VerificationWindow(),
			Panes:     t,
			PaneLines: verify.DefaultPaneLines,
		},
		Hooks:          reg,
		Notifier:       notifier,
		Metrics:        metrics,
		Log:            log.Named("scheduler"),
		PostResetDelay: cfg.Resume.PostResetDelay(),
		MaxRetries:     cfg.Resume.MaxRetries,
		Backoff:        util.SecondsSchedule(cfg.Resume.BackoffSeconds),
		OnPanic:        d.reportCyclePanic,
	})

	if cfg.Daemon.TranscriptPollingEnabled {
		d.poller, err = NewTranscriptPoller(store, cfg.Transcripts.Root, constants.HookStaleAfter, log.Named("poller"))
		if err != nil {
			log.Warnf("transcript polling disabled: %v", err)
		}
	}

	d.watchdog = &Watchdog{
		Checks: []Check{
			{
				Name:   "store-watcher",
				Test:   d.checkWatcher,
				Repair: d.startWatcher,
			},
			dirWritableCheck(opts.StateDir),
			memoryCheck(uint64(cfg.Daemon.MaxMemoryMB) << 20),
		},
		OnFail: func(name string, err error) {
			d.log.Warnf("watchdog: %s check failed: %v", name, err)
			d.metrics.recordWatchdogFailure(d.ctx, name)
		},
	}
	return d, nil
}

// Store returns the detection queue the daemon watches.
func (d *Daemon) Store() *queue.Store { return d.store }

// Run holds the daemon lock and serves until a signal, Stop, or watchdog
// exhaustion.
func (d *Daemon) Run() error {
	defer d.flushAndClose()
	defer d.notifyCrash()
	defer d.cancel()

	d.log.Infof("daemon starting (PID %d)", os.Getpid())

	// The lock is the authority against concurrent starts; the PID file
	// only serves status and stop.
	fileLock := flock.New(constants.LockPath(d.stateDir))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = fileLock.Unlock() }()

	pidFile := constants.PIDPath(d.stateDir)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(pidFile) }()

	d.state = &State{
		Running:   true,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
	if err := SaveState(d.stateDir, d.state); err != nil {
		d.log.Warnf("failed to save state: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := d.startWatcher(); err != nil {
		d.log.Warnf("store watcher unavailable, polling only: %v", err)
	}
	defer d.stopWatcher()

	poll := time.NewTicker(d.cfg.Daemon.PollInterval())
	defer poll.Stop()
	heartbeat := time.NewTicker(d.cfg.Daemon.HeartbeatInterval())
	defer heartbeat.Stop()
	watchdog := time.NewTicker(d.cfg.Daemon.WatchdogInterval())
	defer watchdog.Stop()

	var transcripts <-chan time.Time
	if d.poller != nil {
		tp := time.NewTicker(transcriptPollInterval)
		defer tp.Stop()
		transcripts = tp.C
	}

	d.log.Infof("daemon running, state dir %s", d.stateDir)
	d.checkQueue()
	d.heartbeat()

	for {
		events, errs := d.watcherChannels()
		select {
		case <-d.ctx.Done():
			d.log.Info("daemon context canceled, shutting down")
			return d.shutdown()

		case sig := <-sigChan:
			d.log.Infof("received signal %v, shutting down", sig)
			return d.shutdown()

		case ev, ok := <-events:
			if !ok {
				d.stopWatcher()
				continue
			}
			if filepath.Base(ev.Name) == constants.FileDetections && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				d.checkQueue()
			}

		case werr, ok := <-errs:
			if ok {
				d.log.Warnf("store watcher error: %v", werr)
			}
			d.stopWatcher()

		case <-poll.C:
			d.checkQueue()

		case <-heartbeat.C:
			d.heartbeat()

		case <-watchdog.C:
			d.rotateLog()
			if err := d.watchdog.Tick(); err != nil {
				d.log.Errorf("watchdog giving up: %v", err)
				_ = d.shutdown()
				return err
			}

		case <-transcripts:
			d.pollTranscripts()

		case p := <-d.panics:
			d.log.Errorf("resume cycle crashed: %v\n%s", p.value, p.stack)
			d.sendCrashNotification(p.value)
			_ = d.shutdown()
			return fmt.Errorf("%w: %v", ErrCyclePanic, p.value)
		}
	}
}

// Stop asks Run to shut down.
func (d *Daemon) Stop() {
	d.cancel()
}

// checkQueue announces new detections and hands the earliest pending one to
// the scheduler. Detections present at startup are not announced.
func (d *Daemon) checkQueue() {
	rec, err := d.store.Load()
	if err != nil {
		d.log.Warnf("reading detection queue: %v", err)
		return
	}

	pending := 0
	for _, det := range rec.Queue {
		if !det.Status.Active() {
			continue
		}
		pending++
		if d.seen[det.ID] {
			continue
		}
		d.seen[det.ID] = true
		if !d.primed {
			continue
		}
		origin, ok := d.origins[det.ID]
		if !ok {
			origin = OriginHook
		}
		delete(d.origins, det.ID)
		d.log.Infof("detection %s: reset at %s (%s)", det.ID, det.ResetTime.Format(time.RFC3339), origin)
		d.metrics.recordDetection(d.ctx, string(origin))
		go d.hooks.Fire(d.ctx, hooks.Event{
			Hook:        hooks.DetectionFound,
			DetectionID: det.ID,
			ResetTime:   det.ResetTime,
			Message:     det.Message,
			Timestamp:   time.Now(),
		})
	}
	d.primed = true
	d.metrics.setPending(pending)

	next := rec.NextPending()
	if next == nil {
		return
	}
	if d.sched.Track(d.ctx, *next) {
		d.log.Infof("tracking %s, resume at %s", next.ID, next.ResetTime.Format(time.RFC3339))
	}
}

// heartbeat records liveness and refreshes the state file.
func (d *Daemon) heartbeat() {
	now := time.Now()
	if err := WriteHeartbeat(constants.HeartbeatPath(d.stateDir), now); err != nil {
		d.log.Warnf("writing heartbeat: %v", err)
		return
	}
	d.metrics.recordHeartbeat(d.ctx)

	d.state.LastHeartbeat = now
	d.state.HeartbeatCount++
	d.state.Scheduler = d.sched.Snapshot()
	if rec, err := d.store.Load(); err == nil {
		d.state.PendingCount = countActive(rec.Queue)
	}
	if err := SaveState(d.stateDir, d.state); err != nil {
		d.log.Warnf("failed to save state: %v", err)
	}
}

func (d *Daemon) pollTranscripts() {
	added, err := d.poller.Poll()
	if err != nil {
		d.log.Debugf("transcript poll: %v", err)
		return
	}
	if len(added) == 0 {
		return
	}
	for _, det := range added {
		d.origins[det.ID] = OriginPoller
	}
	d.checkQueue()
}

func (d *Daemon) rotateLog() {
	rotated, err := d.logFile.Rotate()
	if err != nil {
		d.log.Warnf("rotating log: %v", err)
		return
	}
	if rotated {
		d.log.Infof("log rotated to %s", RotatedPath(constants.LogPath(d.stateDir)))
	}
}

// shutdown stops the scheduler, letting an in-flight delivery finish within
// the grace period, and marks the state file stopped.
func (d *Daemon) shutdown() error {
	d.log.Info("daemon shutting down")
	d.stopWatcher()
	d.sched.Shutdown(d.cfg.Daemon.ShutdownGrace())

	d.state.Running = false
	d.state.Scheduler = d.sched.Snapshot()
	if err := SaveState(d.stateDir, d.state); err != nil {
		d.log.Warnf("failed to save final state: %v", err)
	}
	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) startWatcher() error {
	if d.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(d.stateDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", d.stateDir, err)
	}
	d.watcher = w
	return nil
}

func (d *Daemon) stopWatcher() {
	if d.watcher == nil {
		return
	}
	_ = d.watcher.Close()
	d.watcher = nil
}

func (d *Daemon) checkWatcher() error {
	if d.watcher == nil {
		return errors.New("store watcher not running")
	}
	return nil
}

// watcherChannels returns the watcher's channels, or nil channels that never
// fire while it is down.
func (d *Daemon) watcherChannels() (<-chan fsnotify.Event, <-chan error) {
	if d.watcher == nil {
		return nil, nil
	}
	return d.watcher.Events, d.watcher.Errors
}

// notifyCrash turns a panic into a desktop notification before re-raising
// it. Signals and ordinary errors do not notify.
func (d *Daemon) notifyCrash() {
	r := recover()
	if r == nil {
		return
	}
	d.log.Errorf("daemon crashed: %v\n%s", r, debug.Stack())
	d.sendCrashNotification(r)
	_ = d.log.Sync()
	panic(r)
}

// reportCyclePanic hands a scheduler panic to the run loop. Only the first
// one is kept; the loop exits on it.
func (d *Daemon) reportCyclePanic(v any, stack []byte) {
	select {
	case d.panics <- cyclePanic{value: v, stack: stack}:
	default:
	}
}

func (d *Daemon) sendCrashNotification(v any) {
	ctx, cancel := context.WithTimeout(context.Background(), crashNotifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, "autoresume crashed", fmt.Sprint(v)); err != nil {
		d.log.Warnf("crash notification: %v", err)
	}
}

func (d *Daemon) flushAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.otel.Shutdown(ctx); err != nil {
		d.log.Warnf("flushing metrics: %v", err)
	}
	cancel()
	_ = d.log.Sync()
	_ = d.logFile.Close()
}

func countActive(ds []queue.Detection) int {
	n := 0
	for _, det := range ds {
		if det.Status.Active() {
			n++
		}
	}
	return n
}
