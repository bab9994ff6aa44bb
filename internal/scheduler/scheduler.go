// Package scheduler runs the resume cycle for one detection at a time:
// count down to the reset, wait out the post-reset delay, then discover,
// deliver and verify with retries.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autoresume/autoresume/internal/deliver"
	"github.com/autoresume/autoresume/internal/discover"
	"github.com/autoresume/autoresume/internal/hooks"
	"github.com/autoresume/autoresume/internal/notify"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/util"
	"github.com/autoresume/autoresume/internal/verify"
)

// State is the scheduler's position in the cycle.
type State string

const (
	StateIdle           State = "idle"
	StateCountingDown   State = "countingDown"
	StatePostResetDelay State = "postResetDelay"
	StateDelivering     State = "delivering"
	StateVerifying      State = "verifying"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// inFlight reports whether keystrokes may be on their way to a session.
func (s State) inFlight() bool {
	return s == StateDelivering || s == StateVerifying
}

// Clock abstracts time so tests can drive the cycle.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Store is the part of the detection queue the scheduler writes.
type Store interface {
	UpdateStatus(id string, status queue.Status, opts ...queue.UpdateOption) error
}

// Discoverer finds target sessions.
type Discoverer interface {
	Discover(ctx context.Context) ([]discover.Target, error)
}

// Deliverer injects the resume sequence.
type Deliverer interface {
	DeliverAll(ctx context.Context, targets []discover.Target) deliver.Report
}

// Verifier confirms that a delivery restarted work.
type Verifier interface {
	Baseline(transcriptPath string) verify.Snapshot
	Wait(ctx context.Context, base verify.Snapshot, panes []string) verify.Result
}

// Metrics receives cycle outcomes.
type Metrics interface {
	RecordAttempt(ctx context.Context, report deliver.Report, verified bool)
	RecordCycle(ctx context.Context, outcome State, attempts int)
}

// Options wires a Scheduler. Store, Discoverer and Deliverer are required.
type Options struct {
	Store      Store
	Discoverer Discoverer
	Deliverer  Deliverer
	Verifier   Verifier
	Hooks      *hooks.Registry
	Notifier   notify.Notifier
	Metrics    Metrics
	Clock      Clock
	Log        *zap.SugaredLogger

	PostResetDelay time.Duration
	MaxRetries     int
	Backoff        util.BackoffSchedule

	// OnPanic receives a panic raised inside a cycle together with its
	// stack. When nil the panic is re-raised.
	OnPanic func(v any, stack []byte)
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	State            State     `json:"state"`
	TrackedID        string    `json:"trackedId,omitempty"`
	TrackedResetTime time.Time `json:"trackedResetTime,omitzero"`
	Attempt          int       `json:"attempt,omitempty"`
	NextAt           time.Time `json:"nextAt,omitzero"`
	LastError        string    `json:"lastError,omitempty"`
}

// Scheduler owns at most one running cycle.
type Scheduler struct {
	opts Options

	mu        sync.Mutex
	state     State
	tracked   *queue.Detection
	attempt   int
	nextAt    time.Time
	lastError string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an idle scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.PostResetDelay < 0 {
		opts.PostResetDelay = 0
	}
	return &Scheduler{opts: opts, state: StateIdle}
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:     s.state,
		Attempt:   s.attempt,
		NextAt:    s.nextAt,
		LastError: s.lastError,
	}
	if s.tracked != nil {
		snap.TrackedID = s.tracked.ID
		snap.TrackedResetTime = s.tracked.ResetTime
	}
	return snap
}

// Busy reports whether a cycle is running.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Track offers d to the scheduler and reports whether a cycle was armed for
// it. The same reset as the running cycle is a no-op; an earlier one
// preempts a cycle that is still counting down; anything else waits for the
// running cycle to end.
func (s *Scheduler) Track(ctx context.Context, d queue.Detection) bool {
	if !d.Status.Active() {
		return false
	}

	s.mu.Lock()
	if s.runningLocked() {
		cur := s.tracked
		switch {
		case cur.ID == d.ID || queue.SameReset(cur.ResetTime, d.ResetTime):
			s.mu.Unlock()
			return false
		case !d.ResetTime.Before(cur.ResetTime):
			s.mu.Unlock()
			return false
		case s.state.inFlight():
			s.opts.Log.Infof("detection %s (reset %s) waits for in-flight delivery of %s",
				d.ID, d.ResetTime.Format(time.RFC3339), cur.ID)
			s.mu.Unlock()
			return false
		}
		s.opts.Log.Infof("preempting %s (reset %s) for earlier reset %s",
			cur.ID, cur.ResetTime.Format(time.RFC3339), d.ResetTime.Format(time.RFC3339))
		cancel, done := s.cancel, s.done
		s.mu.Unlock()
		cancel()
		<-done
		s.mu.Lock()
		// Another Track may have armed while the lock was released.
		if s.runningLocked() {
			s.mu.Unlock()
			return false
		}
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	tracked := d
	s.tracked = &tracked
	s.cancel = cancel
	s.done = done
	s.attempt = 0
	s.lastError = ""
	s.state = StateCountingDown
	s.nextAt = d.ResetTime
	s.mu.Unlock()

	go func() {
		defer cancel()
		defer s.recoverCycle(tracked)
		s.run(cycleCtx, tracked, done)
	}()
	return true
}

// Wait blocks until the running cycle, if any, has ended or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the running cycle. A delivery in flight gets up to grace
// to finish; a countdown is cancelled at once.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if !s.runningLocked() {
		s.mu.Unlock()
		return
	}
	cancel, done, state := s.cancel, s.done, s.state
	s.mu.Unlock()

	if state.inFlight() && grace > 0 {
		select {
		case <-done:
			cancel()
			return
		case <-time.After(grace):
			s.opts.Log.Warnf("in-flight delivery did not finish within %s, cancelling", grace)
		}
	}
	cancel()
	<-done
}

// recoverCycle stops a panicking cycle. The detection stays resuming so a
// restarted daemon retries it.
func (s *Scheduler) recoverCycle(d queue.Detection) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	s.opts.Log.Errorf("resume cycle for %s panicked: %v", d.ID, r)
	s.mu.Lock()
	s.state = StateFailed
	s.lastError = fmt.Sprintf("panic: %v", r)
	s.nextAt = time.Time{}
	s.mu.Unlock()
	if s.opts.OnPanic == nil {
		panic(r)
	}
	s.opts.OnPanic(r, stack)
}

func (s *Scheduler) setState(st State, nextAt time.Time) {
	s.mu.Lock()
	s.state = st
	s.nextAt = nextAt
	s.mu.Unlock()
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.opts.Clock.After(d):
		return nil
	}
}

func (s *Scheduler) run(ctx context.Context, d queue.Detection, done chan struct{}) {
	defer close(done)
	log := s.opts.Log.With("detection", d.ID)

	if err := s.opts.Store.UpdateStatus(d.ID, queue.StatusResuming); err != nil {
		log.Warnf("marking resuming: %v", err)
	}

	now := s.opts.Clock.Now()
	log.Infof("counting down to reset %s (%s)", d.ResetTime.Format(time.RFC3339), d.ResetTime.Sub(now).Round(time.Second))
	if err := s.sleep(ctx, d.ResetTime.Sub(now)); err != nil {
		s.abort(log, d)
		return
	}

	s.setState(StatePostResetDelay, s.opts.Clock.Now().Add(s.opts.PostResetDelay))
	if err := s.sleep(ctx, s.opts.PostResetDelay); err != nil {
		s.abort(log, d)
		return
	}

	var lastErr string
	var tiers []string
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		s.mu.Lock()
		s.attempt = attempt
		s.state = StateDelivering
		s.nextAt = time.Time{}
		s.mu.Unlock()

		ok, errMsg, report := s.tryOnce(ctx, log, d, attempt)
		tiers = tierNames(report.Tiers)
		if ctx.Err() != nil {
			s.abort(log, d)
			return
		}
		if ok {
			s.complete(log, d, attempt, tiers)
			return
		}
		lastErr = errMsg
		s.mu.Lock()
		s.lastError = lastErr
		s.mu.Unlock()
		if err := s.opts.Store.UpdateStatus(d.ID, queue.StatusResuming,
			queue.WithAttempts(attempt), queue.WithError(lastErr)); err != nil {
			log.Warnf("recording attempt %d: %v", attempt, err)
		}

		if attempt == s.opts.MaxRetries {
			break
		}
		wait := s.opts.Backoff.Delay(attempt)
		log.Infof("attempt %d/%d failed (%s), retrying in %s", attempt, s.opts.MaxRetries, lastErr, wait)
		s.setState(StateDelivering, s.opts.Clock.Now().Add(wait))
		if err := s.sleep(ctx, wait); err != nil {
			s.abort(log, d)
			return
		}
	}

	s.fail(log, d, lastErr, tiers)
}

// tryOnce runs one discover, deliver, verify pass.
func (s *Scheduler) tryOnce(ctx context.Context, log *zap.SugaredLogger, d queue.Detection, attempt int) (bool, string, deliver.Report) {
	targets, err := s.opts.Discoverer.Discover(ctx)
	if err != nil {
		log.Warnf("discovery: %v", err)
	}
	log.Infof("attempt %d: %d target(s)", attempt, len(targets))

	var base verify.Snapshot
	if s.opts.Verifier != nil {
		base = s.opts.Verifier.Baseline(d.TranscriptPath)
	}

	report := s.opts.Deliverer.DeliverAll(ctx, targets)
	for _, r := range report.Results {
		if r.Success {
			log.Infof("delivered to %s via %v", r.Target, r.Tiers)
		} else {
			log.Warnf("delivery to %s failed: %s", r.Target, r.Error)
		}
	}
	if !report.Success {
		s.recordAttempt(ctx, report, false)
		return false, report.Err().Error(), report
	}

	if s.opts.Verifier == nil {
		s.recordAttempt(ctx, report, true)
		return true, "", report
	}
	s.setState(StateVerifying, time.Time{})
	res := s.opts.Verifier.Wait(ctx, base, deliveredPanes(report))
	switch {
	case res.Verified:
		log.Infof("verified: %s (+%d bytes)", res.Reason, res.NewBytes)
	case res.Reason == verify.ReasonNoTranscript:
		log.Warnf("no transcript found; accepting delivery unverified")
	default:
		s.recordAttempt(ctx, report, false)
		return false, "verification: " + res.Reason, report
	}
	s.recordAttempt(ctx, report, true)
	return true, "", report
}

// deliveredPanes lists the panes that took the resume sequence.
func deliveredPanes(report deliver.Report) []string {
	var panes []string
	for _, r := range report.Results {
		if r.Success && r.Target.Method == discover.MethodMultiplexer && r.Target.Pane != nil {
			panes = append(panes, r.Target.Pane.ID)
		}
	}
	return panes
}

func (s *Scheduler) recordAttempt(ctx context.Context, report deliver.Report, ok bool) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordAttempt(context.WithoutCancel(ctx), report, ok)
	}
}

func (s *Scheduler) complete(log *zap.SugaredLogger, d queue.Detection, attempts int, tiers []string) {
	log.Infof("resume completed after %d attempt(s)", attempts)
	if err := s.opts.Store.UpdateStatus(d.ID, queue.StatusCompleted, queue.WithAttempts(attempts)); err != nil {
		log.Errorf("marking completed: %v", err)
	}
	s.finish(StateCompleted, attempts, "")
	s.fire(hooks.Event{
		Hook:        hooks.ResumeSent,
		DetectionID: d.ID,
		ResetTime:   d.ResetTime,
		Message:     d.Message,
		Attempts:    attempts,
		Tiers:       tiers,
	})
}

func (s *Scheduler) fail(log *zap.SugaredLogger, d queue.Detection, lastErr string, tiers []string) {
	attempts := s.opts.MaxRetries
	log.Errorf("resume failed after %d attempt(s): %s", attempts, lastErr)
	if err := s.opts.Store.UpdateStatus(d.ID, queue.StatusFailed,
		queue.WithAttempts(attempts), queue.WithError(lastErr)); err != nil {
		log.Errorf("marking failed: %v", err)
	}
	s.finish(StateFailed, attempts, lastErr)
	s.fire(hooks.Event{
		Hook:        hooks.ResumeFailed,
		DetectionID: d.ID,
		ResetTime:   d.ResetTime,
		Message:     d.Message,
		Attempts:    attempts,
		Tiers:       tiers,
		Error:       lastErr,
	})
	if s.opts.Notifier != nil {
		body := fmt.Sprintf("Could not resume after %d attempts: %s", attempts, lastErr)
		if err := s.opts.Notifier.Notify(context.Background(), "autoresume: resume failed", body); err != nil {
			log.Debugf("notification: %v", err)
		}
	}
}

// abort handles cancellation: the detection goes back to pending so the
// next cycle, in this process or a restarted one, picks it up.
func (s *Scheduler) abort(log *zap.SugaredLogger, d queue.Detection) {
	log.Infof("cycle cancelled")
	if err := s.opts.Store.UpdateStatus(d.ID, queue.StatusPending); err != nil {
		log.Warnf("returning to pending: %v", err)
	}
	s.mu.Lock()
	s.state = StateIdle
	s.nextAt = time.Time{}
	s.mu.Unlock()
}

func (s *Scheduler) finish(st State, attempts int, lastErr string) {
	s.mu.Lock()
	s.state = st
	s.attempt = attempts
	s.lastError = lastErr
	s.nextAt = time.Time{}
	s.mu.Unlock()
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCycle(context.Background(), st, attempts)
	}
}

func (s *Scheduler) fire(ev hooks.Event) {
	if s.opts.Hooks == nil {
		return
	}
	ev.Timestamp = s.opts.Clock.Now()
	s.opts.Hooks.Fire(context.Background(), ev)
}

func tierNames(tiers []deliver.Tier) []string {
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, string(t))
	}
	return out
}
