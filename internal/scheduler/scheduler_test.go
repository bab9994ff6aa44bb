package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/autoresume/autoresume/internal/deliver"
	"github.com/autoresume/autoresume/internal/discover"
	"github.com/autoresume/autoresume/internal/hooks"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/util"
	"github.com/autoresume/autoresume/internal/verify"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// instantClock fires every timer immediately.
type instantClock struct{}

func (instantClock) Now() time.Time { return epoch }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- epoch
	return ch
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeDiscoverer struct {
	targets []discover.Target
	err     error
}

func (f *fakeDiscoverer) Discover(context.Context) ([]discover.Target, error) {
	return f.targets, f.err
}

type fakeDeliverer struct {
	mu      sync.Mutex
	results []bool // per call; the last repeats
	gate    chan struct{}
	calls   int
	started chan struct{}
}

func (f *fakeDeliverer) DeliverAll(ctx context.Context, targets []discover.Target) deliver.Report {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return deliver.Report{}
		}
	}
	ok := f.results[len(f.results)-1]
	if n <= len(f.results) {
		ok = f.results[n-1]
	}
	r := deliver.Report{Success: ok, Tiers: []deliver.Tier{deliver.TierMultiplexer}}
	res := deliver.TargetResult{Success: ok, Tiers: r.Tiers}
	if len(targets) > 0 {
		res.Target = targets[0]
	}
	if !ok {
		res.Error = "pane gone"
	}
	r.Results = []deliver.TargetResult{res}
	return r
}

func (f *fakeDeliverer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVerifier struct {
	mu      sync.Mutex
	results []verify.Result
	calls   int
	panes   [][]string
}

func (f *fakeVerifier) Baseline(path string) verify.Snapshot {
	return verify.Snapshot{Path: path}
}

func (f *fakeVerifier) Wait(_ context.Context, _ verify.Snapshot, panes []string) verify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.panes = append(f.panes, panes)
	if f.calls <= len(f.results) {
		return f.results[f.calls-1]
	}
	return f.results[len(f.results)-1]
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *fakeNotifier) Notify(context.Context, string, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	attempts int
	outcomes []State
}

func (m *fakeMetrics) RecordAttempt(context.Context, deliver.Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

func (m *fakeMetrics) RecordCycle(_ context.Context, outcome State, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	return queue.NewStore(filepath.Join(t.TempDir(), "detections.json"))
}

func addDetection(t *testing.T, store *queue.Store, reset time.Time) queue.Detection {
	t.Helper()
	_, d, err := store.AddDetection(queue.Detection{ResetTime: reset, Message: "You've hit your limit"})
	if err != nil {
		t.Fatalf("AddDetection: %v", err)
	}
	return d
}

func getDetection(t *testing.T, store *queue.Store, id string) *queue.Detection {
	t.Helper()
	d, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return d
}

func waitCycle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("cycle did not finish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func oneTarget() *fakeDiscoverer {
	return &fakeDiscoverer{targets: []discover.Target{{
		PID:    42,
		Method: discover.MethodPseudoTerminal,
		TTY:    "/dev/pts/3",
	}}}
}

func TestCycleCompletes(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Hour))

	reg := hooks.NewRegistry(time.Second, nil)
	var fired []hooks.Event
	var mu sync.Mutex
	_ = reg.Register(string(hooks.ResumeSent), "test", func(_ context.Context, ev hooks.Event) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, ev)
		return nil
	})
	metrics := &fakeMetrics{}

	s := New(Options{
		Store:          store,
		Discoverer:     oneTarget(),
		Deliverer:      &fakeDeliverer{results: []bool{true}},
		Verifier:       &fakeVerifier{results: []verify.Result{{Verified: true, Reason: verify.ReasonGrew}}},
		Hooks:          reg,
		Metrics:        metrics,
		Clock:          instantClock{},
		PostResetDelay: time.Minute,
		MaxRetries:     4,
	})

	if !s.Track(context.Background(), d) {
		t.Fatal("Track did not arm")
	}
	waitCycle(t, s)

	got := getDetection(t, store, d.ID)
	if got.Status != queue.StatusCompleted || got.Attempts != 1 || got.CompletedAt == nil {
		t.Errorf("stored detection = %+v", got)
	}
	snap := s.Snapshot()
	if snap.State != StateCompleted || snap.TrackedID != d.ID {
		t.Errorf("Snapshot = %+v", snap)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0].DetectionID != d.ID || fired[0].Attempts != 1 {
		t.Errorf("resume-sent events = %+v", fired)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != StateCompleted {
		t.Errorf("metrics outcomes = %v", metrics.outcomes)
	}
}

func TestCycleFailsAfterMaxRetries(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Hour))
	deliverer := &fakeDeliverer{results: []bool{false}}
	notifier := &fakeNotifier{}

	reg := hooks.NewRegistry(time.Second, nil)
	failed := make(chan hooks.Event, 1)
	_ = reg.Register(string(hooks.ResumeFailed), "test", func(_ context.Context, ev hooks.Event) error {
		failed <- ev
		return nil
	})

	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  deliverer,
		Hooks:      reg,
		Notifier:   notifier,
		Clock:      instantClock{},
		MaxRetries: 3,
		Backoff:    util.SecondsSchedule([]int{10, 20}),
	})
	s.Track(context.Background(), d)
	waitCycle(t, s)

	if deliverer.Calls() != 3 {
		t.Errorf("deliveries = %d, want 3", deliverer.Calls())
	}
	got := getDetection(t, store, d.ID)
	if got.Status != queue.StatusFailed || got.Attempts != 3 || got.LastError == "" {
		t.Errorf("stored detection = %+v", got)
	}
	if s.Snapshot().State != StateFailed {
		t.Errorf("state = %s, want failed", s.Snapshot().State)
	}
	if notifier.count != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count)
	}
	select {
	case ev := <-failed:
		if ev.Error == "" {
			t.Error("resume-failed event has no error")
		}
	default:
		t.Error("resume-failed hook not fired")
	}
}

func TestVerificationFailureRetries(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Minute))
	verifier := &fakeVerifier{results: []verify.Result{
		{Reason: verify.ReasonTimeout},
		{Verified: true, Reason: verify.ReasonGrew, NewBytes: 10},
	}}
	deliverer := &fakeDeliverer{results: []bool{true}}

	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  deliverer,
		Verifier:   verifier,
		Clock:      instantClock{},
		MaxRetries: 4,
		Backoff:    util.SecondsSchedule([]int{10}),
	})
	s.Track(context.Background(), d)
	waitCycle(t, s)

	got := getDetection(t, store, d.ID)
	if got.Status != queue.StatusCompleted || got.Attempts != 2 {
		t.Errorf("stored detection = %+v, want completed after 2 attempts", got)
	}
}

func TestNoTranscriptAcceptsDelivery(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Minute))
	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  &fakeDeliverer{results: []bool{true}},
		Verifier:   &fakeVerifier{results: []verify.Result{{Reason: verify.ReasonNoTranscript}}},
		Clock:      instantClock{},
		MaxRetries: 2,
	})
	s.Track(context.Background(), d)
	waitCycle(t, s)
	if got := getDetection(t, store, d.ID); got.Status != queue.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestVerifierGetsDeliveredPanes(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Minute))
	verifier := &fakeVerifier{results: []verify.Result{{Verified: true, Reason: verify.ReasonPaneChanged}}}
	s := New(Options{
		Store: store,
		Discoverer: &fakeDiscoverer{targets: []discover.Target{{
			PID:    7,
			Method: discover.MethodMultiplexer,
			Pane:   &discover.PaneRef{Address: "work:0.1", ID: "%4"},
		}}},
		Deliverer:  &fakeDeliverer{results: []bool{true}},
		Verifier:   verifier,
		Clock:      instantClock{},
		MaxRetries: 1,
	})
	s.Track(context.Background(), d)
	waitCycle(t, s)

	verifier.mu.Lock()
	defer verifier.mu.Unlock()
	if len(verifier.panes) != 1 || len(verifier.panes[0]) != 1 || verifier.panes[0][0] != "%4" {
		t.Errorf("verifier panes = %v, want [[%%4]]", verifier.panes)
	}
}

func TestDiscoveryErrorStillDelivers(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(time.Minute))
	deliverer := &fakeDeliverer{results: []bool{true}}
	s := New(Options{
		Store:      store,
		Discoverer: &fakeDiscoverer{err: errors.New("ps: not found")},
		Deliverer:  deliverer,
		Clock:      instantClock{},
	})
	s.Track(context.Background(), d)
	waitCycle(t, s)
	if deliverer.Calls() != 1 {
		t.Errorf("deliveries = %d, want 1 (fallback path)", deliverer.Calls())
	}
}

func TestTrackPreemption(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	late := addDetection(t, store, epoch.Add(2*time.Hour))
	early := addDetection(t, store, epoch.Add(time.Hour))
	later := addDetection(t, store, epoch.Add(3*time.Hour))

	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  &fakeDeliverer{results: []bool{true}},
		Clock:      clock,
		MaxRetries: 1,
	})
	ctx := context.Background()

	if !s.Track(ctx, late) {
		t.Fatal("first Track did not arm")
	}
	waitFor(t, "countdown timer", func() bool { return clock.Waiters() == 1 })
	if s.Snapshot().State != StateCountingDown {
		t.Fatalf("state = %s, want countingDown", s.Snapshot().State)
	}

	tests := []struct {
		name string
		d    queue.Detection
		want bool
	}{
		{"same detection", late, false},
		{"same reset", queue.Detection{ID: "other", ResetTime: late.ResetTime, Status: queue.StatusPending}, false},
		{"later reset", later, false},
		{"earlier reset preempts", early, true},
	}
	for _, tt := range tests {
		if got := s.Track(ctx, tt.d); got != tt.want {
			t.Errorf("%s: Track = %v, want %v", tt.name, got, tt.want)
		}
	}

	snap := s.Snapshot()
	if snap.TrackedID != early.ID || !snap.TrackedResetTime.Equal(early.ResetTime) {
		t.Errorf("tracked %s at %s, want %s", snap.TrackedID, snap.TrackedResetTime, early.ID)
	}
	if got := getDetection(t, store, late.ID); got.Status != queue.StatusPending {
		t.Errorf("preempted detection status = %s, want pending", got.Status)
	}

	waitFor(t, "new countdown timer", func() bool { return clock.Waiters() == 2 })
	clock.Advance(time.Hour)
	waitCycle(t, s)

	if got := getDetection(t, store, early.ID); got.Status != queue.StatusCompleted {
		t.Errorf("early detection status = %s, want completed", got.Status)
	}
	if got := getDetection(t, store, late.ID); got.Status != queue.StatusPending {
		t.Errorf("late detection status = %s, want still pending", got.Status)
	}
}

func TestTrackIgnoresTerminal(t *testing.T) {
	s := New(Options{Clock: instantClock{}})
	d := queue.Detection{ID: "x", ResetTime: epoch, Status: queue.StatusCompleted}
	if s.Track(context.Background(), d) {
		t.Error("terminal detection armed a cycle")
	}
	if s.Busy() {
		t.Error("scheduler busy")
	}
}

func TestShutdownDuringCountdown(t *testing.T) {
	store := newStore(t)
	clock := newFakeClock()
	d := addDetection(t, store, epoch.Add(time.Hour))
	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  &fakeDeliverer{results: []bool{true}},
		Clock:      clock,
	})
	s.Track(context.Background(), d)
	waitFor(t, "countdown timer", func() bool { return clock.Waiters() == 1 })

	s.Shutdown(time.Second)

	if s.Busy() {
		t.Error("scheduler still busy after Shutdown")
	}
	if s.Snapshot().State != StateIdle {
		t.Errorf("state = %s, want idle", s.Snapshot().State)
	}
	if got := getDetection(t, store, d.ID); got.Status != queue.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestInFlightDeliveryIsNotPreempted(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch.Add(2*time.Hour))
	earlier := addDetection(t, store, epoch.Add(time.Hour))
	deliverer := &fakeDeliverer{
		results: []bool{true},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  deliverer,
		Clock:      instantClock{},
	})
	s.Track(context.Background(), d)

	select {
	case <-deliverer.started:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never started")
	}
	if s.Track(context.Background(), earlier) {
		t.Error("earlier detection preempted an in-flight delivery")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(deliverer.gate)
	}()
	s.Shutdown(3 * time.Second)

	if got := getDetection(t, store, d.ID); got.Status != queue.StatusCompleted {
		t.Errorf("status = %s, want completed within grace", got.Status)
	}
}

type panickingDeliverer struct{}

func (panickingDeliverer) DeliverAll(context.Context, []discover.Target) deliver.Report {
	panic("injector exploded")
}

func TestCyclePanicIsReported(t *testing.T) {
	store := newStore(t)
	d := addDetection(t, store, epoch)

	type reported struct {
		value any
		stack []byte
	}
	got := make(chan reported, 1)
	s := New(Options{
		Store:      store,
		Discoverer: oneTarget(),
		Deliverer:  panickingDeliverer{},
		Clock:      instantClock{},
		MaxRetries: 2,
		OnPanic: func(v any, stack []byte) {
			got <- reported{v, stack}
		},
	})

	if !s.Track(context.Background(), d) {
		t.Fatal("Track should arm a cycle")
	}

	select {
	case r := <-got:
		if r.value != "injector exploded" {
			t.Errorf("panic value = %v", r.value)
		}
		if len(r.stack) == 0 {
			t.Error("panic stack is empty")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not reported")
	}

	waitCycle(t, s)
	waitFor(t, "failed state", func() bool { return s.Snapshot().State == StateFailed })
	snap := s.Snapshot()
	if snap.LastError != "panic: injector exploded" {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if s.Busy() {
		t.Error("scheduler still busy after a panicked cycle")
	}
	if st := getDetection(t, store, d.ID).Status; st != queue.StatusResuming {
		t.Errorf("status = %s, want resuming so a restart retries it", st)
	}
}
