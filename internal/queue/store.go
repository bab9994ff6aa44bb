package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/autoresume/autoresume/internal/util"
)

var (
	// ErrNotFound is returned when no detection has the requested id.
	ErrNotFound = errors.New("detection not found")

	// ErrInvalidStatus is returned for an unknown status value.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrTerminal is returned when changing a finished detection.
	ErrTerminal = errors.New("detection already terminal")

	// ErrLockTimeout is returned when the store lock cannot be taken in time.
	ErrLockTimeout = errors.New("timed out waiting for store lock")
)

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

// Store is the detection queue bound to one JSON file. Every mutation is a
// locked read-modify-write followed by an atomic rename, so concurrent hooks
// and the daemon never observe a partial record.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewStore returns a store backed by path. The lock file is path + ".lock".
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load reads the record. A missing file is an empty record; a corrupt file
// is moved aside and treated as empty; a legacy single-slot file is migrated
// in memory (the next mutation persists the new shape).
func (s *Store) Load() (*Record, error) {
	return s.read()
}

// List returns all detections ordered by reset time.
func (s *Store) List() ([]Detection, error) {
	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	out := append([]Detection(nil), rec.Queue...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ResetTime.Before(out[j].ResetTime)
	})
	return out, nil
}

// AddDetection inserts d unless a detection with the same reset time already
// exists. It returns whether d was added and the stored detection (the new one
// or the existing duplicate). Missing id, detectedAt and status are filled in.
func (s *Store) AddDetection(d Detection) (bool, Detection, error) {
	var added bool
	var stored Detection

	err := s.mutate(func(rec *Record) (bool, error) {
		if i := rec.findReset(d.ResetTime); i >= 0 {
			stored = rec.Queue[i]
			return false, nil
		}
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.DetectedAt.IsZero() {
			d.DetectedAt = s.now()
		}
		if d.Status == "" {
			d.Status = StatusPending
		}
		if !d.Status.Valid() {
			return false, fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
		}
		rec.Queue = append(rec.Queue, d)
		added = true
		stored = d
		return true, nil
	})
	if err != nil {
		return false, Detection{}, err
	}
	return added, stored, nil
}

// GetNextPending returns the pending or resuming detection with the earliest
// reset time, or nil when there is none.
func (s *Store) GetNextPending() (*Detection, error) {
	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	return rec.NextPending(), nil
}

// Get returns the detection with id.
func (s *Store) Get(id string) (*Detection, error) {
	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	i := rec.find(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d := rec.Queue[i]
	return &d, nil
}

// UpdateOption adjusts a status update.
type UpdateOption func(*Detection)

// WithAttempts records the number of delivery attempts made.
func WithAttempts(n int) UpdateOption {
	return func(d *Detection) { d.Attempts = n }
}

// WithError records the last failure reason. An empty string clears it.
func WithError(msg string) UpdateOption {
	return func(d *Detection) { d.LastError = msg }
}

// UpdateStatus moves a detection to status. Moving to completed or failed
// stamps completedAt. A terminal detection cannot change status again.
func (s *Store) UpdateStatus(id string, status Status, opts ...UpdateOption) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.mutate(func(rec *Record) (bool, error) {
		i := rec.find(id)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		d := &rec.Queue[i]
		if d.Status.Terminal() && d.Status != status {
			return false, fmt.Errorf("%w: %s is %s", ErrTerminal, id, d.Status)
		}
		d.Status = status
		if status.Terminal() && d.CompletedAt == nil {
			t := s.now()
			d.CompletedAt = &t
		}
		for _, opt := range opts {
			opt(d)
		}
		return true, nil
	})
}

// TouchHookRun records that the end-of-turn hook ran at t.
func (s *Store) TouchHookRun(t time.Time) error {
	return s.mutate(func(rec *Record) (bool, error) {
		rec.LastHookRun = &t
		return true, nil
	})
}

// LastHookRun returns when the hook last ran, or the zero time.
func (s *Store) LastHookRun() (time.Time, error) {
	rec, err := s.read()
	if err != nil {
		return time.Time{}, err
	}
	if rec.LastHookRun == nil {
		return time.Time{}, nil
	}
	return *rec.LastHookRun, nil
}

// Prune drops terminal detections that finished more than olderThan ago.
// Active detections are never pruned. Returns the number removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	removed := 0
	cutoff := s.now().Add(-olderThan)
	err := s.mutate(func(rec *Record) (bool, error) {
		kept := rec.Queue[:0]
		for _, d := range rec.Queue {
			if d.Status.Terminal() && d.CompletedAt != nil && d.CompletedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, d)
		}
		rec.Queue = kept
		return removed > 0, nil
	})
	return removed, err
}

// mutate runs fn on the current record under the store lock and writes the
// result back when fn reports a change.
func (s *Store) mutate(fn func(*Record) (bool, error)) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.write(rec)
}

func (s *Store) lock() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	fl := flock.New(s.lockPath)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *Store) write(rec *Record) error {
	if rec.Queue == nil {
		rec.Queue = []Detection{}
	}
	_, err := util.Retry(context.Background(), util.DefaultRetryConfig(), func() (struct{}, error) {
		return struct{}{}, util.AtomicWriteJSON(s.path, rec)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) read() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Record{Queue: []Detection{}}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &Record{Queue: []Detection{}}, nil
	}

	rec, err := decode(data, s.now())
	if err != nil {
		s.quarantine()
		return &Record{Queue: []Detection{}}, nil
	}
	return rec, nil
}

// quarantine moves an unreadable store file aside so it can be inspected.
func (s *Store) quarantine() {
	_ = os.Rename(s.path, s.path+".corrupt")
}

// decode parses either the queue shape or the legacy single-slot shape.
func decode(data []byte, now time.Time) (*Record, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if _, ok := probe["queue"]; ok {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if rec.Queue == nil {
			rec.Queue = []Detection{}
		}
		return &rec, nil
	}

	if _, ok := probe["detected"]; ok {
		return migrateLegacy(probe, now)
	}
	return nil, errors.New("unrecognized store shape")
}

// legacySlot is the old shape: one detection overwritten in place.
type legacySlot struct {
	Detected          bool            `json:"detected"`
	ResetTime         json.RawMessage `json:"resetTime"`
	Timezone          string          `json:"timezone"`
	Message           string          `json:"message"`
	TargetProcessHint int             `json:"targetProcessHint"`
	SessionID         string          `json:"sessionId"`
	TranscriptPath    string          `json:"transcriptPath"`
	DetectedAt        json.RawMessage `json:"detectedAt"`
	LastHookRun       json.RawMessage `json:"lastHookRun"`
}

func migrateLegacy(probe map[string]json.RawMessage, now time.Time) (*Record, error) {
	raw, err := json.Marshal(probe)
	if err != nil {
		return nil, err
	}
	var slot legacySlot
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, err
	}

	rec := &Record{Queue: []Detection{}}
	if t, ok := parseLegacyTime(slot.LastHookRun); ok {
		rec.LastHookRun = &t
	}
	if !slot.Detected {
		return rec, nil
	}

	reset, ok := parseLegacyTime(slot.ResetTime)
	if !ok {
		return nil, errors.New("legacy record has no usable resetTime")
	}
	detectedAt, ok := parseLegacyTime(slot.DetectedAt)
	if !ok {
		detectedAt = now
	}
	rec.Queue = append(rec.Queue, Detection{
		ID:                legacyID(reset),
		ResetTime:         reset,
		Timezone:          slot.Timezone,
		Message:           slot.Message,
		TargetProcessHint: slot.TargetProcessHint,
		SessionID:         slot.SessionID,
		TranscriptPath:    slot.TranscriptPath,
		Status:            StatusPending,
		DetectedAt:        detectedAt,
	})
	return rec, nil
}

// legacyID derives the migrated detection's id from its reset time, so every
// read of an unmigrated file yields the same id until a mutation rewrites it.
func legacyID(reset time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("autoresume:legacy:"+reset.UTC().Format(time.RFC3339))).String()
}

// parseLegacyTime accepts an RFC 3339 string or epoch milliseconds.
func parseLegacyTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
