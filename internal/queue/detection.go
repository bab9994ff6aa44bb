// Package queue is the durable, deduplicated store of quota-exhaustion
// detections shared by the end-of-turn hook and the daemon.
package queue

import (
	"time"
)

// Status is the lifecycle state of a Detection.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResuming  Status = "resuming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether the detection still needs a resume cycle.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusResuming
}

// Terminal reports whether the detection is finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// Detection is one observed quota exhaustion.
type Detection struct {
	ID                string     `json:"id"`
	ResetTime         time.Time  `json:"resetTime"`
	Timezone          string     `json:"timezone,omitempty"`
	Message           string     `json:"message,omitempty"`
	TargetProcessHint int        `json:"targetProcessHint,omitempty"`
	SessionID         string     `json:"sessionId,omitempty"`
	TranscriptPath    string     `json:"transcriptPath,omitempty"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	DetectedAt        time.Time  `json:"detectedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// SameReset reports whether two reset times collide under the dedup rule.
// Comparison is at whole-second precision.
func SameReset(a, b time.Time) bool {
	return a.Unix() == b.Unix()
}

// Record is the on-disk shape of the store file.
type Record struct {
	Queue       []Detection `json:"queue"`
	LastHookRun *time.Time  `json:"lastHookRun,omitempty"`
}

// find returns the index of the detection with id, or -1.
func (r *Record) find(id string) int {
	for i := range r.Queue {
		if r.Queue[i].ID == id {
			return i
		}
	}
	return -1
}

// findReset returns the index of the detection with the same reset time, or -1.
func (r *Record) findReset(t time.Time) int {
	for i := range r.Queue {
		if SameReset(r.Queue[i].ResetTime, t) {
			return i
		}
	}
	return -1
}

// NextPending returns the active detection with the earliest reset time.
// Ties go to the earlier detection.
func (r *Record) NextPending() *Detection {
	var best *Detection
	for i := range r.Queue {
		d := &r.Queue[i]
		if !d.Status.Active() {
			continue
		}
		if best == nil ||
			d.ResetTime.Before(best.ResetTime) ||
			(d.ResetTime.Equal(best.ResetTime) && d.DetectedAt.Before(best.DetectedAt)) {
			best = d
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
