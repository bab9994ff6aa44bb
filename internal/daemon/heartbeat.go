package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/autoresume/autoresume/internal/util"
)

// Heartbeat is the liveness record the daemon rewrites every interval.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
}

// WriteHeartbeat records a heartbeat for this process at now.
func WriteHeartbeat(path string, now time.Time) error {
	return util.AtomicWriteJSON(path, Heartbeat{Timestamp: now, PID: os.Getpid()})
}

// ReadHeartbeat reads the heartbeat file.
func ReadHeartbeat(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("parsing heartbeat: %w", err)
	}
	return &hb, nil
}

// Health is the verdict of CheckHealth.
type Health struct {
	Healthy bool          `json:"healthy"`
	PID     int           `json:"pid,omitempty"`
	Age     time.Duration `json:"age"`
	Reason  string        `json:"reason,omitempty"`
}

// CheckHealth reports whether the heartbeat at path is younger than
// staleAfter.
func CheckHealth(path string, staleAfter time.Duration, now time.Time) Health {
	hb, err := ReadHeartbeat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Health{Reason: "no heartbeat"}
		}
		return Health{Reason: err.Error()}
	}
	age := now.Sub(hb.Timestamp)
	h := Health{PID: hb.PID, Age: age}
	if age > staleAfter {
		h.Reason = fmt.Sprintf("heartbeat stale (%s old)", age.Round(time.Second))
		return h
	}
	h.Healthy = true
	return h
}
