package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/autoresume/autoresume/internal/constants"
	"github.com/autoresume/autoresume/internal/scheduler"
	"github.com/autoresume/autoresume/internal/util"
)

// State is the daemon's self-report, read by `autoresume status`.
type State struct {
	Running        bool      `json:"running"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"startedAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat,omitzero"`
	HeartbeatCount int64     `json:"heartbeatCount"`
	PendingCount   int       `json:"pendingCount"`

	Scheduler scheduler.Snapshot `json:"scheduler"`
}

// LoadState reads state.json from stateDir. A missing file yields an empty
// State.
func LoadState(stateDir string) (*State, error) {
	data, err := os.ReadFile(constants.StatePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState writes state.json atomically.
func SaveState(stateDir string, s *State) error {
	return util.AtomicWriteJSON(constants.StatePath(stateDir), s)
}
