// Package constants defines shared names, file layout and timing defaults.
package constants

import (
	"os"
	"path/filepath"
	"time"
)

// DirState is the per-user state directory under $HOME.
const DirState = ".autoresume"

// EnvHome overrides the state directory (used by tests and multi-instance setups).
const EnvHome = "AUTORESUME_HOME"

// EnvConfig overrides the configuration file path.
const EnvConfig = "AUTORESUME_CONFIG"

// File names inside the state directory.
const (
	FileDetections = "detections.json"
	FileHeartbeat  = "heartbeat.json"
	FileState      = "state.json"
	FilePID        = "daemon.pid"
	FileLock       = "daemon.lock"
	FileLog        = "daemon.log"
	FileConfig     = "config.toml"
)

// DefaultTargetProgram is the interactive CLI the daemon resumes.
const DefaultTargetProgram = "claude"

// ShutdownNotifyDelay is how long StopDaemon waits after SIGTERM before SIGKILL.
const ShutdownNotifyDelay = 500 * time.Millisecond

// HookStaleAfter is how long the end-of-turn hook may stay silent before
// the daemon starts tailing transcripts itself.
const HookStaleAfter = 5 * time.Minute

// StateDir returns the state directory, honoring AUTORESUME_HOME.
func StateDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), DirState)
	}
	return filepath.Join(home, DirState)
}

// DetectionsPath returns <stateDir>/detections.json.
func DetectionsPath(stateDir string) string {
	return filepath.Join(stateDir, FileDetections)
}

// HeartbeatPath returns <stateDir>/heartbeat.json.
func HeartbeatPath(stateDir string) string {
	return filepath.Join(stateDir, FileHeartbeat)
}

// StatePath returns <stateDir>/state.json.
func StatePath(stateDir string) string {
	return filepath.Join(stateDir, FileState)
}

// PIDPath returns <stateDir>/daemon.pid.
func PIDPath(stateDir string) string {
	return filepath.Join(stateDir, FilePID)
}

// LockPath returns <stateDir>/daemon.lock.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, FileLock)
}

// LogPath returns <stateDir>/daemon.log.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, FileLog)
}

// ConfigPath returns the configuration file path, honoring AUTORESUME_CONFIG.
func ConfigPath(stateDir string) string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(stateDir, FileConfig)
}

// DefaultTranscriptsRoot returns ~/.claude/projects.
func DefaultTranscriptsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}
