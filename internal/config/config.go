// Package config loads the autoresume configuration file.
//
// Every key has a default; a missing file yields Default() unchanged, and a
// file only needs to name the keys it overrides:
//
//	[daemon]
//	maxLogSizeMB = 20
//
//	[resume]
//	postResetDelaySeconds = 90
//	resumeText = "continue"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/autoresume/autoresume/internal/constants"
)

// Config is the full configuration.
type Config struct {
	Daemon      DaemonConfig      `toml:"daemon"`
	Resume      ResumeConfig      `toml:"resume"`
	Notify      NotifyConfig      `toml:"notify"`
	Hooks       HooksConfig       `toml:"hooks"`
	Transcripts TranscriptsConfig `toml:"transcripts"`
}

// DaemonConfig controls the resident process.
type DaemonConfig struct {
	TranscriptPollingEnabled bool   `toml:"transcriptPollingEnabled"`
	MaxLogSizeMB             int    `toml:"maxLogSizeMB"`
	HeartbeatIntervalSeconds int    `toml:"heartbeatIntervalSeconds"`
	HeartbeatStaleSeconds    int    `toml:"heartbeatStaleSeconds"`
	PollIntervalSeconds      int    `toml:"pollIntervalSeconds"`
	WatchdogIntervalSeconds  int    `toml:"watchdogIntervalSeconds"`
	MaxMemoryMB              int    `toml:"maxMemoryMB"`
	ShutdownGraceSeconds     int    `toml:"shutdownGraceSeconds"`
	LogLevel                 string `toml:"logLevel"`
}

// ResumeConfig controls the resume cycle and the injected key sequence.
type ResumeConfig struct {
	PostResetDelaySeconds     int    `toml:"postResetDelaySeconds"`
	MaxRetries                int    `toml:"maxRetries"`
	BackoffSeconds            []int  `toml:"backoffSeconds"`
	VerificationWindowSeconds int    `toml:"verificationWindowSeconds"`
	VerificationPollMs        int    `toml:"verificationPollMs"`
	MenuSelectionKey          string `toml:"menuSelectionKey"`
	ResumeText                string `toml:"resumeText"`
	KeyDelayMs                int    `toml:"keyDelayMs"`
	MenuSettleMs              int    `toml:"menuSettleMs"`
	TargetProgram             string `toml:"targetProgram"`
	UIAutomationTool          string `toml:"uiAutomationTool"`
}

// NotifyConfig controls desktop notifications.
type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
}

// HooksConfig maps lifecycle hook names to shell commands.
type HooksConfig struct {
	Commands map[string][]string `toml:"commands"`
}

// TranscriptsConfig locates session transcripts.
type TranscriptsConfig struct {
	Root string `toml:"root"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			TranscriptPollingEnabled: true,
			MaxLogSizeMB:             10,
			HeartbeatIntervalSeconds: 30,
			HeartbeatStaleSeconds:    120,
			PollIntervalSeconds:      5,
			WatchdogIntervalSeconds:  60,
			MaxMemoryMB:              256,
			ShutdownGraceSeconds:     10,
			LogLevel:                 "info",
		},
		Resume: ResumeConfig{
			PostResetDelaySeconds:     60,
			MaxRetries:                4,
			BackoffSeconds:            []int{10, 20, 40, 60},
			VerificationWindowSeconds: 30,
			VerificationPollMs:        1000,
			MenuSelectionKey:          "1",
			ResumeText:                "continue",
			KeyDelayMs:                300,
			MenuSettleMs:              2000,
			TargetProgram:             constants.DefaultTargetProgram,
			UIAutomationTool:          "xdotool",
		},
		Notify: NotifyConfig{Enabled: true},
		Hooks:  HooksConfig{Commands: map[string][]string{}},
		Transcripts: TranscriptsConfig{
			Root: constants.DefaultTranscriptsRoot(),
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// LoadOrDefault is Load that falls back to defaults on any error.
// The daemon uses it so a broken config never stops recovery.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		d := Default()
		d.applyEnv()
		return d, err
	}
	return cfg, nil
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	d := Default()
	if c.Daemon.MaxLogSizeMB <= 0 {
		c.Daemon.MaxLogSizeMB = d.Daemon.MaxLogSizeMB
	}
	if c.Daemon.HeartbeatIntervalSeconds <= 0 {
		c.Daemon.HeartbeatIntervalSeconds = d.Daemon.HeartbeatIntervalSeconds
	}
	if c.Daemon.HeartbeatStaleSeconds <= c.Daemon.HeartbeatIntervalSeconds {
		c.Daemon.HeartbeatStaleSeconds = 4 * c.Daemon.HeartbeatIntervalSeconds
	}
	if c.Daemon.PollIntervalSeconds <= 0 {
		c.Daemon.PollIntervalSeconds = d.Daemon.PollIntervalSeconds
	}
	if c.Daemon.WatchdogIntervalSeconds <= 0 {
		c.Daemon.WatchdogIntervalSeconds = d.Daemon.WatchdogIntervalSeconds
	}
	if c.Daemon.MaxMemoryMB <= 0 {
		c.Daemon.MaxMemoryMB = d.Daemon.MaxMemoryMB
	}
	if c.Daemon.ShutdownGraceSeconds < 0 {
		c.Daemon.ShutdownGraceSeconds = d.Daemon.ShutdownGraceSeconds
	}
	if c.Resume.PostResetDelaySeconds < 0 {
		c.Resume.PostResetDelaySeconds = 0
	}
	if c.Resume.MaxRetries <= 0 {
		c.Resume.MaxRetries = d.Resume.MaxRetries
	}
	if len(c.Resume.BackoffSeconds) == 0 {
		c.Resume.BackoffSeconds = d.Resume.BackoffSeconds
	}
	if c.Resume.VerificationWindowSeconds <= 0 {
		c.Resume.VerificationWindowSeconds = d.Resume.VerificationWindowSeconds
	}
	if c.Resume.VerificationPollMs <= 0 {
		c.Resume.VerificationPollMs = d.Resume.VerificationPollMs
	}
	if c.Resume.MenuSelectionKey == "" {
		c.Resume.MenuSelectionKey = d.Resume.MenuSelectionKey
	}
	if c.Resume.ResumeText == "" {
		c.Resume.ResumeText = d.Resume.ResumeText
	}
	if c.Resume.KeyDelayMs < 0 {
		c.Resume.KeyDelayMs = d.Resume.KeyDelayMs
	}
	if c.Resume.MenuSettleMs < 0 {
		c.Resume.MenuSettleMs = d.Resume.MenuSettleMs
	}
	if c.Resume.TargetProgram == "" {
		c.Resume.TargetProgram = d.Resume.TargetProgram
	}
	if c.Hooks.Commands == nil {
		c.Hooks.Commands = map[string][]string{}
	}
	if c.Transcripts.Root == "" {
		c.Transcripts.Root = d.Transcripts.Root
	}
}

// PostResetDelay is the grace period after the reset time.
func (r ResumeConfig) PostResetDelay() time.Duration {
	return time.Duration(r.PostResetDelaySeconds) * time.Second
}

// VerificationWindow is how long the verifier waits for new activity.
func (r ResumeConfig) VerificationWindow() time.Duration {
	return time.Duration(r.VerificationWindowSeconds) * time.Second
}

// VerificationPoll is the verifier's polling interval.
func (r ResumeConfig) VerificationPoll() time.Duration {
	return time.Duration(r.VerificationPollMs) * time.Millisecond
}

// KeyDelay is the pause between paced keystrokes.
func (r ResumeConfig) KeyDelay() time.Duration {
	return time.Duration(r.KeyDelayMs) * time.Millisecond
}

// MenuSettle is the pause after the menu-selection key.
func (r ResumeConfig) MenuSettle() time.Duration {
	return time.Duration(r.MenuSettleMs) * time.Millisecond
}

// MaxLogSize is the rotation threshold in bytes.
func (d DaemonConfig) MaxLogSize() int64 {
	return int64(d.MaxLogSizeMB) * 1024 * 1024
}

// HeartbeatInterval is how often the health record is rewritten.
func (d DaemonConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatStale is the age after which a health record is considered wedged.
func (d DaemonConfig) HeartbeatStale() time.Duration {
	return time.Duration(d.HeartbeatStaleSeconds) * time.Second
}

// PollInterval is the store re-poll interval backing the file watcher.
func (d DaemonConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// WatchdogInterval is how often the daemon checks itself.
func (d DaemonConfig) WatchdogInterval() time.Duration {
	return time.Duration(d.WatchdogIntervalSeconds) * time.Second
}

// ShutdownGrace bounds how long stop waits for in-flight delivery.
func (d DaemonConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}
