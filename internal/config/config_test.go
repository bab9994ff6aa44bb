package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"transcriptPollingEnabled", cfg.Daemon.TranscriptPollingEnabled, true},
		{"maxLogSizeMB", cfg.Daemon.MaxLogSizeMB, 10},
		{"heartbeatIntervalSeconds", cfg.Daemon.HeartbeatIntervalSeconds, 30},
		{"postResetDelaySeconds", cfg.Resume.PostResetDelaySeconds, 60},
		{"maxRetries", cfg.Resume.MaxRetries, 4},
		{"verificationWindowSeconds", cfg.Resume.VerificationWindowSeconds, 30},
		{"menuSelectionKey", cfg.Resume.MenuSelectionKey, "1"},
		{"resumeText", cfg.Resume.ResumeText, "continue"},
		{"targetProgram", cfg.Resume.TargetProgram, "claude"},
		{"notify.enabled", cfg.Notify.Enabled, true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if len(cfg.Resume.BackoffSeconds) != 4 || cfg.Resume.BackoffSeconds[3] != 60 {
		t.Errorf("backoffSeconds = %v", cfg.Resume.BackoffSeconds)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	path := writeConfig(t, `
[daemon]
maxLogSizeMB = 20
transcriptPollingEnabled = false

[resume]
postResetDelaySeconds = 90
resumeText = "keep going"
backoffSeconds = [5, 15]

[hooks.commands]
resume-sent = ["echo sent"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.MaxLogSizeMB != 20 {
		t.Errorf("maxLogSizeMB = %d, want 20", cfg.Daemon.MaxLogSizeMB)
	}
	if cfg.Daemon.TranscriptPollingEnabled {
		t.Error("transcriptPollingEnabled should be false")
	}
	if cfg.Resume.PostResetDelay() != 90*time.Second {
		t.Errorf("PostResetDelay = %v", cfg.Resume.PostResetDelay())
	}
	if cfg.Resume.ResumeText != "keep going" {
		t.Errorf("resumeText = %q", cfg.Resume.ResumeText)
	}
	if len(cfg.Resume.BackoffSeconds) != 2 {
		t.Errorf("backoffSeconds = %v", cfg.Resume.BackoffSeconds)
	}
	// untouched keys keep defaults
	if cfg.Resume.MaxRetries != 4 {
		t.Errorf("maxRetries = %d, want 4", cfg.Resume.MaxRetries)
	}
	if got := cfg.Hooks.Commands["resume-sent"]; len(got) != 1 || got[0] != "echo sent" {
		t.Errorf("hooks.commands = %v", cfg.Hooks.Commands)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "[resume]\nresumeTxt = \"typo\"\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "resumeTxt") {
		t.Errorf("error should name the key, got %v", err)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[daemon\nmaxLogSizeMB = ")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}

	cfg, err := LoadOrDefault(path)
	if err == nil {
		t.Error("LoadOrDefault should still report the error")
	}
	if cfg == nil || cfg.Resume.MaxRetries != 4 {
		t.Errorf("LoadOrDefault should fall back to defaults, got %+v", cfg)
	}
}

func TestLoad_NormalizesOutOfRange(t *testing.T) {
	path := writeConfig(t, `
[daemon]
maxLogSizeMB = 0
heartbeatIntervalSeconds = 30
heartbeatStaleSeconds = 10

[resume]
maxRetries = -1
menuSelectionKey = ""
postResetDelaySeconds = -5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.MaxLogSizeMB != 10 {
		t.Errorf("maxLogSizeMB = %d, want 10", cfg.Daemon.MaxLogSizeMB)
	}
	if cfg.Daemon.HeartbeatStaleSeconds != 120 {
		t.Errorf("heartbeatStaleSeconds = %d, want 120", cfg.Daemon.HeartbeatStaleSeconds)
	}
	if cfg.Resume.MaxRetries != 4 {
		t.Errorf("maxRetries = %d, want 4", cfg.Resume.MaxRetries)
	}
	if cfg.Resume.MenuSelectionKey != "1" {
		t.Errorf("menuSelectionKey = %q, want 1", cfg.Resume.MenuSelectionKey)
	}
	if cfg.Resume.PostResetDelaySeconds != 0 {
		t.Errorf("postResetDelaySeconds = %d, want 0", cfg.Resume.PostResetDelaySeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvResumeText, "go on")
	t.Setenv(EnvPostResetDelay, "0")
	t.Setenv(EnvNoNotify, "1")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Resume.ResumeText != "go on" {
		t.Errorf("resumeText = %q", cfg.Resume.ResumeText)
	}
	if cfg.Resume.PostResetDelaySeconds != 0 {
		t.Errorf("postResetDelaySeconds = %d", cfg.Resume.PostResetDelaySeconds)
	}
	if cfg.Notify.Enabled {
		t.Error("notify should be disabled")
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("logLevel = %q", cfg.Daemon.LogLevel)
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.Daemon.MaxLogSize(); got != 10*1024*1024 {
		t.Errorf("MaxLogSize = %d", got)
	}
	if got := cfg.Resume.MenuSettle(); got != 2*time.Second {
		t.Errorf("MenuSettle = %v", got)
	}
	if got := cfg.Resume.VerificationPoll(); got != time.Second {
		t.Errorf("VerificationPoll = %v", got)
	}
}
