package constants

import (
	"testing"
)

func TestStateDirOverride(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/ar-home")
	if got := StateDir(); got != "/tmp/ar-home" {
		t.Errorf("StateDir() = %q, want %q", got, "/tmp/ar-home")
	}
}

func TestStatePaths(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		want string
	}{
		{"detections", DetectionsPath, "/s/detections.json"},
		{"heartbeat", HeartbeatPath, "/s/heartbeat.json"},
		{"state", StatePath, "/s/state.json"},
		{"pid", PIDPath, "/s/daemon.pid"},
		{"lock", LockPath, "/s/daemon.lock"},
		{"log", LogPath, "/s/daemon.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn("/s"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	if got := ConfigPath("/s"); got != "/s/config.toml" {
		t.Errorf("ConfigPath = %q, want /s/config.toml", got)
	}

	t.Setenv(EnvConfig, "/etc/ar.toml")
	if got := ConfigPath("/s"); got != "/etc/ar.toml" {
		t.Errorf("ConfigPath with env = %q, want /etc/ar.toml", got)
	}
}
