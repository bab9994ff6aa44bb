package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides. They win over the file so a hook or a test can
// adjust one value without writing a config file.
const (
	EnvResumeText     = "AUTORESUME_RESUME_TEXT"
	EnvMenuKey        = "AUTORESUME_MENU_KEY"
	EnvPostResetDelay = "AUTORESUME_POST_RESET_DELAY"
	EnvTargetProgram  = "AUTORESUME_TARGET_PROGRAM"
	EnvTranscripts    = "AUTORESUME_TRANSCRIPTS"
	EnvNoNotify       = "AUTORESUME_NO_NOTIFY"
	EnvLogLevel       = "AUTORESUME_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvResumeText); v != "" {
		c.Resume.ResumeText = v
	}
	if v := os.Getenv(EnvMenuKey); v != "" {
		c.Resume.MenuSelectionKey = v
	}
	if v := os.Getenv(EnvPostResetDelay); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			c.Resume.PostResetDelaySeconds = n
		}
	}
	if v := os.Getenv(EnvTargetProgram); v != "" {
		c.Resume.TargetProgram = v
	}
	if v := os.Getenv(EnvTranscripts); v != "" {
		c.Transcripts.Root = v
	}
	if _, ok := os.LookupEnv(EnvNoNotify); ok {
		c.Notify.Enabled = false
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Daemon.LogLevel = strings.ToLower(v)
	}
}
