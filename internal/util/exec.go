package util

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecWithOutputContext runs name in workDir and returns trimmed stdout.
// On failure the error carries stderr, which is usually the useful part.
func ExecWithOutputContext(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ExecRunContext runs name in workDir, discarding stdout.
func ExecRunContext(ctx context.Context, workDir, name string, args ...string) error {
	_, err := ExecWithOutputContext(ctx, workDir, name, args...)
	return err
}

// CommandExists reports whether name resolves on PATH.
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
