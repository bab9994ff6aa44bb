package util

import (
	"context"
	"strings"
	"time"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int

	// Delays lists the wait before each retry. The last entry repeats
	// when there are more retries than entries (default: 50ms).
	Delays []time.Duration

	// IsRetryable decides whether an error is worth another attempt.
	// If nil, DefaultIsRetryable is used.
	IsRetryable func(error) bool
}

// DefaultRetryConfig suits short local contention such as two hooks racing
// on the same lock file.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delays:      []time.Duration{50 * time.Millisecond, 150 * time.Millisecond},
		IsRetryable: DefaultIsRetryable,
	}
}

// transientErrorPatterns are substrings of local, self-clearing failures.
var transientErrorPatterns = []string{
	"resource temporarily unavailable",
	"interrupted system call",
	"text file busy",
	"device or resource busy",
	"locked by another process",
	"too many open files",
	"eagain",
	"ebusy",
}

// DefaultIsRetryable returns true for transient errors.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = []time.Duration{50 * time.Millisecond}
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	schedule := BackoffSchedule(cfg.Delays)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(schedule.Delay(attempt)):
		}
	}
	return zero, lastErr
}

// BackoffSchedule is an explicit list of increasing delays. Delay(n) is the
// wait after the n-th failure (1-based); past the end the last value repeats.
type BackoffSchedule []time.Duration

// Delay returns the wait after the given failed attempt.
func (b BackoffSchedule) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b) {
		return b[len(b)-1]
	}
	return b[attempt-1]
}

// SecondsSchedule converts whole seconds into a BackoffSchedule.
func SecondsSchedule(seconds []int) BackoffSchedule {
	out := make(BackoffSchedule, 0, len(seconds))
	for _, s := range seconds {
		if s < 0 {
			s = 0
		}
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
