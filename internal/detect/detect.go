// Package detect classifies session output as a quota-exhaustion event.
//
// A false positive interrupts a live session, so the filters run before any
// semantic match and a rejected string is never reconsidered.
package detect

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the longest string the classifier will consider, in
// characters. Real limit notices are one short line.
const MaxMessageLength = 500

// Match sources.
const (
	SourceLimitPhrase = "limit_phrase"
	SourceAPIError    = "api_error"
)

// Rejection and miss reasons.
const (
	ReasonEmpty         = "empty"
	ReasonTooLong       = "too_long"
	ReasonFalsePositive = "false_positive"
	ReasonNoMatch       = "no_match"
)

// Result is the outcome of Classify.
type Result struct {
	// Matched is true when the text reports quota exhaustion.
	Matched bool `json:"matched"`

	// ResetTime is the absolute time the quota is expected back.
	ResetTime time.Time `json:"resetTime,omitempty"`

	// Timezone is the zone named in the message, or the local zone name.
	Timezone string `json:"timezone,omitempty"`

	// Message is the matched text, trimmed.
	Message string `json:"message,omitempty"`

	// Source is which pattern family matched.
	Source string `json:"source,omitempty"`

	// ResetSource records which extraction rule produced ResetTime.
	ResetSource string `json:"resetSource,omitempty"`

	// Reason explains a non-match.
	Reason string `json:"reason,omitempty"`
}

var (
	limitPhrasePattern = regexp.MustCompile(`(?i)\bhit\s+your\s+(?:usage\s+)?limit\b`)
	resetClausePattern = regexp.MustCompile(`(?i)\bresets\s+\S`)

	// Structured API errors that are quota exhaustion on their own.
	apiQuotaPattern = regexp.MustCompile(`(?i)(rate_limit_error|usage\s+limit\s+reached)`)

	// Broader API errors that only count with a retry or reset clause.
	apiQuotaWeakPattern = regexp.MustCompile(`(?i)(quota\s+exceeded|\b429\b|too\s+many\s+requests)`)
	retryClausePattern  = regexp.MustCompile(`(?i)(try\s+again\s+in\s+\d|retry.?after["':\s]+\d|\bresets\s+\S)`)
)

// falsePositiveSubstrings mark text that quotes a limit message rather than
// being one: tool traffic, source code and transcript metadata.
var falsePositiveSubstrings = []string{
	"<tool_use>",
	"</tool_use>",
	"<function_calls>",
	"<invoke",
	"tool_result",
	`"type":"tool_use"`,
	`"type": "tool_use"`,
	`"sessionId"`,
	`"parentUuid"`,
	`"transcript_path"`,
	`"isSidechain"`,
	"```",
	"func ",
	"const ",
	"import ",
	"=>",
	"regexp.",
	"RegExp(",
	"return ",
}

// lineNumberPattern matches file-read output such as "  42→text" or "42\ttext".
var lineNumberPattern = regexp.MustCompile(`(?m)^\s*\d+(?:→|\||\t)`)

// IsFalsePositive reports whether text carries any false-positive indicator.
func IsFalsePositive(text string) bool {
	for _, s := range falsePositiveSubstrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return lineNumberPattern.MatchString(text)
}

// Classify decides whether text reports quota exhaustion and, on a match,
// extracts the reset time relative to now.
func Classify(text string, now time.Time) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Reason: ReasonEmpty}
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return Result{Reason: ReasonTooLong}
	}
	if IsFalsePositive(text) {
		return Result{Reason: ReasonFalsePositive}
	}

	source := ""
	switch {
	case limitPhrasePattern.MatchString(trimmed) && resetClausePattern.MatchString(trimmed):
		source = SourceLimitPhrase
	case apiQuotaPattern.MatchString(trimmed):
		source = SourceAPIError
	case apiQuotaWeakPattern.MatchString(trimmed) && retryClausePattern.MatchString(trimmed):
		source = SourceAPIError
	default:
		return Result{Reason: ReasonNoMatch}
	}

	reset := ExtractResetTime(trimmed, now)
	return Result{
		Matched:     true,
		ResetTime:   reset.Time,
		Timezone:    reset.Timezone,
		Message:     trimmed,
		Source:      source,
		ResetSource: reset.Source,
	}
}

// Truncate shortens s to at most max characters.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
