package detect

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reset-time extraction rules, in priority order.
const (
	ResetClock    = "clock"
	ResetRelative = "relative"
	ResetISO      = "iso8601"
	ResetFallback = "fallback"
)

// FallbackDelay is used when a genuine detection names no time at all.
const FallbackDelay = time.Hour

// Reset is an extracted reset time.
type Reset struct {
	Time     time.Time
	Timezone string
	Source   string
}

var (
	// "resets 7pm (America/Los_Angeles)", "resets 3:30 am", "resets at 19:00 (UTC)"
	resetClockPattern = regexp.MustCompile(
		`(?i)\bresets\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?(?:\s*\(([^)]+)\))?`)

	// "try again in 5 minutes", "try again in 2h"
	tryAgainPattern = regexp.MustCompile(
		`(?i)\btry\s+again\s+in\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h)\b`)

	// "retry-after: 30" (seconds)
	retryAfterPattern = regexp.MustCompile(`(?i)retry.?after["':\s]+(\d+)`)

	isoPattern = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?`)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
}

var isoLocalLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ExtractResetTime pulls the reset time out of a limit message. It never
// fails: without a usable clause it returns now+FallbackDelay.
func ExtractResetTime(text string, now time.Time) Reset {
	if r, ok := parseClock(text, now); ok {
		return r
	}
	if r, ok := parseRelative(text, now); ok {
		return r
	}
	if r, ok := parseISO(text, now); ok {
		return r
	}
	return Reset{
		Time:     now.Add(FallbackDelay),
		Timezone: now.Location().String(),
		Source:   ResetFallback,
	}
}

func parseClock(text string, now time.Time) (Reset, bool) {
	m := resetClockPattern.FindStringSubmatch(text)
	if m == nil {
		return Reset{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	meridiem := strings.ToLower(strings.ReplaceAll(m[3], ".", ""))

	// A bare number ("resets 5") is not a clock time.
	if meridiem == "" && m[2] == "" {
		return Reset{}, false
	}

	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return Reset{}, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return Reset{}, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return Reset{}, false
		}
	}
	if minute > 59 {
		return Reset{}, false
	}

	loc := now.Location()
	zone := strings.TrimSpace(m[4])
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !t.After(now) {
		t = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}

	tz := zone
	if tz == "" {
		tz = loc.String()
	}
	return Reset{Time: t, Timezone: tz, Source: ResetClock}, true
}

func parseRelative(text string, now time.Time) (Reset, bool) {
	if m := tryAgainPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Reset{}, false
		}
		unit := time.Second
		switch u := strings.ToLower(m[2]); {
		case strings.HasPrefix(u, "h"):
			unit = time.Hour
		case strings.HasPrefix(u, "m"):
			unit = time.Minute
		}
		return Reset{
			Time:     now.Add(time.Duration(n) * unit),
			Timezone: now.Location().String(),
			Source:   ResetRelative,
		}, true
	}
	if m := retryAfterPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Reset{}, false
		}
		return Reset{
			Time:     now.Add(time.Duration(n) * time.Second),
			Timezone: now.Location().String(),
			Source:   ResetRelative,
		}, true
	}
	return Reset{}, false
}

func parseISO(text string, now time.Time) (Reset, bool) {
	raw := isoPattern.FindString(text)
	if raw == "" {
		return Reset{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return Reset{Time: t, Timezone: t.Location().String(), Source: ResetISO}, true
		}
	}
	for _, layout := range isoLocalLayouts {
		if t, err := time.ParseInLocation(layout, raw, now.Location()); err == nil {
			return Reset{Time: t, Timezone: now.Location().String(), Source: ResetISO}, true
		}
	}
	return Reset{}, false
}

// ResetClause returns the raw text after "resets", for display.
func ResetClause(text string) string {
	m := resetTextPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var resetTextPattern = regexp.MustCompile(`(?i)\bresets\s+(.+)`)
