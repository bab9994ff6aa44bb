// Package transcript reads the target program's session transcripts and the
// payload its end-of-turn hook receives.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTailBytes is how much of a transcript's end is read per scan.
const DefaultTailBytes = 64 * 1024

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 1024 * 1024

// ErrNoTranscripts is returned when the root holds no transcript files.
var ErrNoTranscripts = errors.New("no transcripts found")

// HookInput is the JSON the host CLI writes to the hook's stdin.
type HookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name,omitempty"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

// ParseHookInput decodes the hook payload. Empty input is not an error.
func ParseHookInput(r io.Reader) (HookInput, error) {
	var in HookInput
	data, err := io.ReadAll(io.LimitReader(r, maxLineBytes))
	if err != nil {
		return in, fmt.Errorf("reading hook input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parsing hook input: %w", err)
	}
	return in, nil
}

// Entry is one transcript line and the text it carries.
type Entry struct {
	Raw       string
	Type      string
	Timestamp time.Time
	Texts     []string
}

// line is the subset of a transcript record that can hold displayed text.
type line struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Error json.RawMessage `json:"error"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tail returns the entries in the last maxBytes of path, oldest first.
// A partial first line is skipped; unparseable lines are ignored.
func Tail(path string, maxBytes int64) ([]Entry, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var entries []Entry
	first := true
	for scanner.Scan() {
		text := scanner.Text()
		if first && offset > 0 {
			first = false
			continue
		}
		first = false
		if e, ok := ParseLine(text); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading %s: %w", path, err)
	}
	return entries, nil
}

// ParseLine decodes one JSONL record. It reports false for blank or
// malformed lines.
func ParseLine(raw string) (Entry, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Entry{}, false
	}
	var l line
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Entry{}, false
	}
	e := Entry{Raw: raw, Type: l.Type}
	if ts, err := time.Parse(time.RFC3339Nano, l.Timestamp); err == nil {
		e.Timestamp = ts
	}
	if l.Message != nil {
		e.Texts = append(e.Texts, contentTexts(l.Message.Content)...)
	}
	e.Texts = append(e.Texts, contentTexts(l.Content)...)
	e.Texts = append(e.Texts, errorText(l.Error)...)
	return e, true
}

// contentTexts extracts text from a string or an array of content blocks.
// Tool calls and tool results are not text and are skipped.
func contentTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

// errorText extracts an API error's message, which may be a string or an
// object with a nested message.
func errorText(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Error   *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	typ, msg := obj.Type, obj.Message
	if obj.Error != nil {
		typ, msg = obj.Error.Type, obj.Error.Message
	}
	if msg == "" {
		return nil
	}
	if typ != "" {
		return []string{typ + ": " + msg}
	}
	return []string{msg}
}

// Latest returns the most recently modified *.jsonl file under root.
func Latest(root string) (string, time.Time, error) {
	var (
		best    string
		bestMod time.Time
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, an unreadable root is not.
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scanning %s: %w", root, err)
	}
	if best == "" {
		return "", time.Time{}, ErrNoTranscripts
	}
	return best, bestMod, nil
}
