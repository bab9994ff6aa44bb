package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseHookInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    HookInput
		wantErr bool
	}{
		{
			name:  "stop payload",
			input: `{"session_id":"abc","transcript_path":"/tmp/t.jsonl","hook_event_name":"Stop","stop_hook_active":false}`,
			want:  HookInput{SessionID: "abc", TranscriptPath: "/tmp/t.jsonl", HookEventName: "Stop"},
		},
		{name: "empty", input: "  \n", want: HookInput{}},
		{name: "unknown fields ignored", input: `{"session_id":"x","extra":1}`, want: HookInput{SessionID: "x"}},
		{name: "malformed", input: `{"session_id":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHookInput(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		ok    bool
		texts []string
	}{
		{
			name:  "assistant text blocks",
			raw:   `{"type":"assistant","message":{"content":[{"type":"text","text":"You've hit your limit · resets 3pm"},{"type":"tool_use","name":"Bash"}]}}`,
			ok:    true,
			texts: []string{"You've hit your limit · resets 3pm"},
		},
		{
			name:  "string content",
			raw:   `{"type":"user","message":{"content":"hello"}}`,
			ok:    true,
			texts: []string{"hello"},
		},
		{
			name:  "system content",
			raw:   `{"type":"system","content":"API Error: 429"}`,
			ok:    true,
			texts: []string{"API Error: 429"},
		},
		{
			name:  "nested api error",
			raw:   `{"type":"assistant","error":{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}}`,
			ok:    true,
			texts: []string{"rate_limit_error: slow down"},
		},
		{
			name:  "tool result skipped",
			raw:   `{"type":"user","message":{"content":[{"type":"tool_result","content":"hit your limit resets 3pm"}]}}`,
			ok:    true,
			texts: nil,
		},
		{name: "blank", raw: "   ", ok: false},
		{name: "garbage", raw: "not json", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := ParseLine(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if len(e.Texts) != len(tt.texts) {
				t.Fatalf("texts = %q, want %q", e.Texts, tt.texts)
			}
			for i := range tt.texts {
				if e.Texts[i] != tt.texts[i] {
					t.Errorf("text %d = %q, want %q", i, e.Texts[i], tt.texts[i])
				}
			}
		})
	}
}

func TestParseLineTimestamp(t *testing.T) {
	e, ok := ParseLine(`{"type":"assistant","timestamp":"2026-03-01T10:00:00.123Z","message":{"content":"x"}}`)
	if !ok {
		t.Fatal("expected parse")
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)
	if !e.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, want)
	}
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeLines(t, path,
		`{"type":"user","message":{"content":"first"}}`,
		`not json`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}`,
	)

	entries, err := Tail(path, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Texts[0] != "first" || entries[1].Texts[0] != "second" {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestTailSkipsPartialFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	last := `{"type":"assistant","message":{"content":"last"}}`
	writeLines(t, path,
		`{"type":"user","message":{"content":"`+strings.Repeat("x", 200)+`"}}`,
		last,
	)

	entries, err := Tail(path, int64(len(last)+20))
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 1 || entries[0].Texts[0] != "last" {
		t.Errorf("entries = %+v, want only the last line", entries)
	}
}

func TestTailMissingFile(t *testing.T) {
	_, err := Tail(filepath.Join(t.TempDir(), "nope.jsonl"), 0)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestLatest(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "proj-a", "one.jsonl")
	newer := filepath.Join(root, "proj-b", "two.jsonl")
	other := filepath.Join(root, "proj-b", "notes.txt")
	for _, p := range []string{older, newer, other} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("{}\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	_ = os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour))
	_ = os.Chtimes(newer, now.Add(-time.Minute), now.Add(-time.Minute))
	_ = os.Chtimes(other, now, now)

	got, _, err := Latest(root)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != newer {
		t.Errorf("Latest = %q, want %q", got, newer)
	}
}

func TestLatestEmpty(t *testing.T) {
	if _, _, err := Latest(t.TempDir()); !errors.Is(err, ErrNoTranscripts) {
		t.Errorf("err = %v, want ErrNoTranscripts", err)
	}
	if _, _, err := Latest(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing root")
	}
}
