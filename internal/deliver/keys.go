package deliver

import (
	"time"

	"github.com/autoresume/autoresume/internal/config"
)

// KeySequenceVersion identifies the key sequence below. It is tuned to the
// target program's limit prompt; bump it when the prompt changes shape.
const KeySequenceVersion = 1

// Byte values written to a pseudo-terminal.
const (
	byteEscape   = 0x1b
	byteKillLine = 0x15 // Ctrl-U
	byteCarriage = '\r' // the prompt submits on CR, not LF
)

// Sequence is the configurable part of the resume key sequence.
type Sequence struct {
	// MenuKey selects the "wait for limit reset" option on the limit prompt.
	MenuKey string

	// Text is typed after the prompt is dismissed.
	Text string

	// KeyDelay separates ordinary steps.
	KeyDelay time.Duration

	// MenuSettle follows the menu key while the UI redraws.
	MenuSettle time.Duration
}

// DefaultSequence returns the built-in sequence.
func DefaultSequence() Sequence {
	return SequenceFromConfig(config.Default().Resume)
}

// SequenceFromConfig builds a Sequence from the resume settings.
func SequenceFromConfig(r config.ResumeConfig) Sequence {
	return Sequence{
		MenuKey:    r.MenuSelectionKey,
		Text:       r.ResumeText,
		KeyDelay:   r.KeyDelay(),
		MenuSettle: r.MenuSettle(),
	}
}

// StepKind says how a Step's value is sent.
type StepKind int

const (
	// StepKey is a named key ("Escape", "C-u", "Enter").
	StepKey StepKind = iota

	// StepLiteral is text typed verbatim.
	StepLiteral
)

// Step is one paced action of the sequence.
type Step struct {
	Kind  StepKind
	Value string
	After time.Duration
}

// TmuxSteps returns the sequence as tmux send-keys steps:
// dismiss twice, pick the menu option, dismiss, clear the line, type, submit.
func (s Sequence) TmuxSteps() []Step {
	return []Step{
		{Kind: StepKey, Value: "Escape", After: s.KeyDelay},
		{Kind: StepKey, Value: "Escape", After: s.KeyDelay},
		{Kind: StepLiteral, Value: s.MenuKey, After: s.MenuSettle},
		{Kind: StepKey, Value: "Escape", After: s.KeyDelay},
		{Kind: StepKey, Value: "C-u", After: s.KeyDelay},
		{Kind: StepLiteral, Value: s.Text, After: s.KeyDelay},
		{Kind: StepKey, Value: "Enter"},
	}
}

// Chunk is a paced write of raw bytes.
type Chunk struct {
	Bytes []byte
	After time.Duration
}

// PTYChunks returns the same sequence as raw terminal bytes.
func (s Sequence) PTYChunks() []Chunk {
	return []Chunk{
		{Bytes: []byte{byteEscape}, After: s.KeyDelay},
		{Bytes: []byte(s.MenuKey), After: s.MenuSettle},
		{Bytes: []byte{byteEscape}, After: s.KeyDelay},
		{Bytes: []byte{byteKillLine}, After: s.KeyDelay},
		{Bytes: []byte(s.Text), After: s.KeyDelay},
		{Bytes: []byte{byteCarriage}},
	}
}

// Bytes returns the concatenated PTY byte stream, for tests and logs.
func (s Sequence) Bytes() []byte {
	var out []byte
	for _, c := range s.PTYChunks() {
		out = append(out, c.Bytes...)
	}
	return out
}
