package deliver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/autoresume/autoresume/internal/config"
	"github.com/autoresume/autoresume/internal/discover"
	"github.com/autoresume/autoresume/internal/tmux"
)

// TargetResult is the outcome for one target.
type TargetResult struct {
	Target  discover.Target `json:"target"`
	Success bool            `json:"success"`
	Tiers   []Tier          `json:"tiers"`
	Error   string          `json:"error,omitempty"`
}

// Report is the outcome of one DeliverAll call.
type Report struct {
	// Success is true when at least one target, or the fallback, took input.
	Success bool `json:"success"`

	Results []TargetResult `json:"results"`

	// FallbackUsed is true when UI automation ran.
	FallbackUsed  bool   `json:"fallbackUsed"`
	FallbackError string `json:"fallbackError,omitempty"`

	// Tiers lists every channel attempted, in order, without repeats.
	Tiers []Tier `json:"tiers"`
}

// Delivered returns the number of targets that took input.
func (r Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Err summarizes a failed report, or returns nil.
func (r Report) Err() error {
	if r.Success {
		return nil
	}
	var msgs []string
	for _, res := range r.Results {
		if res.Error != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", res.Target, res.Error))
		}
	}
	if r.FallbackError != "" {
		msgs = append(msgs, "fallback: "+r.FallbackError)
	}
	if len(r.Results) == 0 && !r.FallbackUsed {
		return ErrNoTargets
	}
	if len(msgs) == 0 {
		return errors.New("delivery failed")
	}
	return fmt.Errorf("delivery failed: %s", strings.Join(msgs, "; "))
}

func (r *Report) noteTier(t Tier) {
	for _, have := range r.Tiers {
		if have == t {
			return
		}
	}
	r.Tiers = append(r.Tiers, t)
}

// Deliverer runs the channels against a set of targets.
type Deliverer struct {
	Multiplexer Channel
	PTY         Channel

	// Fallback runs when there are no targets or every target failed.
	// Nil disables it.
	Fallback Channel
}

// New builds the standard channel set from configuration.
func New(r config.ResumeConfig, t *tmux.Tmux) *Deliverer {
	seq := SequenceFromConfig(r)
	d := &Deliverer{
		Multiplexer: &TmuxChannel{Keys: t, Seq: seq},
		PTY:         &PTYChannel{Seq: seq, Mode: PTYInject},
	}
	if r.UIAutomationTool != "" && r.UIAutomationTool != "none" {
		d.Fallback = &UIAutomationChannel{Tool: r.UIAutomationTool, Seq: seq}
	}
	return d
}

// DeliverAll tries every target in order; one failure never stops the rest.
// A multiplexer target that tmux refuses is retried through its pane's tty.
func (d *Deliverer) DeliverAll(ctx context.Context, targets []discover.Target) Report {
	var report Report

	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		res := TargetResult{Target: t}
		var errs []string

		for _, ch := range d.channelsFor(t) {
			res.Tiers = append(res.Tiers, ch.Name())
			report.noteTier(ch.Name())
			err := ch.Deliver(ctx, t)
			if err == nil {
				res.Success = true
				break
			}
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
		if !res.Success {
			if len(errs) == 0 {
				errs = append(errs, ErrUnsupportedTarget.Error())
			}
			res.Error = strings.Join(errs, "; ")
		}
		report.Results = append(report.Results, res)
		if res.Success {
			report.Success = true
		}
	}

	if !report.Success && d.Fallback != nil && ctx.Err() == nil {
		report.FallbackUsed = true
		report.noteTier(d.Fallback.Name())
		if err := d.Fallback.Deliver(ctx, discover.Target{}); err != nil {
			report.FallbackError = err.Error()
		} else {
			report.Success = true
		}
	}
	return report
}

// channelsFor returns the channels to try for t, in order.
func (d *Deliverer) channelsFor(t discover.Target) []Channel {
	var out []Channel
	switch t.Method {
	case discover.MethodMultiplexer:
		if d.Multiplexer != nil {
			out = append(out, d.Multiplexer)
		}
		if d.PTY != nil && t.Pane != nil && t.Pane.TTY != "" {
			out = append(out, d.PTY)
		}
	case discover.MethodPseudoTerminal:
		if d.PTY != nil {
			out = append(out, d.PTY)
		}
	}
	return out
}
