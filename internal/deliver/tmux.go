package deliver

import (
	"context"
	"fmt"

	"github.com/autoresume/autoresume/internal/discover"
)

// KeySender is the part of the tmux wrapper the channel needs.
type KeySender interface {
	SendKeysRaw(ctx context.Context, target, keys string) error
	SendKeysLiteral(ctx context.Context, target, text string) error
}

// TmuxChannel drives a pane with send-keys.
type TmuxChannel struct {
	Keys KeySender
	Seq  Sequence
}

// Name implements Channel.
func (c *TmuxChannel) Name() Tier { return TierMultiplexer }

// Deliver sends the paced sequence to the target's pane. Steps are never
// batched: an unpaced burst makes the prompt swallow Enter as a newline.
func (c *TmuxChannel) Deliver(ctx context.Context, t discover.Target) error {
	if t.Method != discover.MethodMultiplexer || t.Pane == nil {
		return ErrUnsupportedTarget
	}
	pane := t.Pane.ID
	if pane == "" {
		pane = t.Pane.Address
	}

	for i, step := range c.Seq.TmuxSteps() {
		var err error
		switch step.Kind {
		case StepLiteral:
			err = c.Keys.SendKeysLiteral(ctx, pane, step.Value)
		default:
			err = c.Keys.SendKeysRaw(ctx, pane, step.Value)
		}
		if err != nil {
			return fmt.Errorf("step %d (%s) to %s: %w", i+1, step.Value, pane, err)
		}
		if err := sleep(ctx, step.After); err != nil {
			return err
		}
	}
	return nil
}
