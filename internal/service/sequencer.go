package service

import (
	"context"
	"log/slog"
	"time"
)

// Sequencer suspends the supervisor between two launches. It is a fixed
// delay, no readiness of the previous child is checked.
type Sequencer struct {
	Duration time.Duration
}

// Delay blocks for s.Duration. It returns ctx.Err() if the context ends first.
func (s Sequencer) Delay(ctx context.Context) error {
	if s.Duration <= 0 {
		return ctx.Err()
	}
	slog.DebugContext(ctx, "delaying next launch", "delay", s.Duration.String())
	t := time.NewTimer(s.Duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
