package schedule

import (
	"context"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/clock"
)

const (
	// DefaultEpsilon absorbs wake-up jitter: a wait ends once now is
	// within this margin of the target.
	DefaultEpsilon = 2 * time.Millisecond
	// DefaultMaxChunk bounds a single sleep so the wait never starves a
	// supervising watchdog.
	DefaultMaxChunk = 100 * time.Millisecond
)

// Waiter suspends until a target epoch millisecond using bounded sleeps.
type Waiter struct {
	clock    clock.Clock
	epsilon  uint64
	maxChunk uint64
}

func NewWaiter(c clock.Clock) *Waiter {
	return &Waiter{clock: c, epsilon: uint64(DefaultEpsilon / time.Millisecond), maxChunk: uint64(DefaultMaxChunk / time.Millisecond)}
}

// WithBounds returns a copy of w using the given margin and chunk size.
// A chunk below 1 ms is raised to 1 ms.
func (w *Waiter) WithBounds(epsilon, maxChunk time.Duration) *Waiter {
	c := *w
	c.epsilon = uint64(epsilon / time.Millisecond)
	c.maxChunk = uint64(maxChunk / time.Millisecond)
	if c.maxChunk == 0 {
		c.maxChunk = 1
	}
	return &c
}

// WaitUntil blocks until now >= targetMs - epsilon. A target already in
// the past returns immediately. The only error is ctx's.
func (w *Waiter) WaitUntil(ctx context.Context, targetMs uint64) error {
	for {
		now := w.clock.NowMs()
		if now+w.epsilon >= targetMs {
			return nil
		}
		d := targetMs - now
		if d > w.maxChunk {
			d = w.maxChunk
		}
		if err := w.clock.Sleep(ctx, time.Duration(d)*time.Millisecond); err != nil {
			return err
		}
	}
}

// WaitFor blocks for d measured on the waiter's clock.
func (w *Waiter) WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return w.WaitUntil(ctx, w.clock.NowMs()+uint64(d/time.Millisecond))
}
