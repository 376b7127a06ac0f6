package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manual clock: Sleep advances the current time instead of
// blocking. It records every requested sleep.
type Fake struct {
	mu     sync.Mutex
	now    uint64
	sleeps []time.Duration
	onTick func(now uint64)
}

func NewFake(startMs uint64) *Fake {
	return &Fake{now: startMs}
}

func (f *Fake) NowMs() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now += uint64(d / time.Millisecond)
	}
	now, hook := f.now, f.onTick
	f.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return nil
}

// Advance moves the clock forward without recording a sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += uint64(d / time.Millisecond)
	f.mu.Unlock()
}

// Sleeps returns a copy of the sleep durations requested so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// OnSleep registers a hook called after every Sleep with the new time.
func (f *Fake) OnSleep(fn func(now uint64)) {
	f.mu.Lock()
	f.onTick = fn
	f.mu.Unlock()
}
