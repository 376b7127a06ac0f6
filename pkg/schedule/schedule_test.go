package schedule

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/clock"
)

func TestAlignNextTick(t *testing.T) {
	tests := []struct {
		now, step, want uint64
	}{
		{1000, 5000, 5000},
		{5000, 5000, 5000},
		{0, 5000, 0},
		{5001, 5000, 10000},
		{1758292914123, 5000, 1758292915000},
		{7, 1, 7},
	}
	for _, tt := range tests {
		if got := AlignNextTick(tt.now, tt.step); got != tt.want {
			t.Fatalf("AlignNextTick(%d, %d) = %d; want %d", tt.now, tt.step, got, tt.want)
		}
	}
}

func TestAlignNextTickProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		now := uint64(rnd.Int63n(1 << 45))
		step := uint64(rnd.Int63n(600000) + 1)
		got := AlignNextTick(now, step)
		if got%step != 0 {
			t.Fatalf("now=%d step=%d: %d not on grid", now, step, got)
		}
		if got < now {
			t.Fatalf("now=%d step=%d: %d before now", now, step, got)
		}
		if got-now >= step {
			t.Fatalf("now=%d step=%d: %d skips a tick", now, step, got)
		}
	}
}

func TestBuildGrid(t *testing.T) {
	grid := BuildGrid(5000, 5000, 3)
	want := []uint64{5000, 10000, 15000}
	if len(grid) != len(want) {
		t.Fatalf("len: got %d want %d", len(grid), len(want))
	}
	for i := range want {
		if grid[i] != want[i] {
			t.Fatalf("grid[%d] = %d; want %d", i, grid[i], want[i])
		}
	}
	if BuildGrid(5000, 5000, 0) != nil {
		t.Fatalf("empty grid expected for count 0")
	}
}

func TestBuildGridProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		t0 := uint64(rnd.Int63n(1 << 44))
		step := uint64(rnd.Int63n(10000) + 1)
		count := rnd.Intn(120) + 1
		grid := BuildGrid(t0, step, count)
		if len(grid) != count {
			t.Fatalf("len %d want %d", len(grid), count)
		}
		if grid[0] != t0 {
			t.Fatalf("first tick %d want %d", grid[0], t0)
		}
		for j := 1; j < len(grid); j++ {
			if grid[j]-grid[j-1] != step {
				t.Fatalf("spacing at %d: %d want %d", j, grid[j]-grid[j-1], step)
			}
		}
	}
}

func TestWaitUntilChunksSleeps(t *testing.T) {
	fc := clock.NewFake(1000)
	w := NewWaiter(fc)
	if err := w.WaitUntil(context.Background(), 1350); err != nil {
		t.Fatal(err)
	}
	if now := fc.NowMs(); now+2 < 1350 {
		t.Fatalf("woke too early at %d", now)
	}
	sleeps := fc.Sleeps()
	if len(sleeps) != 4 {
		t.Fatalf("sleeps: %v", sleeps)
	}
	for _, d := range sleeps {
		if d > DefaultMaxChunk {
			t.Fatalf("sleep %v exceeds chunk", d)
		}
	}
}

func TestWaitUntilEpsilon(t *testing.T) {
	fc := clock.NewFake(4998)
	if err := NewWaiter(fc).WaitUntil(context.Background(), 5000); err != nil {
		t.Fatal(err)
	}
	if len(fc.Sleeps()) != 0 {
		t.Fatalf("no sleep expected within epsilon, got %v", fc.Sleeps())
	}
}

func TestWaitUntilPastTarget(t *testing.T) {
	fc := clock.NewFake(9000)
	if err := NewWaiter(fc).WaitUntil(context.Background(), 5000); err != nil {
		t.Fatal(err)
	}
	if len(fc.Sleeps()) != 0 {
		t.Fatalf("past target must not sleep, got %v", fc.Sleeps())
	}
}

func TestWaitUntilCanceled(t *testing.T) {
	fc := clock.NewFake(0)
	ctx, cancel := context.WithCancel(context.Background())
	fc.OnSleep(func(now uint64) {
		if now >= 500 {
			cancel()
		}
	})
	err := NewWaiter(fc).WaitUntil(ctx, 60000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestWaitForUsesBounds(t *testing.T) {
	fc := clock.NewFake(0)
	w := NewWaiter(fc).WithBounds(0, time.Second)
	if err := w.WaitFor(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if fc.NowMs() != 5000 {
		t.Fatalf("now: got %d want 5000", fc.NowMs())
	}
	if len(fc.Sleeps()) != 5 {
		t.Fatalf("sleeps: %v", fc.Sleeps())
	}
}
