package clock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// minValidEpochMs is 2020-01-01T00:00:00Z. A clock reading below it has
// never been synchronized.
const minValidEpochMs uint64 = 1577836800000

var ErrClockNotSet = errors.New("clock not synchronized")

// Clock is the time source of the agent. NowMs returns milliseconds since
// the Unix epoch; Sleep suspends for d or until ctx is done.
type Clock interface {
	NowMs() uint64
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the host clock corrected by an offset measured against an NTP
// server.
type System struct {
	offset atomic.Int64 // nanoseconds
	query  func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
	now    func() time.Time
}

func NewSystem() *System {
	return &System{query: ntp.QueryWithOptions, now: time.Now}
}

func (s *System) NowMs() uint64 {
	t := s.now().Add(time.Duration(s.offset.Load()))
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

func (s *System) Sleep(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}

// Offset returns the correction currently applied to the host clock.
func (s *System) Offset() time.Duration { return time.Duration(s.offset.Load()) }

// Sync queries server once and applies the measured clock offset. An empty
// server leaves the host clock untouched.
func (s *System) Sync(ctx context.Context, server string, timeout time.Duration) error {
	if server != "" {
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < timeout {
				timeout = left
			}
		}
		resp, err := s.query(server, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			return fmt.Errorf("ntp query %s: %w", server, err)
		}
		if err := resp.Validate(); err != nil {
			return fmt.Errorf("ntp response %s: %w", server, err)
		}
		s.offset.Store(int64(resp.ClockOffset))
	}
	if s.NowMs() < minValidEpochMs {
		return ErrClockNotSet
	}
	return nil
}

// SyncWithRetry calls Sync up to attempts times, pausing between tries.
// Retries happen only while the clock reads before 2020; a failed query
// against an already valid clock returns its error after one attempt.
// The last error is returned when every attempt fails.
func (s *System) SyncWithRetry(ctx context.Context, server string, timeout time.Duration, attempts int, pause time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Sync(ctx, server, timeout); err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if s.NowMs() >= minValidEpochMs {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := sleepCtx(ctx, pause); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
