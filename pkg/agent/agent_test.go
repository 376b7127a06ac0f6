package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/api"
	"github.com/ericogr/ntu-session-agent/pkg/clock"
	"github.com/ericogr/ntu-session-agent/pkg/metrics"
	"github.com/ericogr/ntu-session-agent/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type pollResult struct {
	cmd api.Command
	err error
}

type scriptedPoller struct {
	results []pollResult
	calls   int
	hook    func(call int)
}

func (p *scriptedPoller) Poll(ctx context.Context) (api.Command, error) {
	i := p.calls
	p.calls++
	if p.hook != nil {
		p.hook(p.calls)
	}
	if i >= len(p.results) {
		return api.Command{Kind: api.CommandIdle}, nil
	}
	return p.results[i].cmd, p.results[i].err
}

type recordingUploader struct {
	batches []session.Batch
	err     error
}

func (u *recordingUploader) Upload(ctx context.Context, b session.Batch) (api.UploadResult, error) {
	u.batches = append(u.batches, b)
	if u.err != nil {
		return api.UploadResult{StatusCode: 503, Body: "busy"}, u.err
	}
	return api.UploadResult{StatusCode: 200, Body: `{"ok":true}`}, nil
}

type clockSampler struct {
	clock   *clock.Fake
	takenAt []uint64
	mv      int
	failAt  int
	err     error
	resets  int
	hook    func(call int)
}

func (s *clockSampler) Sample(ctx context.Context) (int, error) {
	s.takenAt = append(s.takenAt, s.clock.NowMs())
	if s.hook != nil {
		s.hook(len(s.takenAt))
	}
	if s.err != nil && len(s.takenAt) == s.failAt {
		return 0, s.err
	}
	return s.mv + len(s.takenAt) - 1, nil
}

func (s *clockSampler) Convert(mv int) float64 { return float64(mv) / 100 }
func (s *clockSampler) Reset()                 { s.resets++ }

type fixture struct {
	clock    *clock.Fake
	poller   *scriptedPoller
	uploader *recordingUploader
	sampler  *clockSampler
	metrics  *metrics.Recorder
	agent    *Agent
	path     []State
}

func newFixture(t *testing.T, startMs uint64, results ...pollResult) *fixture {
	t.Helper()
	fc := clock.NewFake(startMs)
	f := &fixture{
		clock:    fc,
		poller:   &scriptedPoller{results: results},
		uploader: &recordingUploader{},
		sampler:  &clockSampler{clock: fc, mv: 1500},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.agent = New(Settings{StepMs: 5000, BatchSize: 3, ShortCooldown: 5 * time.Second, LongCooldown: 60 * time.Second}, Deps{
		Clock:    fc,
		Poller:   f.poller,
		Uploader: f.uploader,
		Sampler:  f.sampler,
		Metrics:  f.metrics,
	})
	f.agent.OnTransition(func(from, to State) { f.path = append(f.path, to) })
	return f
}

func (f *fixture) steps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.agent.Step(context.Background()))
	}
}

func start(id int64) pollResult {
	return pollResult{cmd: api.Command{Kind: api.CommandStart, SessionID: id}}
}

func TestSessionEndToEnd(t *testing.T) {
	f := newFixture(t, 1000, start(42))

	f.steps(t, 5)

	assert.Equal(t, []State{Scheduling, Sampling, Uploading, CooldownLong, Polling}, f.path)
	require.Len(t, f.uploader.batches, 1)
	batch := f.uploader.batches[0]
	assert.Equal(t, int64(42), batch.SessionID)
	require.Len(t, batch.Readings, 3)
	for i, want := range []uint64{5000, 10000, 15000} {
		r := batch.Readings[i]
		assert.Equal(t, i, r.Seq)
		assert.Equal(t, want, r.DeviceEpochMs)
		assert.Equal(t, 1500+i, r.RawMilliVolts)
		assert.Equal(t, float64(1500+i)/100, r.NTU)
		// sampled no earlier than the wake-up margin before its tick
		assert.GreaterOrEqual(t, f.sampler.takenAt[i]+2, want)
		assert.Less(t, f.sampler.takenAt[i], want+5000)
	}
	assert.Equal(t, 1, f.sampler.resets)
	assert.GreaterOrEqual(t, f.clock.NowMs(), uint64(15000+60000-2))
	for _, d := range f.clock.Sleeps() {
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionCounter(metrics.OutcomeUploaded)))
}

func TestStartOnGridDoesNotSkipTick(t *testing.T) {
	f := newFixture(t, 10000, start(9))
	f.steps(t, 4)
	require.Len(t, f.uploader.batches, 1)
	assert.Equal(t, uint64(10000), f.uploader.batches[0].Readings[0].DeviceEpochMs)
}

func TestIdleAndPollErrorsUseShortCooldown(t *testing.T) {
	f := newFixture(t, 1000,
		pollResult{cmd: api.Command{Kind: api.CommandIdle}},
		pollResult{err: &api.Error{Kind: api.KindTransport, Op: "poll"}},
		pollResult{err: &api.Error{Kind: api.KindDecode, Op: "poll"}},
		pollResult{cmd: api.Command{Kind: api.CommandIdle}, err: &api.Error{Kind: api.KindInvalidCommand, Op: "poll"}},
	)

	f.steps(t, 8)

	want := []State{CooldownShort, Polling, CooldownShort, Polling, CooldownShort, Polling, CooldownShort, Polling}
	assert.Equal(t, want, f.path)
	assert.Equal(t, 4, f.poller.calls)
	assert.Empty(t, f.uploader.batches)
	assert.Empty(t, f.sampler.takenAt)
	// four short cooldowns of 5 s each
	assert.GreaterOrEqual(t, f.clock.NowMs(), uint64(1000+4*(5000-2)))
	assert.Less(t, f.clock.NowMs(), uint64(1000+4*5000+1))
}

func TestUploadFailureStillCoolsDownAndPolls(t *testing.T) {
	f := newFixture(t, 1000, start(42), pollResult{cmd: api.Command{Kind: api.CommandIdle}})
	f.uploader.err = &api.Error{Kind: api.KindTransport, Op: "upload", StatusCode: 503}

	f.steps(t, 4)
	assert.Equal(t, CooldownLong, f.agent.State())
	f.steps(t, 1)
	assert.Equal(t, Polling, f.agent.State())
	f.steps(t, 1)

	assert.Len(t, f.uploader.batches, 1, "no retry within the session")
	assert.Equal(t, 2, f.poller.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionCounter(metrics.OutcomeUploadFailed)))
	assert.Nil(t, f.agent.builder)
}

func TestSamplingFailureAbandonsSession(t *testing.T) {
	f := newFixture(t, 1000, start(5))
	f.sampler.err = errors.New("i2c bus gone")
	f.sampler.failAt = 2

	f.steps(t, 3)

	assert.Equal(t, []State{Scheduling, Sampling, CooldownLong}, f.path)
	assert.Empty(t, f.uploader.batches)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionCounter(metrics.OutcomeSamplingFailed)))
	f.steps(t, 1)
	assert.Equal(t, Polling, f.agent.State())
}

func TestIncompleteBatchPanics(t *testing.T) {
	f := newFixture(t, 1000)
	f.agent.cmd = api.Command{Kind: api.CommandStart, SessionID: 1}
	f.agent.builder = session.NewBuilder(3)
	f.agent.builder.Append(0, 5000, 1, 1)
	f.agent.state = Uploading

	assert.Panics(t, func() { _ = f.agent.Step(context.Background()) })
	assert.Empty(t, f.uploader.batches)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.poller.hook = func(call int) {
		if call == 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	select {
	case err := <-done:
		assert.True(t, IsStopped(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 3, f.poller.calls)
}

func TestCancelMidSamplingDropsBatch(t *testing.T) {
	f := newFixture(t, 1000, start(8))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sampler.hook = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	err := f.agent.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.uploader.batches)
	assert.Equal(t, Polling, f.agent.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionCounter(metrics.OutcomeAborted)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "cooldown_long", CooldownLong.String())
	assert.Equal(t, "state(42)", State(42).String())
}
