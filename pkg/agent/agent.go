// Package agent runs the command-poll / sample / report cycle.
//
// The loop is a strictly sequential state machine:
//
//	Polling -> CooldownShort -> Polling                       (idle, error, rejected command)
//	Polling -> Scheduling -> Sampling -> Uploading -> CooldownLong -> Polling
//
// It has no terminal state. Every suspension point is a bounded wait on the
// agent's clock and observes the context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/api"
	"github.com/ericogr/ntu-session-agent/pkg/clock"
	"github.com/ericogr/ntu-session-agent/pkg/metrics"
	"github.com/ericogr/ntu-session-agent/pkg/output"
	"github.com/ericogr/ntu-session-agent/pkg/schedule"
	"github.com/ericogr/ntu-session-agent/pkg/session"
	"go.uber.org/zap"
)

type State int

const (
	Polling State = iota
	CooldownShort
	Scheduling
	Sampling
	Uploading
	CooldownLong
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case CooldownShort:
		return "cooldown_short"
	case Scheduling:
		return "scheduling"
	case Sampling:
		return "sampling"
	case Uploading:
		return "uploading"
	case CooldownLong:
		return "cooldown_long"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Poller interface {
	Poll(ctx context.Context) (api.Command, error)
}

type Uploader interface {
	Upload(ctx context.Context, batch session.Batch) (api.UploadResult, error)
}

type Sampler interface {
	Sample(ctx context.Context) (int, error)
	Convert(milliVolts int) float64
}

// Settings are the fixed parameters of the loop.
type Settings struct {
	StepMs        uint64
	BatchSize     int
	ShortCooldown time.Duration
	LongCooldown  time.Duration
}

type Deps struct {
	Clock    clock.Clock
	Poller   Poller
	Uploader Uploader
	Sampler  Sampler
	Outputs  []output.Output
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	// Waiter defaults to schedule.NewWaiter(Clock).
	Waiter *schedule.Waiter
}

type Agent struct {
	settings Settings
	clock    clock.Clock
	waiter   *schedule.Waiter
	poller   Poller
	uploader Uploader
	sampler  Sampler
	outputs  []output.Output
	metrics  *metrics.Recorder
	log      *zap.Logger

	state State
	// current session; reset when the session ends
	cmd     api.Command
	t0      uint64
	builder *session.Builder

	onTransition func(from, to State)
}

func New(s Settings, d Deps) *Agent {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Waiter == nil {
		d.Waiter = schedule.NewWaiter(d.Clock)
	}
	return &Agent{
		settings: s,
		clock:    d.Clock,
		waiter:   d.Waiter,
		poller:   d.Poller,
		uploader: d.Uploader,
		sampler:  d.Sampler,
		outputs:  d.Outputs,
		metrics:  d.Metrics,
		log:      d.Logger,
		state:    Polling,
	}
}

func (a *Agent) State() State { return a.state }

// OnTransition registers fn to observe every state change.
func (a *Agent) OnTransition(fn func(from, to State)) { a.onTransition = fn }

// Run steps the state machine until ctx is done and returns ctx's error.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started",
		zap.Uint64("step_ms", a.settings.StepMs),
		zap.Int("batch_size", a.settings.BatchSize),
		zap.Duration("short_cooldown", a.settings.ShortCooldown),
		zap.Duration("long_cooldown", a.settings.LongCooldown))
	for {
		if err := a.Step(ctx); err != nil {
			a.log.Info("agent stopped", zap.Stringer("state", a.state), zap.Error(err))
			return err
		}
	}
}

// Step performs the work of the current state and moves to the next one.
// The only error is a done context; everything else is absorbed by the
// state machine.
func (a *Agent) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch a.state {
	case Polling:
		return a.poll(ctx)
	case CooldownShort:
		return a.cooldown(ctx, a.settings.ShortCooldown)
	case Scheduling:
		return a.schedule(ctx)
	case Sampling:
		return a.sample(ctx)
	case Uploading:
		return a.upload(ctx)
	case CooldownLong:
		return a.cooldown(ctx, a.settings.LongCooldown)
	default:
		panic(fmt.Sprintf("agent: unknown state %d", a.state))
	}
}

func (a *Agent) enter(next State) {
	prev := a.state
	a.state = next
	a.metrics.State(int(next))
	a.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", next))
	if a.onTransition != nil {
		a.onTransition(prev, next)
	}
}

func (a *Agent) poll(ctx context.Context) error {
	cmd, err := a.poller.Poll(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		kind := api.KindOf(err)
		if kind == 0 {
			kind = api.KindTransport
		}
		a.metrics.Poll(kind.String())
		a.log.Warn("command poll failed", zap.Stringer("kind", kind), zap.Error(err))
		a.enter(CooldownShort)
		return nil
	}
	if !cmd.IsStart() {
		a.metrics.Poll(api.CommandIdle.String())
		a.log.Debug("command", zap.Stringer("command", cmd.Kind))
		a.enter(CooldownShort)
		return nil
	}
	a.metrics.Poll(api.CommandStart.String())
	fields := []zap.Field{zap.Int64("session_id", cmd.SessionID)}
	if !cmd.ExpiresAt.IsZero() {
		fields = append(fields, zap.Time("expires_at", cmd.ExpiresAt))
	}
	a.log.Info("start command", fields...)
	a.cmd = cmd
	a.enter(Scheduling)
	return nil
}

func (a *Agent) schedule(ctx context.Context) error {
	step := a.settings.StepMs
	a.t0 = schedule.AlignNextTick(a.clock.NowMs(), step)
	last := a.t0 + uint64(a.settings.BatchSize-1)*step
	a.log.Info("sampling scheduled",
		zap.Int64("session_id", a.cmd.SessionID),
		zap.Uint64("t0_ms", a.t0),
		zap.Uint64("last_tick_ms", last))
	if exp := a.cmd.ExpiresAt; !exp.IsZero() && int64(last) > exp.UnixMilli() {
		a.log.Warn("session ends after controller expiry",
			zap.Int64("session_id", a.cmd.SessionID),
			zap.Time("expires_at", exp),
			zap.Uint64("last_tick_ms", last))
	}
	if r, ok := a.sampler.(interface{ Reset() }); ok {
		r.Reset()
	}
	if a.t0 > a.clock.NowMs() {
		if err := a.waiter.WaitUntil(ctx, a.t0); err != nil {
			a.abort()
			return err
		}
	}
	a.enter(Sampling)
	return nil
}

func (a *Agent) sample(ctx context.Context) error {
	n := a.settings.BatchSize
	b := session.NewBuilder(n)
	for i, tick := range schedule.BuildGrid(a.t0, a.settings.StepMs, n) {
		if err := a.waiter.WaitUntil(ctx, tick); err != nil {
			a.abort()
			return err
		}
		var lateness time.Duration
		if now := a.clock.NowMs(); now > tick {
			lateness = time.Duration(now-tick) * time.Millisecond
		}
		mv, err := a.sampler.Sample(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				a.abort()
				return ctxErr
			}
			a.log.Error("acquisition failed, session abandoned",
				zap.Int64("session_id", a.cmd.SessionID),
				zap.Int("seq", i),
				zap.Uint64("tick_ms", tick),
				zap.Error(err))
			a.abandon(metrics.OutcomeSamplingFailed)
			a.enter(CooldownLong)
			return nil
		}
		ntu := a.sampler.Convert(mv)
		b.Append(i, tick, mv, ntu)
		a.metrics.Reading(lateness, ntu)
		if i%10 == 0 {
			a.log.Info("reading",
				zap.String("progress", fmt.Sprintf("%d/%d", i, n)),
				zap.Uint64("tick_ms", tick),
				zap.Int("mv", mv),
				zap.Float64("ntu", ntu))
		}
	}
	a.builder = b
	a.enter(Uploading)
	return nil
}

func (a *Agent) upload(ctx context.Context) error {
	batch, err := a.builder.Finalize(a.cmd.SessionID)
	if err != nil {
		panic(fmt.Sprintf("agent: session %d: %v", a.cmd.SessionID, err))
	}
	if err := batch.Validate(a.settings.BatchSize, a.settings.StepMs); err != nil {
		panic(fmt.Sprintf("agent: session %d: %v", a.cmd.SessionID, err))
	}

	start := time.Now()
	res, err := a.uploader.Upload(ctx, batch)
	a.metrics.Upload(time.Since(start))
	if err != nil {
		a.log.Error("session upload failed",
			zap.Int64("session_id", batch.SessionID),
			zap.Int("readings", len(batch.Readings)),
			zap.Int("status", res.StatusCode),
			zap.String("response", res.Body),
			zap.Error(err))
		a.metrics.Session(metrics.OutcomeUploadFailed)
	} else {
		a.log.Info("session uploaded",
			zap.Int64("session_id", batch.SessionID),
			zap.Int("readings", len(batch.Readings)),
			zap.Int("status", res.StatusCode),
			zap.String("response", res.Body))
		a.metrics.Session(metrics.OutcomeUploaded)
	}

	for _, o := range a.outputs {
		if err := o.Publish(batch); err != nil {
			a.log.Warn("output publish failed", zap.Int64("session_id", batch.SessionID), zap.Error(err))
		}
	}

	a.reset()
	a.enter(CooldownLong)
	return nil
}

func (a *Agent) cooldown(ctx context.Context, d time.Duration) error {
	if a.state == CooldownLong {
		a.log.Info("cooldown", zap.Duration("duration", d))
	}
	if err := a.waiter.WaitFor(ctx, d); err != nil {
		return err
	}
	a.enter(Polling)
	return nil
}

// abandon drops the session in progress without uploading it.
func (a *Agent) abandon(outcome string) {
	a.metrics.Session(outcome)
	a.reset()
}

// abort drops the session because the context ended. The next Step
// starts from Polling.
func (a *Agent) abort() {
	a.abandon(metrics.OutcomeAborted)
	a.state = Polling
}

func (a *Agent) reset() {
	a.cmd = api.Command{}
	a.t0 = 0
	a.builder = nil
}

// IsStopped reports whether err is the normal end of Run.
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
