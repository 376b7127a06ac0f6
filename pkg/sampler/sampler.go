package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/sensor"
	"go.uber.org/zap"
)

// Response curve of the turbidity probe, NTU as a function of the probe
// output voltage.
const (
	CurveA = -1120.4
	CurveB = 5742.3
	CurveC = -4352.9

	DefaultMaxNTU = 4000.0
)

var ErrNoSamples = errors.New("no successful acquisition")

// Curve converts averaged millivolts to NTU. Gain scales the voltage
// measured at the ADC back to the probe output (e.g. 2.0 behind a 1:1
// divider).
type Curve struct {
	Gain float64
	Max  float64
}

// NTU applies the quadratic response and clamps the result to [0, Max].
func (c Curve) NTU(milliVolts float64) float64 {
	vs := milliVolts / 1000.0 * c.Gain
	ntu := (CurveA*vs+CurveB)*vs + CurveC
	if math.IsNaN(ntu) || ntu < 0 {
		return 0
	}
	if ntu > c.Max {
		return c.Max
	}
	return ntu
}

type Sleeper func(ctx context.Context, d time.Duration) error

type Sampler struct {
	src     sensor.Sensor
	channel int
	count   int
	delay   time.Duration
	curve   Curve
	sleep   Sleeper
	log     *zap.Logger
}

type Options struct {
	Channel int
	Count   int
	Delay   time.Duration
	Curve   Curve
	// Sleep waits between reads; defaults to a context-aware timer.
	Sleep  Sleeper
	Logger *zap.Logger
}

func New(src sensor.Sensor, opts Options) *Sampler {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Curve.Max <= 0 {
		opts.Curve.Max = DefaultMaxNTU
	}
	if opts.Curve.Gain == 0 {
		opts.Curve.Gain = 1
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sampler{src: src, channel: opts.Channel, count: opts.Count, delay: opts.Delay, curve: opts.Curve, sleep: opts.Sleep, log: opts.Logger}
}

// Sample acquires count reads with a fixed delay between them and returns
// the integer mean in millivolts. Failed reads are left out of the mean;
// the call fails only when every read fails.
func (s *Sampler) Sample(ctx context.Context) (int, error) {
	var sum int64
	ok := 0
	var lastErr error
	for i := 0; i < s.count; i++ {
		mv, err := s.src.ReadMilliVolts(s.channel)
		if err != nil {
			lastErr = err
			s.log.Debug("acquisition failed", zap.Int("channel", s.channel), zap.Int("read", i), zap.Error(err))
		} else {
			sum += int64(mv)
			ok++
		}
		if err := s.sleep(ctx, s.delay); err != nil {
			return 0, err
		}
	}
	if ok == 0 {
		return 0, fmt.Errorf("channel %d: %w: %v", s.channel, ErrNoSamples, lastErr)
	}
	return int(sum / int64(ok)), nil
}

// Convert maps averaged millivolts to NTU on the sampler's curve.
func (s *Sampler) Convert(milliVolts int) float64 {
	return s.curve.NTU(float64(milliVolts))
}

// Reset forwards to sensors that keep per-session state.
func (s *Sampler) Reset() {
	if r, ok := s.src.(interface{ Reset() }); ok {
		r.Reset()
	}
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
