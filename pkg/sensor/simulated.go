package sensor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/config"
)

const (
	simMinMilliVolts = 1200
	simMaxMilliVolts = 3000
	simDriftPerRead  = 5
	simNoise         = 20
)

// SimulatedSensor produces plausible probe voltages without hardware: a
// per-run baseline, drift that grows with the reading index, and noise.
type SimulatedSensor struct {
	mu         sync.Mutex
	rnd        *rand.Rand
	base       int
	perReading int
	reads      int
}

func NewSimulatedSensor(cfg config.Config) *SimulatedSensor {
	seed := cfg.SimulationSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	perReading := cfg.SampleCount
	if perReading <= 0 {
		perReading = 1
	}
	base := simMinMilliVolts + 50 + rnd.Intn(simMaxMilliVolts-simMinMilliVolts-100+1)
	return &SimulatedSensor{rnd: rnd, base: base, perReading: perReading}
}

func (s *SimulatedSensor) ReadMilliVolts(channel int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reads / s.perReading
	s.reads++
	drift := i * []int{-simDriftPerRead, simDriftPerRead, 0}[s.rnd.Intn(3)]
	noise := s.rnd.Intn(2*simNoise+1) - simNoise
	mv := s.base + drift + noise
	if mv < simMinMilliVolts {
		mv = simMinMilliVolts
	}
	if mv > simMaxMilliVolts {
		mv = simMaxMilliVolts
	}
	return mv, nil
}

// Reset restarts the drift so the next session begins at the baseline.
func (s *SimulatedSensor) Reset() {
	s.mu.Lock()
	s.reads = 0
	s.mu.Unlock()
}

func (s *SimulatedSensor) Close() error { return nil }
