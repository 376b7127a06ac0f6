// Package session holds the readings of one start-to-report cycle.
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteBatch means Finalize ran before every tick was sampled.
	ErrIncompleteBatch = errors.New("incomplete batch")
	// ErrInvalidBatch means a batch breaks the sequence or spacing contract.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Reading is one sample taken at a grid tick. DeviceEpochMs travels as a
// decimal string so 64-bit timestamps survive JSON parsers that use
// doubles.
type Reading struct {
	Seq           int     `json:"seq"`
	DeviceEpochMs uint64  `json:"device_epoch_ms,string"`
	NTU           float64 `json:"ntu"`
	RawMilliVolts int     `json:"raw_mv"`
}

// Batch is the wire body of a session report.
type Batch struct {
	SessionID int64     `json:"session_id"`
	Readings  []Reading `json:"readings"`
}

// Validate checks that readings carry seq 0..n-1 in order with ticks
// spaced exactly stepMs apart.
func (b Batch) Validate(n int, stepMs uint64) error {
	if b.SessionID <= 0 {
		return fmt.Errorf("%w: session id %d", ErrInvalidBatch, b.SessionID)
	}
	if len(b.Readings) != n {
		return fmt.Errorf("%w: %d readings, want %d", ErrInvalidBatch, len(b.Readings), n)
	}
	for i, r := range b.Readings {
		if r.Seq != i {
			return fmt.Errorf("%w: readings[%d].seq = %d", ErrInvalidBatch, i, r.Seq)
		}
		if i > 0 && r.DeviceEpochMs != b.Readings[i-1].DeviceEpochMs+stepMs {
			return fmt.Errorf("%w: readings[%d] at %d, want %d", ErrInvalidBatch, i, r.DeviceEpochMs, b.Readings[i-1].DeviceEpochMs+stepMs)
		}
	}
	return nil
}

// Builder accumulates the readings of one session. Callers append in
// sequence order starting at 0; the builder does not reorder.
type Builder struct {
	size     int
	readings []Reading
}

func NewBuilder(size int) *Builder {
	return &Builder{size: size, readings: make([]Reading, 0, size)}
}

func (b *Builder) Append(seq int, tickMs uint64, rawMilliVolts int, ntu float64) {
	b.readings = append(b.readings, Reading{Seq: seq, DeviceEpochMs: tickMs, NTU: ntu, RawMilliVolts: rawMilliVolts})
}

func (b *Builder) Len() int { return len(b.readings) }

// Finalize wraps the readings with sessionID. It fails with
// ErrIncompleteBatch when fewer than size readings were appended.
func (b *Builder) Finalize(sessionID int64) (Batch, error) {
	if len(b.readings) < b.size {
		return Batch{}, fmt.Errorf("%w: %d of %d readings", ErrIncompleteBatch, len(b.readings), b.size)
	}
	out := make([]Reading, len(b.readings))
	copy(out, b.readings)
	return Batch{SessionID: sessionID, Readings: out}, nil
}
