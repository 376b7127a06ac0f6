// Package schedule places samples on a global time grid.
//
// Every device that uses the same step and a synchronized clock lands on
// the same tick boundaries, so readings from independent devices can be
// correlated without exchanging any coordination messages.
package schedule

// AlignNextTick returns the smallest multiple of stepMs that is >= nowMs.
// A now already on the grid is returned unchanged. stepMs must be > 0.
func AlignNextTick(nowMs, stepMs uint64) uint64 {
	rem := nowMs % stepMs
	if rem == 0 {
		return nowMs
	}
	return nowMs + (stepMs - rem)
}

// BuildGrid returns count ticks t0, t0+step, ... . The grid is pure
// arithmetic: no clock is read once t0 is fixed.
func BuildGrid(t0, stepMs uint64, count int) []uint64 {
	if count <= 0 {
		return nil
	}
	ticks := make([]uint64, count)
	for i := range ticks {
		ticks[i] = t0 + uint64(i)*stepMs
	}
	return ticks
}
