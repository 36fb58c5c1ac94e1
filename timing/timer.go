package timing

import (
	"sync"

	"aoo/aootime"
)

// glitchRingSize is the number of recent inter-process() deltas averaged by
// Timer, per spec.md §4.2 ("a ring of the last 64 deltas").
const glitchRingSize = 64

// Timer detects scheduling glitches by tracking the moving average of the
// delta between successive Check() calls and comparing it against the
// nominal delta scaled by (1+tolerance).
type Timer struct {
	mu            sync.Mutex
	nominalDelta  float64
	tolerance     float64
	last          aootime.TimeTag
	haveLast      bool
	ring          [glitchRingSize]float64
	ringFilled    int
	ringPos       int
	sum           float64
}

// NewTimer creates a glitch timer for a nominal block period (seconds) and a
// tolerance fraction (e.g. 0.25 allows 25% scheduling jitter before firing).
func NewTimer(nominalDelta, tolerance float64) *Timer {
	return &Timer{nominalDelta: nominalDelta, tolerance: tolerance}
}

// Reset clears the accumulated delta history.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.haveLast = false
	t.ringFilled = 0
	t.ringPos = 0
	t.sum = 0
	t.ring = [glitchRingSize]float64{}
}

// Check records one process() timestamp and reports a glitch when the moving
// average delta exceeds nominalDelta*(1+tolerance). ok is false when there is
// not yet a prior sample to compare against.
func (t *Timer) Check(now aootime.TimeTag) (lastDelta float64, glitch bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveLast {
		t.last = now
		t.haveLast = true
		return 0, false, false
	}

	delta := aootime.Sub(now, t.last)
	t.last = now

	if t.ringFilled < glitchRingSize {
		t.ringFilled++
	} else {
		t.sum -= t.ring[t.ringPos]
	}
	t.ring[t.ringPos] = delta
	t.sum += delta
	t.ringPos = (t.ringPos + 1) % glitchRingSize

	avg := t.sum / float64(t.ringFilled)
	glitch = avg > t.nominalDelta*(1+t.tolerance)
	return delta, glitch, true
}
