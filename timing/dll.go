// Package timing implements the shared clock-recovery subsystem used by both
// the source and sink engines (spec.md §4.2): a time-DLL that turns the
// wall-clock time tags of successive process() calls into a smoothed
// effective sample rate, and a glitch timer that flags scheduling hiccups.
package timing

import (
	"math"
	"sync/atomic"

	"aoo/aootime"
)

// DLL is a second-order timing loop that tracks the true block period given
// a nominal sample rate/block size and a bandwidth in (0, 1]. It is the
// "input side" rate source for a Source and the "output side" rate source
// for a Sink (spec.md §4.2).
//
// Safe for concurrent Period/SampleRate reads from any thread while Update
// runs on the RT thread; state is stored as float64 bits behind atomics, the
// same idiom client/transport.go uses for smoothedRTT/smoothedJitter.
type DLL struct {
	nominalPeriod float64
	blockSize     int
	b, c          float64 // loop filter coefficients derived from bandwidth

	period atomic.Uint64 // float64 bits: smoothed block period, seconds
	freq   atomic.Uint64 // float64 bits: 1/period, i.e. blocks per second

	e2 atomic.Uint64 // float64 bits: second integrator state

	last    aootime.TimeTag
	started atomic.Bool
}

// NewDLL creates a DLL for the given nominal sample rate and block size.
// bandwidth must be in (0, 1]; smaller values smooth more aggressively.
func NewDLL(sampleRate float64, blockSize int, bandwidth float64) *DLL {
	if bandwidth <= 0 {
		bandwidth = 1
	}
	if bandwidth > 1 {
		bandwidth = 1
	}
	period := float64(blockSize) / sampleRate
	omega := 2 * math.Pi * bandwidth * period
	d := &DLL{
		nominalPeriod: period,
		blockSize:     blockSize,
		b:             omega * math.Sqrt2,
		c:             omega * omega,
	}
	d.period.Store(math.Float64bits(period))
	d.freq.Store(math.Float64bits(1 / period))
	d.e2.Store(math.Float64bits(0))
	return d
}

// Update feeds one process() call's time tag into the loop. The first call
// after construction (or after Reset) only establishes the baseline; every
// later call integrates the measured period.
func (d *DLL) Update(t aootime.TimeTag) {
	if !d.started.Swap(true) {
		d.last = t
		return
	}

	measured := aootime.Sub(t, d.last)
	d.last = t
	if measured <= 0 {
		// Non-monotonic time tag (host clock jump); skip this sample rather
		// than poison the loop with a negative period.
		return
	}

	period := math.Float64frombits(d.period.Load())
	e2 := math.Float64frombits(d.e2.Load())

	err := measured - period
	period += d.b * err
	e2 += d.c * err
	period += e2

	d.period.Store(math.Float64bits(period))
	d.e2.Store(math.Float64bits(e2))
	d.freq.Store(math.Float64bits(1 / period))
}

// Reset re-establishes the baseline on the next Update call, discarding
// accumulated drift (used after a glitch or a Setup reconfiguration).
func (d *DLL) Reset() {
	d.started.Store(false)
	d.period.Store(math.Float64bits(d.nominalPeriod))
	d.e2.Store(math.Float64bits(0))
	d.freq.Store(math.Float64bits(1 / d.nominalPeriod))
}

// Period returns the current smoothed block duration in seconds.
func (d *DLL) Period() float64 {
	return math.Float64frombits(d.period.Load())
}

// SampleRate returns block_size / period, the effective sample rate implied
// by the smoothed period (spec.md §4.2), using the block size this DLL was
// constructed with.
func (d *DLL) SampleRate() float64 {
	p := d.Period()
	if p <= 0 {
		return 0
	}
	return float64(d.blockSize) / p
}
