package timing

import (
	"math"
	"testing"

	"aoo/aootime"
)

func TestDLLConvergesOnConstantPeriod(t *testing.T) {
	const sr = 48000.0
	const blockSize = 64
	nominalPeriod := float64(blockSize) / sr

	d := NewDLL(sr, blockSize, 0.5)

	now := aootime.FromSeconds(1000)
	d.Update(now)

	for i := 0; i < 2000; i++ {
		now = aootime.Add(now, nominalPeriod)
		d.Update(now)
	}

	got := d.SampleRate()
	if math.Abs(got-sr)/sr > 1e-3 {
		t.Fatalf("DLL sample rate = %v, want close to %v", got, sr)
	}
}

func TestDLLResetReestablishesBaseline(t *testing.T) {
	d := NewDLL(48000, 64, 0.5)
	d.Update(aootime.FromSeconds(0))
	d.Update(aootime.FromSeconds(1))
	d.Reset()

	before := d.Period()
	d.Update(aootime.FromSeconds(100)) // baseline only, should not move period
	if d.Period() != before {
		t.Fatalf("first Update after Reset should only set baseline")
	}
}

func TestTimerDetectsGlitch(t *testing.T) {
	const nominal = 64.0 / 48000.0
	tm := NewTimer(nominal, 0.25)

	now := aootime.FromSeconds(0)
	tm.Check(now)

	// Feed nominal deltas to fill the ring with "healthy" history.
	for i := 0; i < glitchRingSize; i++ {
		now = aootime.Add(now, nominal)
		_, glitch, ok := tm.Check(now)
		if !ok || glitch {
			t.Fatalf("unexpected glitch during steady state at i=%d", i)
		}
	}

	// Inject a large stall.
	now = aootime.Add(now, nominal*50)
	_, glitch, ok := tm.Check(now)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if !glitch {
		t.Fatalf("expected glitch to be detected after a large stall")
	}
}
