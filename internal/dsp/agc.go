package dsp

const (
	// DefaultAGCTarget is the desired RMS level (linear, ~-14 dBFS).
	DefaultAGCTarget = 0.20

	minGain = 0.1  // floor: at most 20 dB of cut
	maxGain = 10.0 // ceiling: at most 20 dB of boost

	attackCoeff  = 0.80 // gain-down response, fast
	releaseCoeff = 0.02 // gain-up response, slow (avoids pumping)

	agcMinRMS = 0.001 // suppress gain updates below the noise floor
)

// AGC is a single-channel automatic gain control processor applying
// asymmetric attack/release smoothing around a target RMS level. The zero
// value is not usable; use NewAGC.
type AGC struct {
	target float64
	gain   float64
}

// NewAGC returns an AGC at DefaultAGCTarget with unity gain.
func NewAGC() *AGC {
	return &AGC{target: DefaultAGCTarget, gain: 1.0}
}

// SetTarget maps level in [0,100] to a target RMS in [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	level = clampLevel(level)
	a.target = 0.01 + float64(level)/100.0*0.49
}

// Process applies the current gain to frame in place, then updates the gain
// estimate from the frame's RMS. Returns frame for chaining.
func (a *AGC) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return frame
	}
	rms := float64(RMS(frame))
	for i, s := range frame {
		v := s * float32(a.gain)
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}
	if rms < agcMinRMS {
		return frame
	}
	desired := a.target / rms
	if desired < minGain {
		desired = minGain
	} else if desired > maxGain {
		desired = maxGain
	}
	coeff := releaseCoeff
	if desired < a.gain {
		coeff = attackCoeff
	}
	a.gain += coeff * (desired - a.gain)
	return frame
}

// Gain returns the current linear gain multiplier.
func (a *AGC) Gain() float64 { return a.gain }

// Reset resets gain to unity without changing the target.
func (a *AGC) Reset() { a.gain = 1.0 }
