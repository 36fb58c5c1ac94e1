package dsp

const (
	// DefaultGateThreshold is the RMS level below which audio is gated
	// (~-40 dBFS).
	DefaultGateThreshold = float32(0.01)

	// DefaultGateHold is the number of frames the gate stays open after the
	// signal drops below threshold (200 ms at 20 ms/frame).
	DefaultGateHold = 10
)

// Gate is a hard noise gate that zeroes frames below a threshold. It runs
// ahead of VAD in the capture pipeline: the gate cleans the signal, VAD
// decides whether the (possibly zeroed) frame is worth transmitting at all.
type Gate struct {
	threshold float32
	hold      int
	remaining int
	enabled   bool
	open      bool
}

// NewGate returns a Gate with DefaultGateThreshold and DefaultGateHold, enabled.
func NewGate() *Gate {
	return &Gate{threshold: DefaultGateThreshold, hold: DefaultGateHold, enabled: true}
}

// SetEnabled enables or disables the gate. Disabled, Process is a no-op.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.open = false
	}
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool { return g.enabled }

// SetThreshold maps level in [0,100] to an RMS threshold in [0.001, 0.10].
func (g *Gate) SetThreshold(level int) {
	level = clampLevel(level)
	g.threshold = 0.001 + float32(level)/100.0*0.099
}

// IsOpen reports whether the gate is currently passing audio.
func (g *Gate) IsOpen() bool { return g.open }

// Process applies the gate to frame in place, zeroing it once the hold
// period expires below threshold. Returns the frame's RMS before gating.
func (g *Gate) Process(frame []float32) float32 {
	rms := RMS(frame)
	if !g.enabled {
		g.open = true
		return rms
	}
	if rms >= g.threshold {
		g.remaining = g.hold
		g.open = true
		return rms
	}
	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}
	for i := range frame {
		frame[i] = 0
	}
	g.open = false
	return rms
}

// Reset clears the hold counter without changing configuration.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
