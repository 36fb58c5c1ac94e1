// Package dsp provides capture-path audio enrichment for the source engine
// (noise gating, automatic gain control, voice-activity gating) and
// connection-quality-driven adaptation helpers (Opus bitrate ladder, jitter
// buffer depth) shared by source and sink. None of this is part of the wire
// protocol; it is host-side signal processing layered on top of the plain
// mono float32/20 ms frame contract that source.Process and sink decoding
// already use.
package dsp

import "math"

const (
	// DefaultVADThreshold is the RMS level below which a frame is treated
	// as silence (~-46 dBFS). Low enough to pass quiet speech, high enough
	// to suppress background hum and open-mic noise.
	DefaultVADThreshold = float32(0.005)

	// DefaultHangover is the number of silent frames to keep transmitting
	// after speech ends (~400 ms at 20 ms/frame). Prevents clipping word
	// endings.
	DefaultHangover = 20
)

// VAD is a single-channel energy-based voice activity detector. The zero
// value is not usable; use NewVAD.
type VAD struct {
	threshold float32
	hangover  int
	remaining int
	enabled   bool
}

// NewVAD returns a VAD with DefaultVADThreshold and DefaultHangover, enabled.
func NewVAD() *VAD {
	return &VAD{threshold: DefaultVADThreshold, hangover: DefaultHangover, enabled: true}
}

// SetEnabled enables or disables the VAD. Disabled, ShouldSend always
// returns true (pass-through).
func (v *VAD) SetEnabled(enabled bool) {
	v.enabled = enabled
	if !enabled {
		v.remaining = 0
	}
}

// Enabled reports whether the VAD is active.
func (v *VAD) Enabled() bool { return v.enabled }

// SetThreshold maps level in [0,100] to an RMS threshold in [0.001, 0.05].
func (v *VAD) SetThreshold(level int) {
	level = clampLevel(level)
	v.threshold = 0.001 + float32(level)/100.0*0.049
}

// ShouldSend reports whether a block with the given RMS energy should be
// encoded and transmitted, applying hangover to avoid clipping word endings.
func (v *VAD) ShouldSend(rms float32) bool {
	if !v.enabled {
		return true
	}
	if rms > v.threshold {
		v.remaining = v.hangover
		return true
	}
	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}

// Reset clears the hangover counter without changing configuration.
func (v *VAD) Reset() { v.remaining = 0 }

// RMS returns the root-mean-square of a mono float32 PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
