package dsp

// DynamicResampler performs linear-interpolation sample-rate conversion at a
// runtime-adjustable ratio, for clock-drift compensation between a stream's
// reported encode/decode rate and the local audio clock driving Process
// (spec.md §3.4/§4.2 "Resampling and mixing"). It is fed planar input as it
// arrives and drained a fixed number of output frames at a time; fractional
// history carries over between calls so the ratio can change every call
// without discontinuities at block boundaries.
type DynamicResampler struct {
	channels int
	ratio    float64 // output frames per input frame

	history [][]float32 // per-channel unconsumed input tail
	pos     float64     // fractional read position into history
}

// NewDynamicResampler allocates a resampler for the given channel count at
// unity ratio.
func NewDynamicResampler(channels int) *DynamicResampler {
	if channels < 1 {
		channels = 1
	}
	return &DynamicResampler{
		channels: channels,
		ratio:    1,
		history:  make([][]float32, channels),
	}
}

// Channels returns the channel count this resampler was built for.
func (r *DynamicResampler) Channels() int { return r.channels }

// SetRatio updates the output/input sample-rate ratio (sink_effective_sr /
// source_current_sr on the receive side, encoder_sr / capture_sr on the
// send side). Non-positive ratios are ignored.
func (r *DynamicResampler) SetRatio(ratio float64) {
	if ratio > 0 {
		r.ratio = ratio
	}
}

// Reset drops buffered history and fractional position, for a format or
// salt change where continuity across the discontinuity isn't meaningful.
func (r *DynamicResampler) Reset() {
	for c := range r.history {
		r.history[c] = r.history[c][:0]
	}
	r.pos = 0
}

// Feed appends planar input to the resampler's history without producing
// output yet, for callers (like the sink) that accumulate several decoded
// blocks before draining one mix-buffer's worth of frames.
func (r *DynamicResampler) Feed(in [][]float32) {
	if len(in) != r.channels {
		return
	}
	for c := 0; c < r.channels; c++ {
		r.history[c] = append(r.history[c], in[c]...)
	}
}

// Drain fills out (want = len(out[0]) frames per channel) via linear
// interpolation at the current ratio, consuming history as it goes. Frames
// beyond what the currently buffered history can produce are left at out's
// zero value (silence), matching this engine's convention of filling gaps
// with silence rather than blocking.
func (r *DynamicResampler) Drain(out [][]float32) {
	if len(out) != r.channels || len(out) == 0 || len(out[0]) == 0 {
		return
	}
	want := len(out[0])
	step := 1.0 / r.ratio
	pos := r.pos
	produced := 0
	for produced < want {
		idx := int(pos)
		if idx >= len(r.history[0]) {
			break
		}
		frac := float32(pos - float64(idx))
		for c := 0; c < r.channels; c++ {
			a := r.history[c][idx]
			b := a
			if idx+1 < len(r.history[c]) {
				b = r.history[c][idx+1]
			}
			out[c][produced] = a + (b-a)*frac
		}
		pos += step
		produced++
	}
	r.pos = pos

	consumed := int(r.pos)
	if consumed > 0 {
		if consumed > len(r.history[0]) {
			consumed = len(r.history[0])
		}
		for c := 0; c < r.channels; c++ {
			r.history[c] = r.history[c][consumed:]
		}
		r.pos -= float64(consumed)
	}
}

// Process is the one-shot convenience form Feed+Drain for callers (like the
// source) that always resample exactly one freshly captured block and want
// the output immediately, with no multi-block accumulation.
func (r *DynamicResampler) Process(in [][]float32, want int) [][]float32 {
	r.Feed(in)
	out := make([][]float32, r.channels)
	for c := range out {
		out[c] = make([]float32, want)
	}
	r.Drain(out)
	return out
}
