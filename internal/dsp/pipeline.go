package dsp

// CapturePipeline chains noise gating, automatic gain control, and voice
// activity detection over the mono interleaved frame a source encodes each
// block: Gate cleans the signal, AGC normalizes its level, VAD then decides
// whether the (gated, normalized) frame is worth encoding and transmitting
// at all. Any stage can be disabled independently via its own SetEnabled.
type CapturePipeline struct {
	Gate *Gate
	AGC  *AGC
	VAD  *VAD
}

// NewCapturePipeline returns a pipeline with every stage at its default
// configuration and enabled.
func NewCapturePipeline() *CapturePipeline {
	return &CapturePipeline{Gate: NewGate(), AGC: NewAGC(), VAD: NewVAD()}
}

// Process gates and normalizes frame in place, then reports whether the
// result should be encoded and sent. frame must be mono interleaved
// float32 PCM for one block.
func (p *CapturePipeline) Process(frame []float32) bool {
	rms := p.Gate.Process(frame)
	p.AGC.Process(frame)
	return p.VAD.ShouldSend(rms)
}

// Reset clears per-stage hangover/hold state without changing configuration,
// for use after a stream discontinuity (e.g. a salt change).
func (p *CapturePipeline) Reset() {
	p.Gate.Reset()
	p.VAD.Reset()
	p.AGC.Reset()
}
