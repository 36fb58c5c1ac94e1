package dsp

import "testing"

func TestVADDefaults(t *testing.T) {
	v := NewVAD()
	if v.threshold != DefaultVADThreshold {
		t.Errorf("threshold: got %f, want %f", v.threshold, DefaultVADThreshold)
	}
	if !v.enabled {
		t.Error("expected enabled by default")
	}
}

func TestVADShouldSendDisabled(t *testing.T) {
	v := NewVAD()
	v.SetEnabled(false)
	if !v.ShouldSend(0) {
		t.Error("disabled VAD should always return true")
	}
}

func TestVADHangover(t *testing.T) {
	v := NewVAD()
	v.ShouldSend(DefaultVADThreshold * 10) // speech, arms hangover
	for i := 0; i < DefaultHangover; i++ {
		if !v.ShouldSend(0) {
			t.Errorf("hangover frame %d should still send", i)
		}
	}
	if v.ShouldSend(0) {
		t.Error("silence after hangover expired should not send")
	}
}

func TestRMS(t *testing.T) {
	if rms := RMS(nil); rms != 0 {
		t.Errorf("RMS(nil) = %f, want 0", rms)
	}
	frame := []float32{1, -1, 1, -1}
	if rms := RMS(frame); rms != 1 {
		t.Errorf("RMS of unit square wave = %f, want 1", rms)
	}
}

func TestGateZeroesBelowThresholdAfterHold(t *testing.T) {
	g := NewGate()
	quiet := make([]float32, 8) // all zero, below threshold
	for i := 0; i < DefaultGateHold+1; i++ {
		g.Process(quiet)
	}
	if g.IsOpen() {
		t.Error("expected gate closed after hold expires on silence")
	}
}

func TestGatePassesLoudSignal(t *testing.T) {
	g := NewGate()
	loud := []float32{0.5, -0.5, 0.5, -0.5}
	orig := append([]float32(nil), loud...)
	g.Process(loud)
	if !g.IsOpen() {
		t.Error("expected gate open for loud signal")
	}
	for i := range loud {
		if loud[i] != orig[i] {
			t.Errorf("loud frame should pass unchanged, got %v want %v", loud, orig)
		}
	}
}

func TestAGCBoostsQuietSignalTowardTarget(t *testing.T) {
	a := NewAGC()
	frame := make([]float32, 960)
	for i := range frame {
		frame[i] = 0.02 // well below DefaultAGCTarget
	}
	for i := 0; i < 500; i++ {
		a.Process(frame)
		for j := range frame {
			frame[j] = 0.02
		}
	}
	if a.Gain() <= 1.0 {
		t.Errorf("expected gain to rise above unity for a quiet signal, got %f", a.Gain())
	}
}

func TestAGCResetReturnsUnityGain(t *testing.T) {
	a := NewAGC()
	frame := []float32{0.01, 0.01, 0.01, 0.01}
	a.Process(frame)
	a.Reset()
	if a.Gain() != 1.0 {
		t.Errorf("expected unity gain after Reset, got %f", a.Gain())
	}
}

func TestNextBitrateStepsDownOnHighLoss(t *testing.T) {
	got := NextBitrate(32, 0.10, 50)
	if got != 24 {
		t.Errorf("NextBitrate high loss: got %d, want 24", got)
	}
}

func TestNextBitrateStepsUpOnGoodLink(t *testing.T) {
	got := NextBitrate(32, 0.001, 50)
	if got != 48 {
		t.Errorf("NextBitrate good link: got %d, want 48", got)
	}
}

func TestNextBitrateHoldsAtTopRung(t *testing.T) {
	got := NextBitrate(48, 0.001, 50)
	if got != 48 {
		t.Errorf("NextBitrate at ceiling: got %d, want 48", got)
	}
}

func TestNextBitrateHoldsWithNoRTTMeasurement(t *testing.T) {
	got := NextBitrate(32, 0.001, 0)
	if got != 32 {
		t.Errorf("NextBitrate with rtt=0 should hold: got %d, want 32", got)
	}
}

func TestTargetJitterDepthDefaultsWithNoMeasurement(t *testing.T) {
	if d := TargetJitterDepth(0, 0); d != DefaultJitterDepth {
		t.Errorf("got %d, want %d", d, DefaultJitterDepth)
	}
}

func TestTargetJitterDepthClampedToMax(t *testing.T) {
	if d := TargetJitterDepth(1000, 0.5); d != maxJitterDepth {
		t.Errorf("got %d, want %d", d, maxJitterDepth)
	}
}

func TestSmoothLoss(t *testing.T) {
	got := SmoothLoss(0.0, 1.0, 0.5)
	if got != 0.5 {
		t.Errorf("got %f, want 0.5", got)
	}
}

func TestQualityAdapterRecommendsBitrateFromLossAndRTT(t *testing.T) {
	q := NewQualityAdapter()
	q.RecordInterval(0.001, 50)
	got := q.RecommendedBitrate()
	if got <= DefaultKbps {
		t.Errorf("expected bitrate to climb from a good link, got %d", got)
	}
}

func TestCapturePipelineSuppressesSilence(t *testing.T) {
	p := NewCapturePipeline()
	silence := make([]float32, 960)
	for i := 0; i < DefaultHangover+DefaultGateHold+2; i++ {
		p.Process(silence)
	}
	if p.Process(silence) {
		t.Error("expected pipeline to suppress sustained silence")
	}
}

func TestCapturePipelinePassesSpeech(t *testing.T) {
	p := NewCapturePipeline()
	speech := make([]float32, 960)
	for i := range speech {
		if i%2 == 0 {
			speech[i] = 0.3
		} else {
			speech[i] = -0.3
		}
	}
	if !p.Process(speech) {
		t.Error("expected pipeline to pass a loud speech-like frame")
	}
}
