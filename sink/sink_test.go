package sink

import (
	"testing"

	"aoo/aootime"
	"aoo/block"
	"aoo/codec"
	_ "aoo/codec/pcm"
	"aoo/netaddr"
	"aoo/oscaddr"
)

func testEndpoint() netaddr.Endpoint {
	return netaddr.Endpoint{ID: 1}
}

func formatMessage(srcID, salt, blockSize int32, sr float64) oscaddr.Message {
	return oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleSink, 1, "format"),
		Args:    []any{srcID, salt, int32(1), sr, blockSize, "pcm", []byte{}},
	}
}

func dataMessage(srcID, salt, seq int32, sr float64, channel, total, numFrames, frameNum int32, payload []byte) oscaddr.Message {
	return oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleSink, 1, "data"),
		Args:    []any{srcID, salt, seq, sr, channel, total, numFrames, frameNum, payload},
	}
}

func mustSink(t *testing.T) *Sink {
	t.Helper()
	sk := New(1)
	sk.Setup(48000, 4, 1)
	return sk
}

func TestFormatThenDataDecodesAndDrains(t *testing.T) {
	sk := mustSink(t)
	ep := testEndpoint()

	fmtMsg := formatMessage(1, 7, 4, 48000)
	raw, err := oscaddr.Marshal(fmtMsg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := sk.HandleMessage(raw, ep); err != nil {
		t.Fatalf("HandleMessage(format): %v", err)
	}

	enc := codec.Format{Codec: "pcm", SampleRate: 48000, BlockSize: 4, Channels: 1}
	factory, err := codec.Lookup("pcm")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	e, err := factory.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := e.Setup(enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	payload, err := e.Encode([]float32{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b := block.Block{Source: 1, Salt: 7, Sequence: 0, SampleRate: 48000, Channel: 0, Payload: payload}
	frames := block.Fragment(b, 1500)
	for _, f := range frames {
		msg := dataMessage(1, 7, 0, 48000, 0, f.TotalSize, f.NumFrames, f.FrameNum, f.Payload)
		raw, err := oscaddr.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if err := sk.HandleMessage(raw, ep); err != nil {
			t.Fatalf("HandleMessage(data): %v", err)
		}
	}

	audioOut := [][]float32{make([]float32, 4)}
	sk.Process(audioOut, aootime.FromSeconds(0))

	for i, want := range []float32{0.1, 0.2, 0.3, 0.4} {
		if audioOut[0][i] != want {
			t.Fatalf("sample %d: got %v want %v", i, audioOut[0][i], want)
		}
	}

	if ms, ok := sk.RecommendedBufferMs(ep); !ok || ms <= 0 {
		t.Fatalf("RecommendedBufferMs: got (%v, %v), want a positive duration", ms, ok)
	}
}

func TestProcessResamplesWhenSourceRateDiffersFromSink(t *testing.T) {
	sk := mustSink(t)
	ep := testEndpoint()

	// Source reports a rate double the sink's own effective rate, so the
	// sink's DynamicResampler must compress 4 decoded frames down to fewer
	// than 4 samples of actual signal before the tail goes silent.
	const sourceSR = 96000.0
	raw, err := oscaddr.Marshal(formatMessage(1, 7, 4, sourceSR))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := sk.HandleMessage(raw, ep); err != nil {
		t.Fatalf("HandleMessage(format): %v", err)
	}

	enc := codec.Format{Codec: "pcm", SampleRate: sourceSR, BlockSize: 4, Channels: 1}
	factory, err := codec.Lookup("pcm")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	e, err := factory.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := e.Setup(enc); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	payload, err := e.Encode([]float32{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b := block.Block{Source: 1, Salt: 7, Sequence: 0, SampleRate: sourceSR, Channel: 0, Payload: payload}
	frames := block.Fragment(b, 1500)
	for _, f := range frames {
		msg := dataMessage(1, 7, 0, sourceSR, 0, f.TotalSize, f.NumFrames, f.FrameNum, f.Payload)
		raw, err := oscaddr.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if err := sk.HandleMessage(raw, ep); err != nil {
			t.Fatalf("HandleMessage(data): %v", err)
		}
	}

	audioOut := [][]float32{make([]float32, 4)}
	sk.Process(audioOut, aootime.FromSeconds(0))

	// At a 2x input rate the sink's resampler only has enough buffered
	// history to fill the first two output frames; the rest stay silent
	// rather than fabricating signal, so the output must differ from a
	// straight passthrough of all-ones.
	if audioOut[0][3] != 0 {
		t.Fatalf("expected the under-buffered tail to stay silent, got %v", audioOut[0][3])
	}
}

func TestRecommendedBufferMsUnknownSourceNotOK(t *testing.T) {
	sk := mustSink(t)
	if _, ok := sk.RecommendedBufferMs(testEndpoint()); ok {
		t.Fatalf("expected ok=false for a source with no descriptor yet")
	}
}

func TestSaltMismatchRequestsFormat(t *testing.T) {
	sk := mustSink(t)
	ep := testEndpoint()

	fmtMsg := formatMessage(1, 7, 4, 48000)
	raw, _ := oscaddr.Marshal(fmtMsg)
	sk.HandleMessage(raw, ep)

	msg := dataMessage(1, 99, 0, 48000, 0, 4, 1, 0, []byte{1, 2, 3, 4})
	raw, _ = oscaddr.Marshal(msg)
	sk.HandleMessage(raw, ep)

	_, reqs := sk.Send()
	if len(reqs) != 1 {
		t.Fatalf("expected a format request after salt mismatch, got %d", len(reqs))
	}
}

func TestMissingFrameTriggersResendRequest(t *testing.T) {
	sk := mustSink(t)
	ep := testEndpoint()
	raw, _ := oscaddr.Marshal(formatMessage(1, 7, 4, 48000))
	sk.HandleMessage(raw, ep)

	// seq 0 only ever receives frame 0 of 2, so it blocks the front of the
	// queue; seq 1 and 2 complete normally but can't drain past it. This
	// grows the queue to size 3 (the missing-block-detection threshold)
	// while seq 0 stays incomplete.
	msg0 := dataMessage(1, 7, 0, 48000, 0, 8, 2, 0, []byte{1, 2, 3, 4})
	raw0, _ := oscaddr.Marshal(msg0)
	sk.HandleMessage(raw0, ep)

	for seq := int32(1); seq < 3; seq++ {
		msg := dataMessage(1, 7, seq, 48000, 0, 4, 1, 0, []byte{1, 2, 3, 4})
		raw, _ := oscaddr.Marshal(msg)
		sk.HandleMessage(raw, ep)
	}

	resends, _ := sk.Send()
	found := false
	for _, r := range resends {
		if r.Seq == 0 && r.Frame == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a resend request for seq 0's missing frame 1, got %+v", resends)
	}
}
