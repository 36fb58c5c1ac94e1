package block

import "testing"

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := Block{Source: 1, Salt: 7, Sequence: 42, SampleRate: 48000, Channel: 0, Payload: payload}

	frames := Fragment(b, 100)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	rb := NewReceivedBlock(frames[0])
	for _, f := range frames {
		if err := rb.AddFrame(f.FrameNum, f.Payload); err != nil {
			t.Fatalf("AddFrame(%d): %v", f.FrameNum, err)
		}
	}
	if !rb.Complete() {
		t.Fatalf("expected block complete after all frames added")
	}
	for i, v := range payload {
		if rb.Data[i] != v {
			t.Fatalf("byte %d: got %d want %d", i, rb.Data[i], v)
		}
	}
}

func TestReassemblyTracksMissingFrames(t *testing.T) {
	payload := make([]byte, 250)
	b := Block{Sequence: 1, Payload: payload}
	frames := Fragment(b, 100)

	rb := NewReceivedBlock(frames[0])
	if err := rb.AddFrame(0, frames[0].Payload); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if rb.Complete() {
		t.Fatalf("block should not be complete with 2 frames missing")
	}
	missing := rb.MissingFrames()
	if len(missing) != 2 {
		t.Fatalf("got %d missing frames, want 2", len(missing))
	}
}

func TestSkipMarkerIsImmediatelyComplete(t *testing.T) {
	b := Block{Sequence: 5, Payload: nil}
	frames := Fragment(b, 100)
	if len(frames) != 1 {
		t.Fatalf("skip marker should still occupy exactly one frame, got %d", len(frames))
	}
	if frames[0].TotalSize != 0 {
		t.Fatalf("skip marker total_size should be 0, got %d", frames[0].TotalSize)
	}

	rb := NewReceivedBlock(frames[0])
	if !rb.Complete() {
		t.Fatalf("skip marker block should be complete by construction")
	}
	if !b.IsSkip() {
		t.Fatalf("Block.IsSkip() should be true for empty payload")
	}
}

func TestDroppedBlockIsComplete(t *testing.T) {
	rb := NewDroppedBlock(1, 1, 9)
	if !rb.Complete() {
		t.Fatalf("synthesized dropped block must report complete")
	}
	if rb.MissingFrames() != nil {
		t.Fatalf("dropped block should report no missing frames")
	}
}

func TestAddFrameRejectsOutOfRange(t *testing.T) {
	payload := make([]byte, 50)
	b := Block{Sequence: 2, Payload: payload}
	frames := Fragment(b, 100)
	rb := NewReceivedBlock(frames[0])
	if err := rb.AddFrame(5, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error adding out-of-range frame index")
	}
}

func TestMaxPayload(t *testing.T) {
	if got := MaxPayload(1500); got != 1500-HeaderBytes {
		t.Fatalf("MaxPayload(1500) = %d, want %d", got, 1500-HeaderBytes)
	}
	if got := MaxPayload(10); got != 1 {
		t.Fatalf("MaxPayload(10) = %d, want 1 (clamped)", got)
	}
}
