package pcm

import (
	"math"
	"testing"

	"aoo/codec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := codec.Format{Codec: Name, SampleRate: 48000, BlockSize: 64, Channels: 2}

	enc := &encoder{}
	if err := enc.Setup(f); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	dec := &decoder{}
	if err := dec.Setup(f); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	in := make([]float32, f.BlockSize*f.Channels)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.1))
	}

	blob, err := enc.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out := make([]float32, len(in))
	n, err := dec.Decode(blob, out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d samples, want %d", n, len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: got %v, want %v (not byte-exact)", i, out[i], in[i])
		}
	}
}

func TestRegisteredUnderName(t *testing.T) {
	factory, err := codec.Lookup(Name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", Name, err)
	}
	if _, err := factory.NewEncoder(); err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
}
