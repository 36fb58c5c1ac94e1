// Package pcm implements the uncompressed PCM codec plugin: interleaved
// float32 samples serialized as big-endian bytes. It exists to satisfy
// spec.md §4.3's "exact for PCM" round-trip requirement — there is nothing a
// compression library could add to a byte-exact passthrough, so this one
// codec plugin is deliberately stdlib-only (encoding/binary, math).
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"

	"aoo/codec"
)

// Name is the wire codec identifier used in /format messages.
const Name = "pcm"

func init() {
	codec.Register(Name, factory{})
}

type factory struct{}

func (factory) NewEncoder() (codec.Encoder, error) { return &encoder{}, nil }
func (factory) NewDecoder() (codec.Decoder, error) { return &decoder{}, nil }

type encoder struct {
	format codec.Format
}

func (e *encoder) Setup(f codec.Format) error {
	if f.Channels <= 0 || f.BlockSize <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("pcm: invalid format %+v", f)
	}
	e.format = f
	return nil
}

// WriteFormat serializes nothing codec-specific — PCM has no options beyond
// the common Format fields already carried on the wire /format message.
func (e *encoder) WriteFormat() ([]byte, error) { return nil, nil }

// Encode writes each sample as a big-endian float32 (4 bytes/sample).
func (e *encoder) Encode(samples []float32) ([]byte, error) {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out, nil
}

func (e *encoder) Free() {}

type decoder struct {
	format codec.Format
}

func (d *decoder) Setup(f codec.Format) error {
	if f.Channels <= 0 || f.BlockSize <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("pcm: invalid format %+v", f)
	}
	d.format = f
	return nil
}

func (d *decoder) ReadFormat(_ []byte) error { return nil }

// Decode reads big-endian float32 samples from payload into out, returning
// the number of samples consumed.
func (d *decoder) Decode(payload []byte, out []float32) (int, error) {
	n := len(payload) / 4
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		bits := binary.BigEndian.Uint32(payload[4*i:])
		out[i] = math.Float32frombits(bits)
	}
	return n, nil
}

func (d *decoder) Free() {}
