// Package codec defines the narrow, synchronous capability-set interface
// every aoo codec plugin implements (spec.md §4.3, §9 "Virtual codec
// dispatch") plus a process-wide, write-once-on-init registry (§9 "Global
// codec registry"). The engines in source/ and sink/ only ever see this
// interface — they never branch on codec identity.
package codec

import "fmt"

// Format describes the negotiated parameters of one stream generation.
// Codec-specific tuning (e.g. Opus application/complexity) travels in Options
// as an opaque blob produced by Encoder.WriteFormat / consumed by
// Decoder.ReadFormat.
type Format struct {
	Codec      string
	SampleRate float64
	BlockSize  int
	Channels   int
	Options    []byte
}

// Encoder is the encode-side half of a codec plugin.
type Encoder interface {
	// Setup validates and stores nchannels/sample_rate/blocksize.
	Setup(f Format) error
	// WriteFormat serializes codec-specific options for the wire /format message.
	WriteFormat() ([]byte, error)
	// Encode compresses one block of interleaved samples. A return of
	// (0, nil) is a deliberate silence/skip marker (spec.md §3.2); a
	// negative-length result is reported as an error.
	Encode(pcm []float32) ([]byte, error)
	Free()
}

// Decoder is the decode-side half of a codec plugin.
type Decoder interface {
	// Setup validates and stores nchannels/sample_rate/blocksize.
	Setup(f Format) error
	// ReadFormat deserializes codec-specific options received over the wire.
	ReadFormat(options []byte) error
	// Decode decompresses one block into interleaved samples. Decode errors
	// are non-fatal: the sink fills the slot with silence (spec.md §7).
	Decode(payload []byte, out []float32) (int, error)
	Free()
}

// Factory constructs a fresh encoder/decoder pair for one stream generation.
type Factory interface {
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

// BitrateSetter is implemented by encoders that support retuning their
// target bitrate without a full Setup (e.g. Opus). Source.SetBitrateBps
// type-asserts to this so the quality adapter's recommendation can be
// applied without forcing every codec plugin to support it.
type BitrateSetter interface {
	SetBitrate(bps int) error
}

var registry = map[string]Factory{}

// Register adds a codec factory under name. Per spec.md §9's design note,
// this is meant to be called exactly once per codec during process
// initialization (normally from an init() in the codec's own package) — it
// panics on a duplicate name rather than silently overwriting a plugin that
// may already be in use.
func Register(name string, f Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("codec: %q already registered", name))
	}
	registry[name] = f
}

// ErrUnsupportedCodec is returned by Lookup (and bubbles up from
// Source.SetFormat) when no plugin is registered under the requested name.
var ErrUnsupportedCodec = fmt.Errorf("codec: unsupported codec")

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
	return f, nil
}
