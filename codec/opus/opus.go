// Package opus implements the Opus codec plugin, wrapping
// gopkg.in/hraban/opus.v2 behind the codec.Encoder/Decoder interfaces. The
// encode/decode call shape (NewEncoder(sr, ch, AppVoIP), SetBitrate/SetDTX/
// SetInBandFEC/SetPacketLossPerc, NewDecoder, Encode/Decode) is
// reused from client/audio.go, restructured to satisfy the engine-facing
// interface instead of that file's bespoke test-seam interfaces.
package opus

import (
	"encoding/binary"
	"fmt"

	hraban "gopkg.in/hraban/opus.v2"

	"aoo/codec"
)

// Name is the wire codec identifier used in /format messages.
const Name = "opus"

// maxPacketBytes is the RFC 6716 maximum Opus packet size, used to size the
// scratch encode buffer.
const maxPacketBytes = 1275

func init() {
	codec.Register(Name, factory{})
}

type factory struct{}

func (factory) NewEncoder() (codec.Encoder, error) { return &encoder{bitrate: 32000}, nil }
func (factory) NewDecoder() (codec.Decoder, error) { return &decoder{}, nil }

// options is the wire-serialized codec-specific configuration carried in a
// /format message's opts_blob: just the target bitrate, big-endian.
type options struct {
	BitrateBps uint32
}

func marshalOptions(o options) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, o.BitrateBps)
	return buf
}

func unmarshalOptions(b []byte) (options, error) {
	if len(b) < 4 {
		return options{}, fmt.Errorf("opus: short format options (%d bytes)", len(b))
	}
	return options{BitrateBps: binary.BigEndian.Uint32(b)}, nil
}

type encoder struct {
	format  codec.Format
	enc     *hraban.Encoder
	bitrate int
	scratch []byte
}

func (e *encoder) Setup(f codec.Format) error {
	if f.Channels <= 0 || f.Channels > 2 {
		return fmt.Errorf("opus: unsupported channel count %d", f.Channels)
	}
	enc, err := hraban.NewEncoder(int(f.SampleRate), f.Channels, hraban.AppVoIP)
	if err != nil {
		return fmt.Errorf("opus: new encoder: %w", err)
	}
	if e.bitrate == 0 {
		e.bitrate = 32000
	}
	if err := enc.SetBitrate(e.bitrate); err != nil {
		return fmt.Errorf("opus: set bitrate: %w", err)
	}
	_ = enc.SetDTX(true)
	_ = enc.SetInBandFEC(true)
	_ = enc.SetPacketLossPerc(5)

	e.format = f
	e.enc = enc
	e.scratch = make([]byte, maxPacketBytes)
	return nil
}

func (e *encoder) WriteFormat() ([]byte, error) {
	return marshalOptions(options{BitrateBps: uint32(e.bitrate)}), nil
}

// SetBitrate lets the reference client's adaptive-bitrate loop retune the
// encoder without a full re-Setup (see internal/dsp).
func (e *encoder) SetBitrate(bps int) error {
	e.bitrate = bps
	if e.enc == nil {
		return nil
	}
	return e.enc.SetBitrate(bps)
}

// Encode converts float32 interleaved samples to int16 (Opus's native PCM
// format) and compresses one block. If the Opus encoder reports zero bytes,
// Encode returns an empty payload, which goes on the wire as a silence
// marker (§3.2, total_size==0).
func (e *encoder) Encode(samples []float32) ([]byte, error) {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = floatToInt16(s)
	}
	n, err := e.enc.Encode(pcm, e.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, e.scratch[:n])
	return out, nil
}

func (e *encoder) Free() {}

type decoder struct {
	format codec.Format
	dec    *hraban.Decoder
}

func (d *decoder) Setup(f codec.Format) error {
	dec, err := hraban.NewDecoder(int(f.SampleRate), f.Channels)
	if err != nil {
		return fmt.Errorf("opus: new decoder: %w", err)
	}
	d.format = f
	d.dec = dec
	return nil
}

func (d *decoder) ReadFormat(b []byte) error {
	_, err := unmarshalOptions(b)
	return err
}

// Decode expands an Opus packet into float32 interleaved samples. A nil
// payload is passed to the Opus decoder like any other; Opus's packet-loss
// concealment is not invoked here. Decoder errors are returned to the caller
// (spec.md §7: decode errors are non-fatal and produce silence on failure).
func (d *decoder) Decode(payload []byte, out []float32) (int, error) {
	pcm := make([]int16, len(out))
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus: decode: %w", err)
	}
	for i := 0; i < n*d.format.Channels; i++ {
		out[i] = int16ToFloat(pcm[i])
	}
	return n * d.format.Channels, nil
}

func (d *decoder) Free() {}

func floatToInt16(f float32) int16 {
	if f > 1 {
		f = 1
	}
	if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

func int16ToFloat(i int16) float32 {
	return float32(i) / 32768
}
