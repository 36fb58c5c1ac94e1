// Package block implements the encoded-audio block and its on-the-wire
// fragmentation, plus the sink-side reassembly bitset (spec.md §3.2, §3.5,
// §4.1 "Encoding / fragmentation"). Grounded on client/internal/jitter's
// slot/ring model and client/transport.go's datagram header layout, adapted
// to the spec's frame/block vocabulary in place of that file's single-packet
// datagrams.
package block

import (
	"fmt"
	"math/bits"
)

// HeaderBytes approximates the non-payload overhead of one /data OSC
// message (address pattern, typetags, and the fixed int/float arguments),
// used to size the maximum per-frame payload.
const HeaderBytes = 80

// Block is one encoder output: the encoded payload for a single stream
// sequence number, plus its routing metadata.
type Block struct {
	Source     int32
	Salt       int32
	Sequence   int32
	SampleRate float64
	Channel    int32
	Payload    []byte // nil/empty means total_size == 0, a skip marker
}

// TotalSize is the wire total_size field.
func (b Block) TotalSize() int32 { return int32(len(b.Payload)) }

// IsSkip reports whether this block is a deliberately dropped/skipped block
// (spec.md §3.2: "a block with total_size == 0 represents a deliberately
// dropped/skipped block").
func (b Block) IsSkip() bool { return len(b.Payload) == 0 }

// Frame is one fragment of a Block as it travels over the wire.
type Frame struct {
	Source     int32
	Salt       int32
	Sequence   int32
	SampleRate float64
	Channel    int32
	TotalSize  int32
	NumFrames  int32
	FrameNum   int32
	Payload    []byte
}

// MaxPayload returns the largest frame payload that fits in packetSize once
// HeaderBytes of OSC framing overhead is reserved.
func MaxPayload(packetSize int) int {
	n := packetSize - HeaderBytes
	if n < 1 {
		n = 1
	}
	return n
}

// Fragment splits b into one or more frames no larger than maxPayload bytes
// each (spec.md §4.1). A skip marker (empty payload) still yields exactly
// one frame carrying zero bytes, so it occupies a sequence number on the
// wire like any other block.
func Fragment(b Block, maxPayload int) []Frame {
	if maxPayload < 1 {
		maxPayload = 1
	}
	total := len(b.Payload)
	numFrames := (total + maxPayload - 1) / maxPayload
	if numFrames == 0 {
		numFrames = 1
	}
	frames := make([]Frame, 0, numFrames)
	for i := 0; i < numFrames; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > total {
			end = total
		}
		frames = append(frames, Frame{
			Source:     b.Source,
			Salt:       b.Salt,
			Sequence:   b.Sequence,
			SampleRate: b.SampleRate,
			Channel:    b.Channel,
			TotalSize:  int32(total),
			NumFrames:  int32(numFrames),
			FrameNum:   int32(i),
			Payload:    b.Payload[start:end],
		})
	}
	return frames
}

// ReceivedBlock is the sink-side reassembly state for one in-flight
// sequence number (spec.md §3.5).
type ReceivedBlock struct {
	Source       int32
	Salt         int32
	Sequence     int32
	SampleRate   float64
	Channel      int32
	TotalSize    int32
	NumFrames    int32
	FrameSize    int32
	Data         []byte
	FramesMissing bitset
	Timestamp    float64
	NumTries     int
	Dropped      bool
}

// NewReceivedBlock allocates reassembly state for a block announced by the
// first frame seen for its sequence number.
func NewReceivedBlock(f Frame) *ReceivedBlock {
	frameSize := 0
	if f.NumFrames > 0 {
		// Every frame but the last carries exactly frameSize bytes, so a
		// non-last frame gives it directly and the last one by subtraction.
		if f.NumFrames > 1 && f.FrameNum == f.NumFrames-1 {
			frameSize = (int(f.TotalSize) - len(f.Payload)) / int(f.NumFrames-1)
		} else {
			frameSize = len(f.Payload)
		}
		if frameSize == 0 {
			frameSize = 1
		}
	}
	rb := &ReceivedBlock{
		Source:     f.Source,
		Salt:       f.Salt,
		Sequence:   f.Sequence,
		SampleRate: f.SampleRate,
		Channel:    f.Channel,
		TotalSize:  f.TotalSize,
		NumFrames:  f.NumFrames,
		FrameSize:  int32(frameSize),
		Data:       make([]byte, f.TotalSize),
	}
	rb.FramesMissing = newBitset(int(f.NumFrames))
	rb.FramesMissing.setAll()
	if f.TotalSize == 0 {
		// Skip marker: complete by construction, decodes as silence.
		rb.Dropped = true
		rb.FramesMissing.clearAll()
	}
	return rb
}

// NewDroppedBlock synthesizes a block that is complete by construction and
// decodes as silence, used by the sink when it gives up waiting for a block
// (spec.md §3.5 "dropped").
func NewDroppedBlock(source int32, salt int32, sequence int32) *ReceivedBlock {
	return &ReceivedBlock{
		Source:   source,
		Salt:     salt,
		Sequence: sequence,
		Dropped:  true,
	}
}

// AddFrame copies one frame's bytes into place and clears its missing bit.
// Adding a frame with an out-of-range index is a no-op error (a malformed
// or stale packet).
func (rb *ReceivedBlock) AddFrame(frameNum int32, payload []byte) error {
	if rb.Dropped {
		return nil
	}
	if frameNum < 0 || frameNum >= rb.NumFrames {
		return fmt.Errorf("block: frame %d out of range [0,%d)", frameNum, rb.NumFrames)
	}
	start := int(frameNum) * int(rb.FrameSize)
	end := start + len(payload)
	if end > len(rb.Data) {
		end = len(rb.Data)
		if end < start {
			end = start
		}
	}
	copy(rb.Data[start:end], payload)
	rb.FramesMissing.clear(int(frameNum))
	return nil
}

// Complete reports whether every frame has arrived (frames_missing == ∅) or
// the block was synthesized as dropped.
func (rb *ReceivedBlock) Complete() bool {
	return rb.Dropped || rb.FramesMissing.isEmpty()
}

// MissingFrames returns the indices of frames not yet received, used to
// build a resend request.
func (rb *ReceivedBlock) MissingFrames() []int32 {
	if rb.Dropped {
		return nil
	}
	return rb.FramesMissing.indices()
}

// bitset is a fixed-size bit vector sized to a block's frame count,
// recommended ≥256 bits per spec.md §3.5.
type bitset struct {
	words []uint64
	n     int
}

func newBitset(n int) bitset {
	if n < 1 {
		n = 1
	}
	return bitset{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) setAll() {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	b.maskTail()
}

func (b *bitset) clearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *bitset) maskTail() {
	if b.n%64 == 0 {
		return
	}
	last := len(b.words) - 1
	b.words[last] &= (uint64(1) << uint(b.n%64)) - 1
}

func (b *bitset) clear(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i/64] &^= uint64(1) << uint(i%64)
}

func (b *bitset) isEmpty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b *bitset) indices() []int32 {
	var out []int32
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, int32(wi*64+bit))
			w &^= uint64(1) << uint(bit)
		}
	}
	return out
}
