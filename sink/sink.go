// Package sink implements the aoo sink engine (spec.md §4.2): packet
// reassembly, jitter buffering, dynamic resampling for clock-drift
// compensation, loss/reorder/gap bookkeeping, retransmission requests, and
// state events. The per-source jitter algorithm is adapted from
// client/internal/jitter/jitter.go's Buffer/stream/slot ring design,
// extended with block.ReceivedBlock's frames_missing bitset (that package
// only ever tracked whole-packet presence, never partial frames) and an
// ackList the teacher's package has no equivalent for.
package sink

import (
	"sync"

	"aoo/aootime"
	"aoo/block"
	"aoo/codec"
	"aoo/internal/dsp"
	"aoo/netaddr"
	"aoo/oscaddr"
	"aoo/queue"
	"aoo/timing"
)

const (
	defaultJitterSlack  = 4
	jitterGapTolerance  = 3 // spec.md §4.2 "queue size >= 3"
	resendMaxPerPass    = 16
)

// EventKind enumerates host-visible sink events (spec.md §4.2 "State and
// loss events").
type EventKind int

const (
	EventBlockLost EventKind = iota
	EventBlockReordered
	EventBlockResent
	EventBlockGap
	EventSourceState
	EventSourceFormat
	EventPing
)

type PlaybackState int

const (
	StateStop PlaybackState = iota
	StatePlay
)

// EventLevel classifies an Event's severity, letting host code triage
// without string-matching on EventKind (SPEC_FULL.md §3's Event.Level
// supplement, mirroring the C++ reference's AOO_WARN/AOO_ERROR split).
type EventLevel int

const (
	LevelInfo EventLevel = iota
	LevelWarn
	LevelError
)

// Event is delivered to the host through PollEvents.
type Event struct {
	Kind   EventKind
	Level  EventLevel
	Source netaddr.Endpoint
	Count  int
	State  PlaybackState
}

// ResendRequest is one outgoing /aoo/source/<id>/resend argument pair the
// caller should fragment into an OSC message and send over UDP.
type ResendRequest struct {
	Source netaddr.Endpoint
	Salt   int32
	Seq    int32
	Frame  int32 // < 0 means whole block
}

type ackEntry struct {
	count   int
	lastTry float64
}

// blockInfo is the per-block routing/rate tuple carried on the info FIFO
// alongside its decoded audio.
type blockInfo struct {
	sampleRate float64
	channel    int32
}

// sourceDesc is per-(remote_endpoint, remote_id) sink-side state (spec.md
// §3.4).
type sourceDesc struct {
	endpoint netaddr.Endpoint

	decoder    codec.Decoder
	codecName  string
	salt       int32
	newest     int32
	next       int32
	hasNext    bool
	channel    int32
	sampleRate float64

	queue    []*block.ReceivedBlock
	capacity int
	acks     map[int32]*ackEntry

	blockSize int

	// audioFIFO/infoFIFO are the per-block decoded-audio FIFO and its
	// matched (sample_rate, channel) info FIFO (spec.md §3.4/§5): drain
	// (network thread) pushes, Process (audio thread) pops in lockstep and
	// resamples each block to the sink's own effective rate before mixing.
	audioFIFO *queue.SPSC[[]float32]
	infoFIFO  *queue.SPSC[blockInfo]

	// resampler corrects for the gap between this source's reported
	// per-block sample rate and the sink's own DLL-smoothed effective rate
	// (spec.md §3.4/§4.2 "Resampling and mixing" — the source side of this
	// same drift compensation lives in source.Source's DynamicResampler).
	resampler *dsp.DynamicResampler

	lost       int64
	reordered  int64
	resent     int64
	gap        int64
	received   int64
	lastState  PlaybackState
	formatRequested bool
}

// Sink is the receive/reassemble/decode/mix engine for one local audio
// sink.
type Sink struct {
	mu sync.Mutex

	id          netaddr.EndpointId
	sampleRate  float64
	blockSize   int
	numChannels int
	bufferMs    float64

	dll   *timing.DLL
	timer *timing.Timer

	sources map[string]*sourceDesc

	events       []Event
	resendQueue  []ResendRequest
	formatReqs   []netaddr.Endpoint
	now          float64
}

// New constructs a sink bound to id.
func New(id netaddr.EndpointId) *Sink {
	return &Sink{id: id, sources: make(map[string]*sourceDesc), bufferMs: 100}
}

// Setup (re)allocates the mix buffer shape and resets the DLL (spec.md
// §4.2).
func (sk *Sink) Setup(sampleRate float64, blockSize int, numChannels int) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.sampleRate = sampleRate
	sk.blockSize = blockSize
	sk.numChannels = numChannels
	sk.dll = timing.NewDLL(sampleRate, blockSize, 0.5)
	sk.timer = timing.NewTimer(float64(blockSize)/sampleRate, 0.25)
	for _, sd := range sk.sources {
		sk.updateSource(sd)
	}
}

func sourceKey(ep netaddr.Endpoint) string {
	return ep.String()
}

// InviteSource registers a descriptor for a remote source and marks it
// format-requested. No /aoo/source/<id>/invite message is emitted: Send
// returns only resend and format requests.
func (sk *Sink) InviteSource(ep netaddr.Endpoint) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sd := sk.getOrCreate(ep)
	sd.formatRequested = true
}

// UninviteSource drops a source's descriptor; no uninvite message is
// emitted.
func (sk *Sink) UninviteSource(ep netaddr.Endpoint) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	delete(sk.sources, sourceKey(ep))
}

// UninviteAll clears the entire source roster.
func (sk *Sink) UninviteAll() {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.sources = make(map[string]*sourceDesc)
}

func (sk *Sink) getOrCreate(ep netaddr.Endpoint) *sourceDesc {
	key := sourceKey(ep)
	sd, ok := sk.sources[key]
	if !ok {
		sd = &sourceDesc{endpoint: ep, acks: make(map[int32]*ackEntry), hasNext: false}
		sk.sources[key] = sd
		sk.updateSource(sd)
	}
	return sd
}

// updateSource resizes the jitter buffer from the current buffer_ms and
// decoder block size (spec.md §4.2 "Format handling").
func (sk *Sink) updateSource(sd *sourceDesc) {
	blockSize := sd.blockSize
	if blockSize <= 0 {
		blockSize = sk.blockSize
	}
	sr := sd.sampleRate
	if sr <= 0 {
		sr = sk.sampleRate
	}
	if blockSize > 0 && sr > 0 {
		sd.capacity = int(sk.bufferMs*sr/1000.0/float64(blockSize)) + defaultJitterSlack
	}
	if sd.capacity < defaultJitterSlack {
		sd.capacity = defaultJitterSlack
	}
	sd.acks = make(map[int32]*ackEntry)
	sd.next = 0
	sd.hasNext = false
	sd.audioFIFO = queue.NewSPSC[[]float32](sd.capacity)
	sd.infoFIFO = queue.NewSPSC[blockInfo](sd.capacity)
	if sd.resampler == nil {
		sd.resampler = dsp.NewDynamicResampler(1)
	} else {
		sd.resampler.Reset()
	}
}

// HandleMessage parses and dispatches one incoming OSC message (spec.md
// §4.2 "format, data, ping").
func (sk *Sink) HandleMessage(raw []byte, from netaddr.Endpoint) error {
	msg, err := oscaddr.Unmarshal(raw)
	if err != nil {
		return nil
	}
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil || pa.Role != oscaddr.RoleSink {
		return nil
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()

	switch pa.Verb {
	case "format":
		sk.handleFormat(msg, from)
	case "data":
		sk.handleData(msg, from)
	case "ping":
		sk.events = append(sk.events, Event{Kind: EventPing, Level: LevelInfo, Source: from})
	}
	return nil
}

func (sk *Sink) handleFormat(msg oscaddr.Message, from netaddr.Endpoint) {
	if len(msg.Args) < 6 {
		return
	}
	srcID, _ := msg.Args[0].(int32)
	salt, _ := msg.Args[1].(int32)
	nchannels, _ := msg.Args[2].(int32)
	sr, _ := msg.Args[3].(float64)
	blockSize, _ := msg.Args[4].(int32)
	codecName, _ := msg.Args[5].(string)
	var opts []byte
	if len(msg.Args) > 6 {
		opts, _ = msg.Args[6].([]byte)
	}

	ep := netaddr.Endpoint{Address: from.Address, ID: netaddr.EndpointId(srcID)}
	sd := sk.getOrCreate(ep)

	if sd.decoder == nil || sd.codecName != codecName {
		factory, err := codec.Lookup(codecName)
		if err != nil {
			return
		}
		dec, err := factory.NewDecoder()
		if err != nil {
			return
		}
		if err := dec.Setup(codec.Format{Codec: codecName, SampleRate: sr, BlockSize: int(blockSize), Channels: int(nchannels)}); err != nil {
			return
		}
		sd.decoder = dec
		sd.codecName = codecName
	}
	if err := sd.decoder.ReadFormat(opts); err != nil {
		return
	}

	sd.salt = salt
	sd.sampleRate = sr
	sd.blockSize = int(blockSize)
	sk.updateSource(sd)
	sk.events = append(sk.events, Event{Kind: EventSourceFormat, Level: LevelInfo, Source: ep})
}

func (sk *Sink) handleData(msg oscaddr.Message, from netaddr.Endpoint) {
	if len(msg.Args) < 8 {
		return
	}
	srcID, _ := msg.Args[0].(int32)
	salt, _ := msg.Args[1].(int32)
	seq, _ := msg.Args[2].(int32)
	sr, _ := msg.Args[3].(float64)
	channel, _ := msg.Args[4].(int32)
	totalSize, _ := msg.Args[5].(int32)
	numFrames, _ := msg.Args[6].(int32)
	frameNum, _ := msg.Args[7].(int32)
	var payload []byte
	if len(msg.Args) > 8 {
		payload, _ = msg.Args[8].([]byte)
	}

	ep := netaddr.Endpoint{Address: from.Address, ID: netaddr.EndpointId(srcID)}
	sd, ok := sk.sources[sourceKey(ep)]
	if !ok {
		return
	}

	if salt != sd.salt {
		sk.formatReqs = append(sk.formatReqs, ep)
		return
	}
	if !sd.hasNext {
		sd.next = seq
		sd.hasNext = true
	}
	if seq < sd.next {
		return // too old
	}
	if seq < sd.newest {
		if _, resent := sd.acks[seq]; resent {
			sd.resent++
			sk.events = append(sk.events, Event{Kind: EventBlockResent, Level: LevelInfo, Source: ep, Count: 1})
		} else {
			sd.reordered++
			sk.events = append(sk.events, Event{Kind: EventBlockReordered, Level: LevelWarn, Source: ep, Count: 1})
		}
	}

	if sd.newest > 0 && seq-sd.newest > int32(sd.capacity) {
		sd.lost += int64(len(sd.queue))
		gapN := seq - sd.newest - 1
		sd.gap += int64(gapN)
		sk.events = append(sk.events, Event{Kind: EventBlockGap, Level: LevelWarn, Source: ep, Count: int(gapN)})
		sd.queue = nil
		sd.acks = make(map[int32]*ackEntry)
		sd.next = seq
	}

	sd.received++
	rb := sk.findOrInsert(sd, block.Frame{
		Source: srcID, Salt: salt, Sequence: seq, SampleRate: sr, Channel: channel,
		TotalSize: totalSize, NumFrames: numFrames, FrameNum: frameNum, Payload: payload,
	})
	if rb != nil {
		_ = rb.AddFrame(frameNum, payload)
	}
	sd.channel = channel
	if seq > sd.newest {
		sd.newest = seq
	}

	sk.drain(sd)
	sk.garbageCollect(sd)
	sk.detectMissing(sd)
}

// findOrInsert finds the ReceivedBlock for f.Sequence or inserts a new one,
// evicting the oldest on overflow (spec.md §4.2 step 7).
func (sk *Sink) findOrInsert(sd *sourceDesc, f block.Frame) *block.ReceivedBlock {
	for _, rb := range sd.queue {
		if rb.Sequence == f.Sequence {
			return rb
		}
	}
	rb := block.NewReceivedBlock(f)
	sd.queue = append(sd.queue, rb)
	if sd.capacity > 0 && len(sd.queue) > sd.capacity {
		dropped := sd.queue[0]
		sd.queue = sd.queue[1:]
		delete(sd.acks, dropped.Sequence)
		sd.lost++
		sk.events = append(sk.events, Event{Kind: EventBlockLost, Level: LevelWarn, Source: sd.endpoint, Count: 1})
	}
	return rb
}

// drain decodes every contiguous complete block starting at sd.next
// (spec.md §4.2 "Drain"), pushing decoded audio and its matching
// (sample_rate, channel) tuple onto the per-source FIFOs.
func (sk *Sink) drain(sd *sourceDesc) {
	for len(sd.queue) > 0 {
		front := sd.queue[0]
		if !front.Complete() || front.Sequence != sd.next {
			break
		}
		sd.queue = sd.queue[1:]
		delete(sd.acks, front.Sequence)

		samples := sk.decodeBlock(sd, front)
		if !sd.audioFIFO.Push(samples) {
			sd.audioFIFO.Pop()
			sd.audioFIFO.Push(samples)
		}
		info := blockInfo{sampleRate: front.SampleRate, channel: front.Channel}
		if !sd.infoFIFO.Push(info) {
			sd.infoFIFO.Pop()
			sd.infoFIFO.Push(info)
		}

		sd.next++
		sk.lastState(sd, StatePlay)
	}
}

// decodeBlock decodes a complete (or dropped, hence silent) block. Decode
// errors are non-fatal: the sink fills the slot with silence (spec.md §7).
func (sk *Sink) decodeBlock(sd *sourceDesc, rb *block.ReceivedBlock) []float32 {
	blockSize := sd.blockSize
	if blockSize <= 0 {
		blockSize = sk.blockSize
	}
	// sourceDesc doesn't track channel count separately from blockSize;
	// mono is assumed here, matching the reference pcm/opus test formats.
	out := make([]float32, blockSize)
	if rb.Dropped || sd.decoder == nil {
		return out
	}
	n, err := sd.decoder.Decode(rb.Data, out)
	if err != nil || n <= 0 {
		for i := range out {
			out[i] = 0
		}
	}
	return out
}

func (sk *Sink) lastState(sd *sourceDesc, state PlaybackState) {
	if sd.lastState != state {
		sd.lastState = state
		sk.events = append(sk.events, Event{Kind: EventSourceState, Level: LevelInfo, Source: sd.endpoint, State: state})
	}
}

// garbageCollect pops any outdated block at the front (spec.md §4.2 "GC").
func (sk *Sink) garbageCollect(sd *sourceDesc) {
	for len(sd.queue) > 0 {
		front := sd.queue[0]
		if sd.capacity <= 0 || sd.newest-front.Sequence < int32(sd.capacity) {
			break
		}
		sd.queue = sd.queue[1:]
		delete(sd.acks, front.Sequence)
		sd.lost++
	}
}

// detectMissing enqueues resend requests for incomplete blocks and gaps
// (spec.md §4.2 "Missing-block detection").
func (sk *Sink) detectMissing(sd *sourceDesc) {
	if len(sd.queue) < jitterGapTolerance {
		return
	}
	issued := 0
	for i, rb := range sd.queue {
		if issued >= resendMaxPerPass {
			break
		}
		if i == len(sd.queue)-1 {
			break // tolerate the very last block still filling in
		}
		if rb.Complete() {
			continue
		}
		for _, frame := range rb.MissingFrames() {
			if issued >= resendMaxPerPass {
				break
			}
			ack := sd.acks[rb.Sequence]
			if ack == nil {
				ack = &ackEntry{}
				sd.acks[rb.Sequence] = ack
			}
			if !sk.ackReady(ack) {
				continue
			}
			ack.count++
			ack.lastTry = sk.now
			sk.resendQueue = append(sk.resendQueue, ResendRequest{
				Source: sd.endpoint, Salt: sd.salt, Seq: rb.Sequence, Frame: frame,
			})
			issued++
		}
	}
	for seq := sd.next; seq < sd.newest && issued < resendMaxPerPass; seq++ {
		if sk.hasBlock(sd, seq) {
			continue
		}
		sk.resendQueue = append(sk.resendQueue, ResendRequest{Source: sd.endpoint, Salt: sd.salt, Seq: seq, Frame: -1})
		issued++
	}
	for seq := range sd.acks {
		if seq < sd.next {
			delete(sd.acks, seq)
		}
	}
}

const (
	resendIntervalSeconds = 0.1
	resendLimit           = 16
)

func (sk *Sink) ackReady(a *ackEntry) bool {
	if a.count >= resendLimit {
		return false
	}
	if a.count == 0 {
		return true // first request for this block goes out immediately
	}
	return sk.now-a.lastTry >= resendIntervalSeconds
}

func (sk *Sink) hasBlock(sd *sourceDesc, seq int32) bool {
	for _, rb := range sd.queue {
		if rb.Sequence == seq {
			return true
		}
	}
	return false
}

// Process feeds the DLL, then for every source pops its decoded-audio FIFO
// in lockstep with its info FIFO, resamples each block from the source's
// reported rate to the sink's own DLL-smoothed effective rate via
// dsp.DynamicResampler (spec.md §3.4/§4.2 "Resampling and mixing"), and
// mixes the result into the mix buffer at the matching block's channel
// offset (channels beyond numChannels are silently dropped). Accumulated
// state/loss events are emitted for PollEvents (spec.md §4.2).
func (sk *Sink) Process(audioOut [][]float32, tt aootime.TimeTag) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.now = aootime.Sub(tt, aootime.Zero)
	if sk.dll != nil {
		sk.dll.Update(tt)
	}
	if sk.timer != nil {
		if _, glitch, ok := sk.timer.Check(tt); ok && glitch {
			for _, sd := range sk.sources {
				sd.queue = nil
				sd.acks = make(map[int32]*ackEntry)
			}
			sk.dll.Reset()
		}
	}

	for c := range audioOut {
		for i := range audioOut[c] {
			audioOut[c][i] = 0
		}
	}

	sinkSR := sk.sampleRate
	if sk.dll != nil {
		sinkSR = sk.dll.SampleRate()
	}

	for _, sd := range sk.sources {
		for {
			samples, okA := sd.audioFIFO.Pop()
			info, okB := sd.infoFIFO.Pop()
			if !okA || !okB {
				break
			}

			if sd.resampler != nil && info.sampleRate > 0 && sinkSR > 0 && info.sampleRate != sinkSR {
				sd.resampler.SetRatio(sinkSR / info.sampleRate)
				samples = sd.resampler.Process([][]float32{samples}, len(samples))[0]
			}

			ch := int(info.channel)
			for i, s := range samples {
				target := ch
				if target < 0 || target >= len(audioOut) || i >= len(audioOut[target]) {
					continue // channels beyond numChannels are silently dropped
				}
				mixed := audioOut[target][i] + s
				if mixed > 1 {
					mixed = 1
				} else if mixed < -1 {
					mixed = -1
				}
				audioOut[target][i] = mixed
			}
		}
	}
}

// Send returns the resend requests and format requests accumulated since
// the last call (spec.md §4.2 "send()"). Ping replies and invitation
// messages are not produced here.
func (sk *Sink) Send() ([]ResendRequest, []netaddr.Endpoint) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	resends := sk.resendQueue
	reqs := sk.formatReqs
	sk.resendQueue = nil
	sk.formatReqs = nil
	return resends, reqs
}

// PollEvents drains the event queue on the caller's thread.
func (sk *Sink) PollEvents(handler func(Event)) {
	sk.mu.Lock()
	events := sk.events
	sk.events = nil
	sk.mu.Unlock()
	for _, ev := range events {
		handler(ev)
	}
}

// Stats returns the atomic-style counters for a source, for host diagnostics.
func (sk *Sink) Stats(ep netaddr.Endpoint) (lost, reordered, resent, gap int64, ok bool) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sd, found := sk.sources[sourceKey(ep)]
	if !found {
		return 0, 0, 0, 0, false
	}
	return sd.lost, sd.reordered, sd.resent, sd.gap, true
}

// RecommendedBufferMs derives a jitter buffer size (in milliseconds) for ep
// from its observed loss rate, via dsp.TargetJitterDepth. The jitter
// component of that formula is approximated from the reorder rate (an
// out-of-order arrival is the cheapest available proxy for inter-arrival
// jitter this engine already tracks); ok is false if ep has no source
// descriptor yet.
func (sk *Sink) RecommendedBufferMs(ep netaddr.Endpoint) (ms float64, ok bool) {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sd, found := sk.sources[sourceKey(ep)]
	if !found {
		return 0, false
	}
	total := sd.received + sd.lost
	if total == 0 {
		return float64(dsp.DefaultJitterDepth) * 20, true
	}
	lossRate := float64(sd.lost) / float64(total)
	jitterMs := float64(sd.reordered) / float64(total) * 100
	depth := dsp.TargetJitterDepth(jitterMs, lossRate)
	return float64(depth) * 20, true
}
