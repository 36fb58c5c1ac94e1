// Package source implements the aoo source engine (spec.md §4.1): format
// negotiation, frame-based encoding and fragmentation, a retransmission
// history ring, and ping/feedback accounting. It is driven from two
// threads — the audio callback via Process, and the network thread via
// HandleMessage/Send/PollEvents — exactly like client/audio.go's
// AudioEngine and client/transport.go's Transport were driven from separate
// goroutines, generalized here into one engine instead of two cooperating
// objects since the source's encode and fan-out are inseparable per
// spec.md §4.1.
package source

import (
	"fmt"
	"sync"
	"sync/atomic"

	"aoo/aootime"
	"aoo/block"
	"aoo/codec"
	"aoo/internal/dsp"
	"aoo/netaddr"
	"aoo/oscaddr"
	"aoo/queue"
	"aoo/timing"
)

// sinkEntry is one roster entry (spec.md §3.3 "Sink list").
type sinkEntry struct {
	endpoint       netaddr.Endpoint
	channelOffset  int32
	formatChanged  atomic.Bool
}

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
	Kind  EventKind
	Level EventLevel
	Sink  netaddr.Endpoint
}

type EventKind int

const (
	EventPing EventKind = iota
	EventInvite
	EventUninvite
)

// OutgoingPacket is one OSC message ready to be written to a UDP socket by
// the caller. Source never owns a socket directly (spec.md §6.1's transport
// is an external collaborator), matching client/transport.go's separation
// between framing and the actual net.Conn.
type OutgoingPacket struct {
	To      netaddr.Endpoint
	Message oscaddr.Message
}

// Source is the encode/fan-out engine for one local audio stream.
type Source struct {
	id netaddr.EndpointId

	mu          sync.Mutex
	format      codec.Format
	encoder     codec.Encoder
	salt        int32
	sequence    int32
	sinks       []*sinkEntry
	sampleRate  float64
	blockSize   int
	numChannels int

	dll       *timing.DLL
	timer     *timing.Timer
	resampler *dsp.DynamicResampler

	history      map[int32]block.Block
	historyCap   int
	lastSeenSalt int32

	// blockFIFO is the lock-free handoff between Process (producer, RT
	// thread) and Send (consumer, network thread): Process pushes one
	// encoded block per call; Send drains every block pushed since its last
	// call, fragments each, and files it into history (spec.md §3.3/§3.4/§5
	// "audio ... FIFOs between RT and network"). Process itself never
	// touches the history map or walks the sink slice — that bookkeeping
	// lives entirely on the Send side now.
	blockFIFO *queue.SPSC[block.Block]

	pendingOut *queue.MPSC[OutgoingPacket]
	events     *queue.MPSC[Event]

	resendQueue *queue.MPSC[resendRequest]

	// pipeline is nil unless EnableCapturePipeline has been called: a source
	// transmits unconditionally by default, matching spec.md §4.1's encode
	// path, and only gains gate/AGC/VAD enrichment when the host opts in.
	pipeline *dsp.CapturePipeline

	// qmu guards quality/blocksSent/blocksResent independently of mu: they
	// are touched from HandleMessage's resend accounting (network thread,
	// no mu held) as well as from Process (audio thread, mu held), and a
	// single mutex ordering between the two would entangle the RT audio
	// path with network-thread bookkeeping for no benefit.
	qmu          sync.Mutex
	quality      *dsp.QualityAdapter
	blocksSent   int64
	blocksResent int64
}

type resendRequest struct {
	sink netaddr.Endpoint
	salt int32
	seq  int32
	frame int32 // < 0 means whole block
}

// New constructs a source bound to id. Real buffer sizing happens in Setup.
func New(id netaddr.EndpointId) *Source {
	return &Source{
		id:          id,
		pendingOut:  queue.NewMPSC[OutgoingPacket](),
		events:      queue.NewMPSC[Event](),
		resendQueue: queue.NewMPSC[resendRequest](),
		history:     make(map[int32]block.Block),
		blockFIFO:   queue.NewSPSC[block.Block](64),
		quality:     dsp.NewQualityAdapter(),
	}
}

// EnableCapturePipeline turns on noise gating, AGC, and voice-activity
// gating ahead of encoding, using default tunings. Call DisableCapturePipeline
// to return to unconditional transmission.
func (s *Source) EnableCapturePipeline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = dsp.NewCapturePipeline()
}

// DisableCapturePipeline reverts to transmitting every block unconditionally.
func (s *Source) DisableCapturePipeline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = nil
}

// RecordPingRTT feeds a round-trip-time measurement (in milliseconds) into
// the bitrate/jitter-depth quality adapter, for a ping/reply pair the host
// has already timed against an EventPing.
func (s *Source) RecordPingRTT(rttMs float64) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	lossRate := 0.0
	if s.blocksSent > 0 {
		lossRate = float64(s.blocksResent) / float64(s.blocksSent)
	}
	s.quality.RecordInterval(lossRate, rttMs)
}

// RecommendedBitrateKbps returns the current Opus bitrate recommendation
// from the quality adapter (spec.md has no bitrate-renegotiation message;
// the host decides whether and how to apply it, e.g. by renegotiating
// Format.Options on the next SetFormat).
func (s *Source) RecommendedBitrateKbps() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.quality.RecommendedBitrate()
}

// SetBitrateBps retunes the active encoder's target bitrate in place, for
// hosts applying RecommendedBitrateKbps (or an initial configured value)
// without forcing a salt-bumping SetFormat. A no-op if the encoder doesn't
// implement codec.BitrateSetter.
func (s *Source) SetBitrateBps(bps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.encoder.(codec.BitrateSetter)
	if !ok {
		return nil
	}
	return bs.SetBitrate(bps)
}

// Setup (re)allocates internal buffers for the given audio-callback shape.
// Legal to call between audio ticks (spec.md §4.1).
func (s *Source) Setup(sampleRate float64, blockSize int, numChannels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = sampleRate
	s.blockSize = blockSize
	s.numChannels = numChannels
	s.dll = timing.NewDLL(sampleRate, blockSize, 0.5)
	s.timer = timing.NewTimer(float64(blockSize)/sampleRate, 0.25)
}

// SetFormat creates or updates the encoder, bumps Salt, and marks every
// sink's format_changed so the next Send() resends the format message.
func (s *Source) SetFormat(f codec.Format) error {
	factory, err := codec.Lookup(f.Codec)
	if err != nil {
		return err
	}
	enc, err := factory.NewEncoder()
	if err != nil {
		return fmt.Errorf("source: new encoder: %w", err)
	}
	if err := enc.Setup(f); err != nil {
		return fmt.Errorf("source: setup encoder: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder != nil {
		s.encoder.Free()
	}
	s.encoder = enc
	s.format = f
	s.salt = newSalt(s.salt)
	s.historyCap = resendHistoryCapacity(f.SampleRate, f.BlockSize)
	s.history = make(map[int32]block.Block)
	s.lastSeenSalt = s.salt
	fifoCap := s.historyCap
	if fifoCap < 64 {
		fifoCap = 64
	}
	s.blockFIFO = queue.NewSPSC[block.Block](fifoCap)
	if s.resampler == nil || s.resampler.Channels() != f.Channels {
		s.resampler = dsp.NewDynamicResampler(f.Channels)
	} else {
		s.resampler.Reset()
	}
	for _, sink := range s.sinks {
		sink.formatChanged.Store(true)
	}
	return nil
}

// resendHistoryCapacity derives the history ring size from
// resend_buffer_ms x source_sr / encoder_blocksize (spec.md §3.3). A zero
// result disables retransmission, matching "an empty history disables
// retransmission".
func resendHistoryCapacity(sampleRate float64, blockSize int) int {
	const resendBufferMs = 1000.0
	if blockSize <= 0 || sampleRate <= 0 {
		return 0
	}
	n := int(resendBufferMs * sampleRate / 1000.0 / float64(blockSize))
	if n < 1 {
		n = 1
	}
	return n
}

// AddSink adds or updates a roster entry. Re-adding an existing endpoint
// just updates its channel offset.
func (s *Source) AddSink(ep netaddr.Endpoint, channelOffset int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sinks {
		if e.endpoint.Equal(ep) {
			e.channelOffset = channelOffset
			e.formatChanged.Store(true)
			return
		}
	}
	entry := &sinkEntry{endpoint: ep, channelOffset: channelOffset}
	entry.formatChanged.Store(true)
	s.sinks = append(s.sinks, entry)
}

// RemoveSink removes one sink. A wildcard id removes every sink at ep's
// IpAddress (spec.md §4.1).
func (s *Source) RemoveSink(ep netaddr.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sinks[:0]
	for _, e := range s.sinks {
		if ep.ID == netaddr.Wildcard {
			if e.endpoint.Address.Equal(ep.Address) {
				continue
			}
		} else if e.endpoint.Equal(ep) {
			continue
		}
		out = append(out, e)
	}
	s.sinks = out
}

// RemoveAll clears the sink roster.
func (s *Source) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = nil
}

// HandleMessage parses and dispatches one incoming OSC message addressed to
// this source (spec.md §4.1 "handle_message").
func (s *Source) HandleMessage(raw []byte, from netaddr.Endpoint) error {
	msg, err := oscaddr.Unmarshal(raw)
	if err != nil {
		return nil // unknown/malformed: logged by caller, ignored here
	}
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil || pa.Role != oscaddr.RoleSource {
		return nil
	}
	switch pa.Verb {
	case "request":
		s.handleRequest(from)
	case "resend":
		s.handleResend(msg, from)
	case "ping":
		s.events.Push(Event{Kind: EventPing, Level: LevelInfo, Sink: from})
	case "invite":
		s.events.Push(Event{Kind: EventInvite, Level: LevelInfo, Sink: from})
	case "uninvite":
		s.events.Push(Event{Kind: EventUninvite, Level: LevelInfo, Sink: from})
	}
	return nil
}

func (s *Source) handleRequest(from netaddr.Endpoint) {
	s.AddSink(from, 0)
}

func (s *Source) handleResend(msg oscaddr.Message, from netaddr.Endpoint) {
	if len(msg.Args) < 2 {
		return
	}
	salt, ok := msg.Args[1].(int32)
	if !ok {
		return
	}
	for i := 2; i+1 < len(msg.Args); i += 2 {
		seq, ok1 := msg.Args[i].(int32)
		frame, ok2 := msg.Args[i+1].(int32)
		if !ok1 || !ok2 {
			continue
		}
		s.resendQueue.Push(resendRequest{sink: from, salt: salt, seq: seq, frame: frame})
		s.qmu.Lock()
		s.blocksResent++
		s.qmu.Unlock()
	}
}

// Process is called once per host audio block, on the audio-callback thread.
// Per spec.md §5's RT-audio rule it never locks for long, allocates, or
// touches the history map or sink roster directly: captured audio is run
// through the DynamicResampler (spec.md §3.4 "Resampling and mixing" — this
// corrects for the gap between the audio clock's DLL-measured effective rate
// and the encoder's configured rate), interleaved, gated, encoded, and the
// resulting block is handed to the caller's net thread by pushing it onto
// blockFIFO — the SPSC ring described in spec.md §5 as the boundary between
// RT-audio and network. All of the bookkeeping that used to run inline here
// (filing into history, fragmenting, marking sinks for a format resend) now
// happens in Send, which owns draining the ring.
func (s *Source) Process(audioIn [][]float32, tt aootime.TimeTag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dll != nil {
		s.dll.Update(tt)
	}
	if s.timer != nil {
		if _, glitch, ok := s.timer.Check(tt); ok && glitch {
			s.dll.Reset()
		}
	}
	if s.encoder == nil {
		return false, nil
	}

	effectiveSR := s.sampleRate
	if s.dll != nil {
		effectiveSR = s.dll.SampleRate()
	}

	in := audioIn
	if s.resampler != nil && s.format.SampleRate > 0 && effectiveSR > 0 && effectiveSR != s.format.SampleRate {
		s.resampler.SetRatio(s.format.SampleRate / effectiveSR)
		in = s.resampler.Process(audioIn, s.format.BlockSize)
	}

	interleaved := interleave(in)
	if s.pipeline != nil && !s.pipeline.Process(interleaved) {
		return false, nil
	}
	payload, err := s.encoder.Encode(interleaved)
	if err != nil {
		// Encode error: block not emitted, sequence not incremented
		// (spec.md §4.1 failure semantics) so the sink sees a gap, not a
		// salt change.
		return false, nil
	}

	b := block.Block{
		Source:     int32(s.id),
		Salt:       s.salt,
		Sequence:   s.sequence,
		SampleRate: effectiveSR,
		Channel:    0,
		Payload:    payload,
	}
	if !s.blockFIFO.Push(b) {
		// Send() has fallen behind Process() by a full ring: drop the
		// oldest outstanding block rather than stalling the audio callback.
		s.blockFIFO.Pop()
		s.blockFIFO.Push(b)
	}

	if s.sequence == 1<<31-1 {
		s.salt = newSalt(s.salt)
		s.sequence = 0
	} else {
		s.sequence++
	}
	s.qmu.Lock()
	s.blocksSent++
	s.qmu.Unlock()
	return true, nil
}

func (s *Source) trimHistory() {
	if s.historyCap <= 0 {
		s.history = make(map[int32]block.Block)
		return
	}
	for len(s.history) > s.historyCap {
		oldest := s.sequence
		for seq := range s.history {
			if seq < oldest {
				oldest = seq
			}
		}
		delete(s.history, oldest)
	}
}

// Send drains every block Process has produced since the last call (via
// blockFIFO), files each into history, fragments it, and fans it out to
// every sink — so a Send cadence slower than Process's never drops blocks
// from the live stream (spec.md §8's clean-loopback scenario requires
// lost == reordered == resent == 0 with no real packet loss). It also emits
// a format message for any sink with a pending format change, including one
// newly raised by noticing a salt change among the blocks just drained.
// Called from the network thread as often as desired (spec.md §4.1).
func (s *Source) Send(packetSize int) []OutgoingPacket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutgoingPacket
	maxPayload := block.MaxPayload(packetSize)

	var fresh []block.Block
	for {
		b, ok := s.blockFIFO.Pop()
		if !ok {
			break
		}
		if b.Salt != s.lastSeenSalt {
			s.lastSeenSalt = b.Salt
			for _, sink := range s.sinks {
				sink.formatChanged.Store(true)
			}
		}
		s.history[b.Sequence] = b
		fresh = append(fresh, b)
	}
	s.trimHistory()

	for _, sink := range s.sinks {
		if sink.formatChanged.Load() {
			msg, ok := s.buildFormatMessage()
			if ok {
				out = append(out, OutgoingPacket{To: sink.endpoint, Message: msg})
				sink.formatChanged.Store(false)
			}
		}
	}

	for _, b := range fresh {
		frames := block.Fragment(b, maxPayload)
		for _, sink := range s.sinks {
			for _, f := range frames {
				out = append(out, OutgoingPacket{
					To:      sink.endpoint,
					Message: dataMessage(sink.endpoint.ID, f, sink.channelOffset),
				})
			}
		}
	}

	s.drainResends(&out, maxPayload)
	return out
}

func (s *Source) drainResends(out *[]OutgoingPacket, maxPayload int) {
	for {
		req, ok := s.resendQueue.Pop()
		if !ok {
			break
		}
		if req.salt != s.salt {
			continue
		}
		b, ok := s.history[req.seq]
		if !ok {
			continue // missing blocks silently ignored
		}
		frames := block.Fragment(b, maxPayload)
		if req.frame < 0 {
			for _, f := range frames {
				*out = append(*out, OutgoingPacket{To: req.sink, Message: dataMessage(req.sink.ID, f, 0)})
			}
		} else if int(req.frame) < len(frames) {
			*out = append(*out, OutgoingPacket{To: req.sink, Message: dataMessage(req.sink.ID, frames[req.frame], 0)})
		}
	}
}

func (s *Source) buildFormatMessage() (oscaddr.Message, bool) {
	if s.encoder == nil {
		return oscaddr.Message{}, false
	}
	opts, err := s.encoder.WriteFormat()
	if err != nil {
		return oscaddr.Message{}, false
	}
	addr := oscaddr.BuildAddress(oscaddr.RoleSink, oscaddr.WildcardValue, "format")
	return oscaddr.Message{
		Address: addr,
		Args: []any{
			int32(s.id), s.salt, int32(s.format.Channels), s.format.SampleRate,
			int32(s.format.BlockSize), s.format.Codec, opts,
		},
	}, true
}

func dataMessage(sinkID netaddr.EndpointId, f block.Frame, channelOffset int32) oscaddr.Message {
	addr := oscaddr.BuildAddress(oscaddr.RoleSink, int32(sinkID), "data")
	return oscaddr.Message{
		Address: addr,
		Args: []any{
			f.Source, f.Salt, f.Sequence, f.SampleRate, f.Channel + channelOffset,
			f.TotalSize, f.NumFrames, f.FrameNum, f.Payload,
		},
	}
}

// PollEvents drains the event queue on the caller's thread.
func (s *Source) PollEvents(handler func(Event)) {
	for {
		ev, ok := s.events.Pop()
		if !ok {
			return
		}
		handler(ev)
	}
}

// newSalt picks a fresh stream nonce distinct from prev (spec.md §3.1). A
// monotonic counter is sufficient: the sink only needs salt to change, not
// to be unpredictable.
func newSalt(prev int32) int32 {
	return prev + 1
}

func interleave(channels [][]float32) []float32 {
	if len(channels) == 0 {
		return nil
	}
	n := len(channels[0])
	out := make([]float32, n*len(channels))
	for i := 0; i < n; i++ {
		for c, ch := range channels {
			if i < len(ch) {
				out[i*len(channels)+c] = ch[i]
			}
		}
	}
	return out
}
