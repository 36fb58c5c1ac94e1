package source

import (
	"testing"

	"aoo/aootime"
	"aoo/codec"
	_ "aoo/codec/pcm"
	"aoo/netaddr"
	"aoo/oscaddr"
)

func testFormat() codec.Format {
	return codec.Format{Codec: "pcm", SampleRate: 48000, BlockSize: 4, Channels: 1}
}

func mustSource(t *testing.T) *Source {
	t.Helper()
	s := New(1)
	s.Setup(48000, 4, 1)
	if err := s.SetFormat(testFormat()); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	return s
}

func TestAddSinkMarksFormatChanged(t *testing.T) {
	s := mustSource(t)
	ep := netaddr.Endpoint{ID: 9}
	s.AddSink(ep, 0)

	packets := s.Send(1500)
	found := false
	for _, p := range packets {
		pa, err := oscaddr.ParseAddress(p.Message.Address)
		if err != nil {
			t.Fatalf("ParseAddress: %v", err)
		}
		if pa.Verb == "format" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a format message after adding a sink")
	}
}

func TestProcessEncodesAndSendEmitsData(t *testing.T) {
	s := mustSource(t)
	ep := netaddr.Endpoint{ID: 9}
	s.AddSink(ep, 0)
	s.Send(1500) // drain the format message first

	in := [][]float32{{0.1, 0.2, 0.3, 0.4}}
	ok, err := s.Process(in, aootime.FromSeconds(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !ok {
		t.Fatalf("expected Process to report new data available")
	}

	packets := s.Send(1500)
	var dataMsgs int
	for _, p := range packets {
		pa, _ := oscaddr.ParseAddress(p.Message.Address)
		if pa.Verb == "data" {
			dataMsgs++
		}
	}
	if dataMsgs == 0 {
		t.Fatalf("expected at least one data message after Process")
	}
}

func TestRemoveSinkWildcardRemovesAllAtAddress(t *testing.T) {
	s := mustSource(t)
	addr := netaddr.IpAddress{}
	s.AddSink(netaddr.Endpoint{Address: addr, ID: 1}, 0)
	s.AddSink(netaddr.Endpoint{Address: addr, ID: 2}, 0)
	s.RemoveSink(netaddr.Endpoint{Address: addr, ID: netaddr.Wildcard})
	if len(s.sinks) != 0 {
		t.Fatalf("expected wildcard removal to clear all sinks at address, got %d left", len(s.sinks))
	}
}

func TestHandleRequestAddsSink(t *testing.T) {
	s := mustSource(t)
	ep := netaddr.Endpoint{ID: 5}
	msg := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RoleSource, 1, "request"), Args: []any{int32(5)}}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := s.HandleMessage(raw, ep); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(s.sinks) != 1 {
		t.Fatalf("expected request to add a sink, got %d", len(s.sinks))
	}
}

func TestSequenceWrapBumpsSalt(t *testing.T) {
	s := mustSource(t)
	before := s.salt
	s.sequence = 1<<31 - 1
	if _, err := s.Process([][]float32{{0, 0, 0, 0}}, aootime.FromSeconds(0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s.salt == before {
		t.Fatalf("expected salt to change on sequence wrap")
	}
	if s.sequence != 0 {
		t.Fatalf("expected sequence to reset to 0 after wrap, got %d", s.sequence)
	}
}

func TestCapturePipelineSuppressesSustainedSilence(t *testing.T) {
	s := mustSource(t)
	s.EnableCapturePipeline()
	silence := [][]float32{{0, 0, 0, 0}}
	var lastSent bool
	for i := 0; i < 64; i++ {
		sent, err := s.Process(silence, aootime.FromSeconds(float64(i)*0.02))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		lastSent = sent
	}
	if lastSent {
		t.Fatalf("expected sustained silence to stop transmitting once the pipeline is enabled")
	}
}

func TestDisableCapturePipelineRestoresUnconditionalSend(t *testing.T) {
	s := mustSource(t)
	s.EnableCapturePipeline()
	s.DisableCapturePipeline()
	sent, err := s.Process([][]float32{{0, 0, 0, 0}}, aootime.FromSeconds(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !sent {
		t.Fatalf("expected silence to still be sent once the pipeline is disabled")
	}
}

func TestRecommendedBitrateClimbsOnGoodLink(t *testing.T) {
	s := mustSource(t)
	s.RecordPingRTT(20)
	got := s.RecommendedBitrateKbps()
	if got <= 32 {
		t.Fatalf("expected bitrate recommendation to climb above the default on a good link, got %d", got)
	}
}

func TestSendDrainsEveryBlockProducedSinceLastSend(t *testing.T) {
	s := mustSource(t)
	ep := netaddr.Endpoint{ID: 9}
	s.AddSink(ep, 0)
	s.Send(1500) // drain the format message first

	const n = 5
	for i := 0; i < n; i++ {
		ok, err := s.Process([][]float32{{0.1, 0.2, 0.3, 0.4}}, aootime.FromSeconds(float64(i)*0.02))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if !ok {
			t.Fatalf("expected Process %d to report new data available", i)
		}
	}

	packets := s.Send(1500)
	seqs := make(map[int32]bool)
	for _, p := range packets {
		pa, _ := oscaddr.ParseAddress(p.Message.Address)
		if pa.Verb != "data" {
			continue
		}
		seq, _ := p.Message.Args[2].(int32)
		seqs[seq] = true
	}
	if len(seqs) != n {
		t.Fatalf("expected %d distinct sequence numbers resent after %d Process calls with no intervening Send, got %d (%v)", n, n, len(seqs), seqs)
	}
}

func TestRecommendedBitrateDropsOnHeavyResends(t *testing.T) {
	s := mustSource(t)
	for i := 0; i < 20; i++ {
		if _, err := s.Process([][]float32{{0.5, -0.5, 0.5, -0.5}}, aootime.FromSeconds(float64(i)*0.02)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleSource, 1, "resend"),
		Args:    []any{int32(1), s.salt, int32(0), int32(-1), int32(1), int32(-1), int32(2), int32(-1)},
	}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.HandleMessage(raw, netaddr.Endpoint{ID: 1}); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
	s.RecordPingRTT(20)
	got := s.RecommendedBitrateKbps()
	if got >= 32 {
		t.Fatalf("expected bitrate recommendation to hold or drop under heavy resends, got %d", got)
	}
}
