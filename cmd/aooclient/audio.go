package main

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"aoo/aootime"
	"aoo/sink"
	"aoo/source"
)

// AudioEngine drives one blocking capture loop and one blocking playback
// loop against PortAudio streams, feeding raw float32 blocks straight into
// a Source/Sink pair. Encoding and decoding live inside those engines, not
// here: this file's only job is the device I/O and the block-rate
// scheduling, mirroring client/audio.go's Start/Stop/captureLoop/
// playbackLoop shape from the single-process voice client this module
// replaces.
type AudioEngine struct {
	src *source.Source
	snk *sink.Sink

	sampleRate float64
	blockSize  int
	channels   int

	inputDeviceID  int
	outputDeviceID int

	captureStream *portaudio.Stream
	playbackStream *portaudio.Stream

	testTone     bool
	toneHz       float64
	tonePhase    float64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAudioEngine builds an engine bound to src/snk at the given block
// format. testTone, when true, replaces the capture device with a live
// sine-wave generator run through the same Process/Send path as a
// microphone would be, reworking server/testbot.go's synthetic-traffic
// idea for a source that no longer accepts pre-encoded frames.
func NewAudioEngine(src *source.Source, snk *sink.Sink, sampleRate float64, blockSize, channels, inputDevice, outputDevice int, testTone bool) *AudioEngine {
	return &AudioEngine{
		src:            src,
		snk:            snk,
		sampleRate:     sampleRate,
		blockSize:      blockSize,
		channels:       channels,
		inputDeviceID:  inputDevice,
		outputDeviceID: outputDevice,
		testTone:       testTone,
		toneHz:         440,
	}
}

// Start opens the PortAudio streams (or just the playback stream, if
// testTone is set) and launches the capture/playback goroutines.
func (ae *AudioEngine) Start() error {
	if !ae.running.CompareAndSwap(false, true) {
		return nil
	}
	ae.stopCh = make(chan struct{})

	devices, err := portaudio.Devices()
	if err != nil {
		ae.running.Store(false)
		return fmt.Errorf("audio: list devices: %w", err)
	}

	outputDev, err := resolveDevice(devices, ae.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		ae.running.Store(false)
		return fmt.Errorf("audio: resolve output device: %w", err)
	}
	playbackBuf := make([]float32, ae.blockSize*ae.channels)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: ae.channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      ae.sampleRate,
		FramesPerBuffer: ae.blockSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		ae.running.Store(false)
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		playbackStream.Close()
		ae.running.Store(false)
		return fmt.Errorf("audio: start playback stream: %w", err)
	}
	ae.playbackStream = playbackStream

	ae.wg.Add(1)
	go func() { defer ae.wg.Done(); ae.playbackLoop(playbackBuf) }()

	if ae.testTone {
		ae.wg.Add(1)
		go func() { defer ae.wg.Done(); ae.toneLoop() }()
		return nil
	}

	inputDev, err := resolveDevice(devices, ae.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		ae.Stop()
		return fmt.Errorf("audio: resolve input device: %w", err)
	}
	captureBuf := make([]float32, ae.blockSize*ae.channels)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: ae.channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      ae.sampleRate,
		FramesPerBuffer: ae.blockSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		ae.Stop()
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		ae.Stop()
		return fmt.Errorf("audio: start capture stream: %w", err)
	}
	ae.captureStream = captureStream

	ae.wg.Add(1)
	go func() { defer ae.wg.Done(); ae.captureLoop(captureBuf) }()
	return nil
}

// Stop halts the streams and waits for the goroutines to exit before
// closing the native stream objects, in that order, for the same reason
// client/audio.go's Stop does: Pa_CloseStream while a goroutine still holds
// a blocking Read/Write in flight is a use-after-free.
func (ae *AudioEngine) Stop() {
	if !ae.running.CompareAndSwap(true, false) {
		return
	}
	close(ae.stopCh)

	if ae.captureStream != nil {
		ae.captureStream.Stop()
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Stop()
	}

	ae.wg.Wait()

	if ae.captureStream != nil {
		ae.captureStream.Close()
		ae.captureStream = nil
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Close()
		ae.playbackStream = nil
	}
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

func (ae *AudioEngine) captureLoop(buf []float32) {
	planar := make([][]float32, ae.channels)
	for c := range planar {
		planar[c] = make([]float32, ae.blockSize)
	}
	for ae.running.Load() {
		if err := ae.captureStream.Read(); err != nil {
			if ae.running.Load() {
				charmlog.Errorf("audio: capture read: %v", err)
			}
			return
		}
		deinterleave(buf, planar)
		if _, err := ae.src.Process(planar, aootime.Now()); err != nil {
			charmlog.Errorf("audio: source process: %v", err)
		}
	}
}

// toneLoop stands in for captureLoop when -test-tone is set: it feeds a
// live 440Hz sine wave through the real Process path at the block's
// natural rate via a ticker, since there is no PortAudio read to pace it.
func (ae *AudioEngine) toneLoop() {
	blockDur := time.Duration(float64(ae.blockSize) / ae.sampleRate * float64(time.Second))
	ticker := time.NewTicker(blockDur)
	defer ticker.Stop()

	planar := make([][]float32, ae.channels)
	for c := range planar {
		planar[c] = make([]float32, ae.blockSize)
	}

	for {
		select {
		case <-ae.stopCh:
			return
		case <-ticker.C:
			for i := 0; i < ae.blockSize; i++ {
				sample := float32(0.2 * math.Sin(ae.tonePhase))
				ae.tonePhase += 2 * math.Pi * ae.toneHz / ae.sampleRate
				if ae.tonePhase > 2*math.Pi {
					ae.tonePhase -= 2 * math.Pi
				}
				for c := range planar {
					planar[c][i] = sample
				}
			}
			if _, err := ae.src.Process(planar, aootime.Now()); err != nil {
				charmlog.Errorf("audio: source process (tone): %v", err)
			}
		}
	}
}

func (ae *AudioEngine) playbackLoop(buf []float32) {
	planar := make([][]float32, ae.channels)
	for c := range planar {
		planar[c] = make([]float32, ae.blockSize)
	}
	for ae.running.Load() {
		ae.snk.Process(planar, aootime.Now())
		interleaveInto(planar, buf)
		if err := ae.playbackStream.Write(); err != nil {
			if ae.running.Load() {
				charmlog.Errorf("audio: playback write: %v", err)
			}
			return
		}
	}
}

func deinterleave(in []float32, out [][]float32) {
	channels := len(out)
	if channels == 0 {
		return
	}
	n := len(out[0])
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			out[c][i] = in[i*channels+c]
		}
	}
}

func interleaveInto(in [][]float32, out []float32) {
	channels := len(in)
	if channels == 0 {
		return
	}
	n := len(in[0])
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = in[c][i]
		}
	}
}
