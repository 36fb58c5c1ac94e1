package main

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestResolveDeviceInRange(t *testing.T) {
	devices := []*portaudio.DeviceInfo{
		{Name: "zero"},
		{Name: "one"},
	}
	fallbackCalled := false
	fallback := func() (*portaudio.DeviceInfo, error) {
		fallbackCalled = true
		return nil, errors.New("should not be called")
	}
	dev, err := resolveDevice(devices, 1, fallback)
	if err != nil {
		t.Fatalf("resolveDevice: %v", err)
	}
	if dev.Name != "one" {
		t.Fatalf("expected device %q, got %q", "one", dev.Name)
	}
	if fallbackCalled {
		t.Fatalf("fallback should not be called for an in-range index")
	}
}

func TestResolveDeviceOutOfRangeUsesFallback(t *testing.T) {
	devices := []*portaudio.DeviceInfo{{Name: "zero"}}
	want := &portaudio.DeviceInfo{Name: "default"}
	dev, err := resolveDevice(devices, -1, func() (*portaudio.DeviceInfo, error) { return want, nil })
	if err != nil {
		t.Fatalf("resolveDevice: %v", err)
	}
	if dev != want {
		t.Fatalf("expected fallback device, got %+v", dev)
	}
}

func TestDeinterleaveAndInterleaveRoundTrip(t *testing.T) {
	interleaved := []float32{1, 10, 2, 20, 3, 30}
	planar := [][]float32{make([]float32, 3), make([]float32, 3)}
	deinterleave(interleaved, planar)
	if planar[0][0] != 1 || planar[1][0] != 10 || planar[0][2] != 3 || planar[1][2] != 30 {
		t.Fatalf("unexpected deinterleave result: %+v", planar)
	}

	out := make([]float32, 6)
	interleaveInto(planar, out)
	for i, v := range interleaved {
		if out[i] != v {
			t.Fatalf("round trip mismatch at %d: got %v want %v", i, out[i], v)
		}
	}
}
