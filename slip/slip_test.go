package slip

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	payload := []byte{1, 2, 3, 0300, 4, 0333, 5}

	if err := w.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %v want %v", got, payload)
	}
}

func TestMultiplePacketsInStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	packets := [][]byte{
		[]byte("hello"),
		{0300, 0300, 0333},
		[]byte("world"),
	}
	for _, p := range packets {
		if err := w.WritePacket(p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range packets {
		got, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("packet %d mismatch: got %v want %v", i, got, want)
		}
	}
}

func TestReadPacketEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadPacket(); err == nil {
		t.Fatalf("expected error on empty stream")
	}
}
