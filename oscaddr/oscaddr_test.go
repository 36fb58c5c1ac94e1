package oscaddr

import (
	"bytes"
	"testing"
)

func TestBuildAndParseAddressRoundTrip(t *testing.T) {
	addr := BuildAddress(RoleSink, 3, "data")
	if addr != "/aoo/sink/3/data" {
		t.Fatalf("BuildAddress = %q", addr)
	}
	pa, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if pa.Role != RoleSink || pa.ID != 3 || pa.Verb != "data" || !pa.HasID {
		t.Fatalf("ParseAddress got %+v", pa)
	}
}

func TestBuildAddressWildcard(t *testing.T) {
	addr := BuildAddress(RoleSource, WildcardValue, "request")
	if addr != "/aoo/source/*/request" {
		t.Fatalf("BuildAddress wildcard = %q", addr)
	}
	pa, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if pa.ID != WildcardValue {
		t.Fatalf("expected wildcard id, got %d", pa.ID)
	}
}

func TestParseAddressNoID(t *testing.T) {
	pa, err := ParseAddress("/aoo/server/login")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if pa.Role != RoleServer || pa.HasID || pa.Verb != "login" {
		t.Fatalf("got %+v", pa)
	}
}

func TestMarshalUnmarshalAllArgTypes(t *testing.T) {
	in := Message{
		Address: "/aoo/sink/1/data",
		Args: []any{
			int32(42), int64(99999999999), float32(1.5), float64(2.25),
			"hello", []byte{1, 2, 3, 4, 5},
		},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data)%4 != 0 {
		t.Fatalf("OSC message must be 4-byte aligned, got length %d", len(data))
	}

	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Address != in.Address {
		t.Fatalf("address mismatch: got %q want %q", out.Address, in.Address)
	}
	if len(out.Args) != len(in.Args) {
		t.Fatalf("arg count mismatch: got %d want %d", len(out.Args), len(in.Args))
	}
	if out.Args[0].(int32) != 42 {
		t.Fatalf("int32 arg mismatch")
	}
	if out.Args[1].(int64) != 99999999999 {
		t.Fatalf("int64 arg mismatch")
	}
	if out.Args[2].(float32) != 1.5 {
		t.Fatalf("float32 arg mismatch")
	}
	if out.Args[3].(float64) != 2.25 {
		t.Fatalf("float64 arg mismatch")
	}
	if out.Args[4].(string) != "hello" {
		t.Fatalf("string arg mismatch")
	}
	if !bytes.Equal(out.Args[5].([]byte), []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("blob arg mismatch")
	}
}

func TestMarshalEmptyBlobAndStringPadding(t *testing.T) {
	in := Message{Address: "/aoo/sink/*/data", Args: []any{[]byte{}, "ab"}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Args[0].([]byte)) != 0 {
		t.Fatalf("expected empty blob round-trip")
	}
	if out.Args[1].(string) != "ab" {
		t.Fatalf("expected string round-trip, got %q", out.Args[1])
	}
}

func TestUnmarshalRejectsMissingComma(t *testing.T) {
	var buf bytes.Buffer
	writePaddedString(&buf, "/aoo/sink/1/data")
	writePaddedString(&buf, "bad") // no leading comma
	if _, err := Unmarshal(buf.Bytes()); err == nil {
		t.Fatalf("expected error for missing typetag comma")
	}
}
