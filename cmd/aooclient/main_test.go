package main

import (
	"net"
	"testing"
	"time"

	"aoo/netaddr"
	"aoo/oscaddr"
	"aoo/sink"
)

func TestSendResendsGroupsBySourceAndSalt(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	ep := netaddr.Endpoint{
		Address: netaddr.NewIpAddress(listener.LocalAddr().(*net.UDPAddr).IP, uint16(listener.LocalAddr().(*net.UDPAddr).Port)),
		ID:      1,
	}
	resends := []sink.ResendRequest{
		{Source: ep, Salt: 7, Seq: 0, Frame: -1},
		{Source: ep, Salt: 7, Seq: 1, Frame: 2},
	}

	sendResends(conn, resends)

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}

	msg, err := oscaddr.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if pa.Role != oscaddr.RoleSource || pa.Verb != "resend" {
		t.Fatalf("unexpected address %q", msg.Address)
	}
	if len(msg.Args) != 6 {
		t.Fatalf("expected 6 args (local id, salt, 2x(seq,frame)), got %d: %+v", len(msg.Args), msg.Args)
	}
	if salt, _ := msg.Args[1].(int32); salt != 7 {
		t.Fatalf("expected salt 7, got %v", msg.Args[1])
	}
}

func TestConfigureLoggingDoesNotPanic(t *testing.T) {
	for _, level := range []int{0, 1, 2, 99} {
		configureLogging(level)
	}
}
