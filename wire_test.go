package ufavonet

import (
	"testing"

	"ufavonet-go/packet"
)

func TestHeaderRoundTrip(t *testing.T) {
	p := packet.New()
	if err := WriteHeader(p, 0xBEEF, uint8(ClientNoticeConnecting)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := p.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	tick, control, err := ReadHeader(p)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if tick != 0xBEEF {
		t.Errorf("tick: got %#x want %#x", tick, 0xBEEF)
	}
	if control != uint8(ClientNoticeConnecting) {
		t.Errorf("control: got %d want %d", control, ClientNoticeConnecting)
	}
}

func TestKickReasonRoundTrip(t *testing.T) {
	for _, reason := range []KickReason{KickNone, KickDisconnect, KickServerClosing, KickConnectionTimeout, KickConnectionRefused} {
		p := packet.New()
		if err := WriteHeader(p, 1, uint8(ServerNoticeKick)); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if err := WriteKickReason(p, reason); err != nil {
			t.Fatalf("WriteKickReason(%v): %v", reason, err)
		}
		if err := p.Rewind(); err != nil {
			t.Fatalf("Rewind: %v", err)
		}
		if _, _, err := ReadHeader(p); err != nil {
			t.Fatalf("ReadHeader: %v", err)
		}
		got, err := ReadKickReason(p)
		if err != nil {
			t.Fatalf("ReadKickReason: %v", err)
		}
		if got != reason {
			t.Errorf("kick reason round trip: got %v want %v", got, reason)
		}
	}
}
