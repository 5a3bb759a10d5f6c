package wire

import (
	"bytes"
	"testing"
)

func TestHandshakeVerifyRoundTrip(t *testing.T) {
	passkey := bytes.Repeat([]byte{0x42}, 32)
	h, err := NewHandshake(passkey, "session-1", 7)
	if err != nil {
		t.Fatalf("NewHandshake: %s", err)
	}
	if err := h.Verify(passkey); err != nil {
		t.Fatalf("Verify should accept its own handshake: %s", err)
	}
}

func TestHandshakeVerifyRejectsWrongPasskey(t *testing.T) {
	passkey := bytes.Repeat([]byte{0x42}, 32)
	other := bytes.Repeat([]byte{0x24}, 32)
	h, err := NewHandshake(passkey, "session-1", 7)
	if err != nil {
		t.Fatalf("NewHandshake: %s", err)
	}
	if err := h.Verify(other); err == nil {
		t.Fatal("Verify should reject a handshake signed with a different passkey")
	}
}

func TestHandshakeVerifyRejectsTamperedSequence(t *testing.T) {
	passkey := bytes.Repeat([]byte{0x42}, 32)
	h, err := NewHandshake(passkey, "session-1", 7)
	if err != nil {
		t.Fatalf("NewHandshake: %s", err)
	}
	h.RecvSequence = 8
	if err := h.Verify(passkey); err == nil {
		t.Fatal("Verify should reject a handshake whose sequence watermark was tampered with")
	}
}

func TestHandshakeMarshalRoundTrip(t *testing.T) {
	passkey := bytes.Repeat([]byte{0x42}, 32)
	h, err := NewHandshake(passkey, "session-1", 0)
	if err != nil {
		t.Fatalf("NewHandshake: %s", err)
	}
	got, err := UnmarshalHandshake(h.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHandshake: %s", err)
	}
	if got.SessionID != h.SessionID || got.RecvSequence != h.RecvSequence || !bytes.Equal(got.Tag, h.Tag) {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	// RecvSequence==0 must round-trip as an explicit 0, not "field absent":
	// the very first handshake on a fresh channel has nothing received yet.
	if got.RecvSequence != 0 {
		t.Fatalf("expected RecvSequence 0 to survive the round trip, got %d", got.RecvSequence)
	}
	if err := got.Verify(passkey); err != nil {
		t.Fatalf("round-tripped handshake should still verify: %s", err)
	}
}

func TestWriteReadHandshake(t *testing.T) {
	passkey := bytes.Repeat([]byte{0x11}, 32)
	h, err := NewHandshake(passkey, "abc", 3)
	if err != nil {
		t.Fatalf("NewHandshake: %s", err)
	}
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %s", err)
	}
	got, err := ReadHandshake(NewFrameReader(&buf))
	if err != nil {
		t.Fatalf("ReadHandshake: %s", err)
	}
	if got.SessionID != h.SessionID || got.RecvSequence != h.RecvSequence {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}
