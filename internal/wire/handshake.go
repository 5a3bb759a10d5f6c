package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// Handshake is the resume-handshake body exchanged by both sides
// immediately after a transport connects (spec.md §4.B, §6 "Wire
// format"). RecvSequence is the number of packets the sender has received
// from its peer, i.e. the next sequence number it expects (sequences start
// at 0); exchanging it lets each side know which of its own unacked_sent
// entries the other side already has.
type Handshake struct {
	SessionID    string
	RecvSequence uint64
	Tag          []byte
}

// deriveHandshakeKey derives a 32-byte HMAC key from the session passkey
// via HKDF-SHA256. The framed channel's crypto primitives are explicitly
// out of scope per spec.md §1 except for this: authenticating the resume
// handshake so a spoofed or replayed reconnect can't desynchronize
// unacked_sent.
func deriveHandshakeKey(passkey []byte, sessionID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, passkey, []byte(sessionID), []byte("etclient-resume-handshake"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive handshake key: %w", err)
	}
	return key, nil
}

// signHandshake computes the HMAC tag over sessionID and recvSequence.
func signHandshake(passkey []byte, sessionID string, recvSequence uint64) ([]byte, error) {
	key, err := deriveHandshakeKey(passkey, sessionID)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	var seqBuf [8]byte
	putUint64(seqBuf[:], recvSequence)
	mac.Write([]byte(sessionID))
	mac.Write(seqBuf[:])
	return mac.Sum(nil), nil
}

// NewHandshake builds a signed Handshake to send after dialing.
func NewHandshake(passkey []byte, sessionID string, recvSequence uint64) (Handshake, error) {
	tag, err := signHandshake(passkey, sessionID, recvSequence)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{SessionID: sessionID, RecvSequence: recvSequence, Tag: tag}, nil
}

// Verify checks that h was produced with passkey for this sessionID.
func (h Handshake) Verify(passkey []byte) error {
	want, err := signHandshake(passkey, h.SessionID, h.RecvSequence)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, h.Tag) {
		return fmt.Errorf("resume handshake signature mismatch")
	}
	return nil
}

// Marshal encodes the handshake as the payload of a handshakeFrameType
// frame.
func (h Handshake) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(h.SessionID))
	b = appendVarintFieldAllowZero(b, 2, h.RecvSequence)
	b = appendBytesField(b, 3, h.Tag)
	return b
}

// UnmarshalHandshake decodes a handshake frame payload.
func UnmarshalHandshake(data []byte) (Handshake, error) {
	fs, err := parseFields(data)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{SessionID: fs.str(1), RecvSequence: fs.uint64(2), Tag: fs.raw(3)}, nil
}

// WriteHandshake writes h as a handshakeFrameType frame to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(EncodeFrame(handshakeFrameType, h.Marshal()))
	return err
}

// ReadHandshake reads and decodes one handshake frame from fr.
func ReadHandshake(fr *FrameReader) (Handshake, error) {
	typ, payload, err := fr.ReadFrame()
	if err != nil {
		return Handshake{}, err
	}
	if typ != handshakeFrameType {
		return Handshake{}, fmt.Errorf("expected resume handshake frame, got %s", typ)
	}
	return UnmarshalHandshake(payload)
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// appendVarintFieldAllowZero is like appendVarintField but encodes v==0
// explicitly, so RecvSequence is present on the wire even in the very
// first handshake, when nothing has been received yet.
func appendVarintFieldAllowZero(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
