package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLength bounds a single frame's type+payload size, guarding
// against a corrupt length prefix turning into an unbounded allocation.
const maxFrameLength = 16*1024*1024 + 1

// EncodeFrame renders pt/payload using the wire format from spec.md §4.B:
// u32 length_be || u8 type || payload[length-1]. length counts the type
// byte plus the payload.
func EncodeFrame(pt PacketType, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+len(payload)+1)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(pt)
	copy(buf[5:], payload)
	return buf
}

// FrameReader decodes a stream of length-prefixed frames from an
// underlying byte stream (a transport.Socket).
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time decoding.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// ReadFrame blocks until one full frame has been read, or an error occurs.
func (f *FrameReader) ReadFrame() (PacketType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameLength {
		return 0, nil, fmt.Errorf("invalid frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return 0, nil, err
	}
	return PacketType(body[0]), body[1:], nil
}
