// Package wire defines the packet types, data-model records, and binary
// encoding shared between the framed channel and the session engine
// (spec.md §3, §6).
package wire

import (
	"fmt"

	"github.com/sammck-go/etclient/internal/etshare"
)

// PacketType is the closed set of packet type codes from spec.md §6.
type PacketType uint8

const (
	InitialPayload PacketType = iota + 1
	TerminalBuffer
	TerminalInfoPacket
	KeepAlive
	PortForwardSourceRequest
	PortForwardSourceResponse
	PortForwardDestinationRequest
	PortForwardDestinationResponse
	PortForwardData
)

// handshakeFrameType is a channel-internal framing type used only for the
// resume handshake exchanged immediately after a transport connects. It is
// deliberately outside the public PacketType enum: the session engine
// never sees it, only FramedChannel.handshake does.
const handshakeFrameType PacketType = 0xFF

var packetTypeNames = map[PacketType]string{
	InitialPayload:                 "INITIAL_PAYLOAD",
	TerminalBuffer:                 "TERMINAL_BUFFER",
	TerminalInfoPacket:              "TERMINAL_INFO",
	KeepAlive:                      "KEEP_ALIVE",
	PortForwardSourceRequest:       "PORT_FORWARD_SOURCE_REQUEST",
	PortForwardSourceResponse:      "PORT_FORWARD_SOURCE_RESPONSE",
	PortForwardDestinationRequest:  "PORT_FORWARD_DESTINATION_REQUEST",
	PortForwardDestinationResponse: "PORT_FORWARD_DESTINATION_RESPONSE",
	PortForwardData:                "PORT_FORWARD_DATA",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// IsKnown reports whether t is one of the public packet types. An unknown
// type is a fatal ProtocolError per spec.md §4.E.
func (t PacketType) IsKnown() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// Packet is the unit exchanged over the framed channel: a type code and an
// opaque payload (spec.md §3).
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Endpoint identifies the remote host the client connects to (spec.md §3).
// Immutable for the life of a session.
type Endpoint struct {
	Host       string
	Port       uint16
	IsJumphost bool
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SessionIdentity is the (id, passkey) pair produced by the credential
// handshake bootstrap collaborator (spec.md §3). The passkey must be
// exactly 32 bytes.
type SessionIdentity struct {
	ID      string
	Passkey []byte
}

// Validate enforces the 32-byte passkey invariant from spec.md §3. A
// violation is a fatal ConfigError before the engine starts.
func (s SessionIdentity) Validate() error {
	if len(s.Passkey) != 32 {
		return &etshare.ConfigError{Msg: fmt.Sprintf("passkey must be exactly 32 bytes, got %d", len(s.Passkey))}
	}
	return nil
}

// TerminalInfo is the client's current window geometry (spec.md §3).
// Equality is field-wise; any change is a resize event.
type TerminalInfo struct {
	Rows        uint16
	Cols        uint16
	PixelWidth  uint16
	PixelHeight uint16
}

// Equal reports field-wise equality, per spec.md §3.
func (t TerminalInfo) Equal(o TerminalInfo) bool {
	return t.Rows == o.Rows && t.Cols == o.Cols && t.PixelWidth == o.PixelWidth && t.PixelHeight == o.PixelHeight
}
