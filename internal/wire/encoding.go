package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Structured packet payloads are encoded field-by-field with the protobuf
// wire format via protowire, the same wire format the teacher generates
// .pb.go types for with protoc (share/session_config.go and friends). See
// DESIGN.md for why this module talks the wire format directly instead of
// running protoc.

// fieldSet is a parsed bag of protobuf-wire fields, keyed by field number.
// Messages below pull typed values out of it after a single decode pass.
type fieldSet struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func parseFields(b []byte) (fieldSet, error) {
	fs := fieldSet{varints: map[protowire.Number]uint64{}, bytes: map[protowire.Number][]byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fs, fmt.Errorf("malformed field tag")
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fs, fmt.Errorf("malformed varint field %d", num)
			}
			fs.varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fs, fmt.Errorf("malformed bytes field %d", num)
			}
			fs.bytes[num] = append([]byte(nil), v...)
			b = b[n:]
		default:
			return fs, fmt.Errorf("unsupported wire type %d for field %d", typ, num)
		}
	}
	return fs, nil
}

func (fs fieldSet) uint16(num protowire.Number) uint16 { return uint16(fs.varints[num]) }
func (fs fieldSet) uint64(num protowire.Number) uint64 { return fs.varints[num] }
func (fs fieldSet) bool(num protowire.Number) bool     { return fs.varints[num] != 0 }
func (fs fieldSet) str(num protowire.Number) string    { return string(fs.bytes[num]) }
func (fs fieldSet) raw(num protowire.Number) []byte    { return fs.bytes[num] }

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// InitialPayloadMsg is the INITIAL_PAYLOAD packet body (spec.md §4.E step
// 2 / original_source's et::InitialPayload).
type InitialPayloadMsg struct {
	Jumphost bool
}

func (m InitialPayloadMsg) Marshal() []byte {
	var b []byte
	if m.Jumphost {
		b = appendVarintField(b, 1, 1)
	}
	return b
}

func UnmarshalInitialPayload(data []byte) (InitialPayloadMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return InitialPayloadMsg{}, err
	}
	return InitialPayloadMsg{Jumphost: fs.bool(1)}, nil
}

// TerminalBufferMsg is the TERMINAL_BUFFER packet body: a raw byte chunk of
// either keystrokes (client->server) or shell output (server->client).
type TerminalBufferMsg struct {
	Buffer []byte
}

func (m TerminalBufferMsg) Marshal() []byte {
	return appendBytesField(nil, 1, m.Buffer)
}

func UnmarshalTerminalBuffer(data []byte) (TerminalBufferMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return TerminalBufferMsg{}, err
	}
	return TerminalBufferMsg{Buffer: fs.raw(1)}, nil
}

// Marshal encodes a TerminalInfo as a TERMINAL_INFO packet body.
func (t TerminalInfo) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(t.Rows))
	b = appendVarintField(b, 2, uint64(t.Cols))
	b = appendVarintField(b, 3, uint64(t.PixelWidth))
	b = appendVarintField(b, 4, uint64(t.PixelHeight))
	return b
}

// UnmarshalTerminalInfo decodes a TERMINAL_INFO packet body.
func UnmarshalTerminalInfo(data []byte) (TerminalInfo, error) {
	fs, err := parseFields(data)
	if err != nil {
		return TerminalInfo{}, err
	}
	return TerminalInfo{
		Rows:        fs.uint16(1),
		Cols:        fs.uint16(2),
		PixelWidth:  fs.uint16(3),
		PixelHeight: fs.uint16(4),
	}, nil
}

// PortForwardSourceRequestMsg asks the peer to start listening on
// SourcePort and bridge accepted connections to DestinationPort (spec.md
// §4.C, -rt tunnels; -t tunnels listen locally and never send it).
type PortForwardSourceRequestMsg struct {
	SourcePort      uint16
	DestinationPort uint16
}

func (m PortForwardSourceRequestMsg) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.SourcePort))
	b = appendVarintField(b, 2, uint64(m.DestinationPort))
	return b
}

func UnmarshalPortForwardSourceRequest(data []byte) (PortForwardSourceRequestMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return PortForwardSourceRequestMsg{}, err
	}
	return PortForwardSourceRequestMsg{SourcePort: fs.uint16(1), DestinationPort: fs.uint16(2)}, nil
}

// PortForwardSourceResponseMsg reports whether a PortForwardSourceRequest
// succeeded.
type PortForwardSourceResponseMsg struct {
	Error     string
	BoundPort uint16
}

func (m PortForwardSourceResponseMsg) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(m.Error))
	b = appendVarintField(b, 2, uint64(m.BoundPort))
	return b
}

func UnmarshalPortForwardSourceResponse(data []byte) (PortForwardSourceResponseMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return PortForwardSourceResponseMsg{}, err
	}
	return PortForwardSourceResponseMsg{Error: fs.str(1), BoundPort: fs.uint16(2)}, nil
}

// PortForwardDestinationRequestMsg asks the receiver to dial TargetPort and
// bind the result to RemoteConnID (spec.md §4.C). TargetHost is empty for
// every "-t"/"-rt" tunnel, which always dial 127.0.0.1; a dynamic ("-D")
// forward is the only source that ever sets it, since a SOCKS5 client picks
// its own destination host at connect time.
type PortForwardDestinationRequestMsg struct {
	RemoteConnID uint64
	TargetHost   string
	TargetPort   uint16
}

func (m PortForwardDestinationRequestMsg) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.RemoteConnID)
	b = appendVarintField(b, 2, uint64(m.TargetPort))
	b = appendBytesField(b, 3, []byte(m.TargetHost))
	return b
}

func UnmarshalPortForwardDestinationRequest(data []byte) (PortForwardDestinationRequestMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return PortForwardDestinationRequestMsg{}, err
	}
	return PortForwardDestinationRequestMsg{
		RemoteConnID: fs.uint64(1),
		TargetPort:   fs.uint16(2),
		TargetHost:   fs.str(3),
	}, nil
}

// PortForwardDestinationResponseMsg binds a LocalConnID to the
// RemoteConnID a PortForwardDestinationRequestMsg was issued for, or
// reports why the dial failed.
type PortForwardDestinationResponseMsg struct {
	RemoteConnID uint64
	LocalConnID  uint64
	Error        string
}

func (m PortForwardDestinationResponseMsg) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.RemoteConnID)
	b = appendVarintField(b, 2, m.LocalConnID)
	b = appendBytesField(b, 3, []byte(m.Error))
	return b
}

func UnmarshalPortForwardDestinationResponse(data []byte) (PortForwardDestinationResponseMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return PortForwardDestinationResponseMsg{}, err
	}
	return PortForwardDestinationResponseMsg{
		RemoteConnID: fs.uint64(1),
		LocalConnID:  fs.uint64(2),
		Error:        fs.str(3),
	}, nil
}

// PortForwardDataMsg carries a chunk of forwarded-connection bytes tagged
// with the conn id the receiver should apply them to. An empty Data with
// Eof set signals end-of-stream (spec.md §4.C error conditions).
type PortForwardDataMsg struct {
	ConnID uint64
	Data   []byte
	Eof    bool
}

func (m PortForwardDataMsg) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.ConnID)
	b = appendBytesField(b, 2, m.Data)
	if m.Eof {
		b = appendVarintField(b, 3, 1)
	}
	return b
}

func UnmarshalPortForwardData(data []byte) (PortForwardDataMsg, error) {
	fs, err := parseFields(data)
	if err != nil {
		return PortForwardDataMsg{}, err
	}
	return PortForwardDataMsg{ConnID: fs.uint64(1), Data: fs.raw(2), Eof: fs.bool(3)}, nil
}
