package wire

import (
	"bytes"
	"testing"
)

func TestTerminalBufferRoundTrip(t *testing.T) {
	m := TerminalBufferMsg{Buffer: []byte("echo hi; exit\n")}
	got, err := UnmarshalTerminalBuffer(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if !bytes.Equal(got.Buffer, m.Buffer) {
		t.Fatalf("got %q, want %q", got.Buffer, m.Buffer)
	}
}

func TestTerminalBufferEmptyRoundTrip(t *testing.T) {
	m := TerminalBufferMsg{Buffer: nil}
	got, err := UnmarshalTerminalBuffer(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if len(got.Buffer) != 0 {
		t.Fatalf("got %q, want empty", got.Buffer)
	}
}

// TestTerminalInfoRoundTrip matches spec.md §8 scenario 2: a resize from
// {24,80} to {40,120} must encode/decode field-wise exactly.
func TestTerminalInfoRoundTrip(t *testing.T) {
	want := TerminalInfo{Rows: 40, Cols: 120, PixelWidth: 960, PixelHeight: 600}
	got, err := UnmarshalTerminalInfo(want.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTerminalInfoEquality(t *testing.T) {
	a := TerminalInfo{Rows: 24, Cols: 80}
	b := TerminalInfo{Rows: 24, Cols: 80}
	c := TerminalInfo{Rows: 40, Cols: 120}
	if !a.Equal(b) {
		t.Fatal("identical TerminalInfo values should be equal")
	}
	if a.Equal(c) {
		t.Fatal("differing TerminalInfo values should not be equal")
	}
}

func TestPortForwardSourceRequestRoundTrip(t *testing.T) {
	m := PortForwardSourceRequestMsg{SourcePort: 8080, DestinationPort: 80}
	got, err := UnmarshalPortForwardSourceRequest(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPortForwardSourceResponseRoundTrip(t *testing.T) {
	ok := PortForwardSourceResponseMsg{BoundPort: 8080}
	got, err := UnmarshalPortForwardSourceResponse(ok.Marshal())
	if err != nil {
		t.Fatalf("unmarshal ok: %s", err)
	}
	if got != ok {
		t.Fatalf("got %+v, want %+v", got, ok)
	}

	failed := PortForwardSourceResponseMsg{Error: "bind: address already in use"}
	got, err = UnmarshalPortForwardSourceResponse(failed.Marshal())
	if err != nil {
		t.Fatalf("unmarshal error case: %s", err)
	}
	if got != failed {
		t.Fatalf("got %+v, want %+v", got, failed)
	}
}

func TestPortForwardDestinationRequestRoundTrip(t *testing.T) {
	m := PortForwardDestinationRequestMsg{RemoteConnID: 7, TargetPort: 443, TargetHost: "example.com"}
	got, err := UnmarshalPortForwardDestinationRequest(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPortForwardDestinationRequestDefaultHost(t *testing.T) {
	m := PortForwardDestinationRequestMsg{RemoteConnID: 1, TargetPort: 80}
	got, err := UnmarshalPortForwardDestinationRequest(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.TargetHost != "" {
		t.Fatalf("expected empty TargetHost to round-trip as empty, got %q", got.TargetHost)
	}
}

func TestPortForwardDestinationResponseRoundTrip(t *testing.T) {
	m := PortForwardDestinationResponseMsg{RemoteConnID: 7, LocalConnID: 42}
	got, err := UnmarshalPortForwardDestinationResponse(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPortForwardDataRoundTrip(t *testing.T) {
	m := PortForwardDataMsg{ConnID: 3, Data: []byte("payload bytes")}
	got, err := UnmarshalPortForwardData(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.ConnID != m.ConnID || !bytes.Equal(got.Data, m.Data) || got.Eof {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPortForwardDataEofRoundTrip(t *testing.T) {
	m := PortForwardDataMsg{ConnID: 3, Eof: true}
	got, err := UnmarshalPortForwardData(m.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if !got.Eof || len(got.Data) != 0 {
		t.Fatalf("got %+v, want Eof with empty Data", got)
	}
}

func TestPacketTypeIsKnown(t *testing.T) {
	if !TerminalBuffer.IsKnown() {
		t.Fatal("TerminalBuffer should be known")
	}
	if PacketType(250).IsKnown() {
		t.Fatal("an unregistered type code should not be known")
	}
	if handshakeFrameType.IsKnown() {
		t.Fatal("the internal handshake frame type must not be a public PacketType")
	}
}
