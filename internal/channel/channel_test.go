package channel

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/transport"
	"github.com/sammck-go/etclient/internal/wire"
)

// pipeDialer hands out net.Pipe-backed sockets, one per Dial call, and
// posts the server-side end of each pair to dialed so the test can drive
// the peer's half of the resume handshake (spec.md §9: "unit tests may
// supply a deterministic input/output pair of pipes").
type pipeDialer struct {
	dialed chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{dialed: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ep wire.Endpoint) (transport.Socket, error) {
	client, server := net.Pipe()
	d.dialed <- server
	return client, nil
}

func testLogger() etshare.Logger {
	return etshare.NewLogger("test", etshare.Options{Silent: true})
}

const testSessionID = "sess-1"

func testPasskey() []byte { return bytes.Repeat([]byte{0x77}, 32) }

// serverHandshake performs the peer side of the resume handshake over
// conn: read the client's handshake, reply with one reporting peerRecvSeq
// packets received from the client so far, and return the FrameReader to
// keep reading subsequent frames on (the client's readLoop equivalent on
// the peer side must reuse one FrameReader per connection, exactly as
// FramedChannel.handshake does).
func serverHandshake(t *testing.T, conn net.Conn, peerRecvSeq uint64) (*wire.FrameReader, wire.Handshake) {
	t.Helper()
	fr := wire.NewFrameReader(conn)
	theirs, err := wire.ReadHandshake(fr)
	if err != nil {
		t.Fatalf("server: read client handshake: %s", err)
	}
	if err := theirs.Verify(testPasskey()); err != nil {
		t.Fatalf("server: client handshake failed to verify: %s", err)
	}
	ours, err := wire.NewHandshake(testPasskey(), testSessionID, peerRecvSeq)
	if err != nil {
		t.Fatalf("server: build handshake: %s", err)
	}
	if err := wire.WriteHandshake(conn, ours); err != nil {
		t.Fatalf("server: write handshake: %s", err)
	}
	return fr, theirs
}

func newTestChannel(d *pipeDialer) *FramedChannel {
	cfg := Config{
		Endpoint: wire.Endpoint{Host: "example.invalid", Port: 1},
		Identity: wire.SessionIdentity{ID: testSessionID, Passkey: testPasskey()},
		Dialer:   d,
	}
	return New(testLogger(), cfg)
}

func TestConnectPerformsHandshake(t *testing.T) {
	d := newPipeDialer()
	ch := newTestChannel(d)

	connectErr := make(chan error, 1)
	go func() { connectErr <- ch.Connect() }()

	server := <-d.dialed
	_, theirs := serverHandshake(t, server, 0)
	if theirs.SessionID != testSessionID {
		t.Fatalf("got session id %q, want %q", theirs.SessionID, testSessionID)
	}
	if theirs.RecvSequence != 0 {
		t.Fatalf("fresh channel should report RecvSequence 0, got %d", theirs.RecvSequence)
	}

	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	ch.StartShutdown(nil)
}

// TestReconnectReplaysUnacked is spec.md §8 scenario 4: inject a transport
// failure after sequence #1 and before #2; after reconnect, the peer must
// observe #2 exactly once and in order, with #0 and #1 not resent since
// the peer already acknowledged them via the resume handshake watermark.
func TestReconnectReplaysUnacked(t *testing.T) {
	d := newPipeDialer()
	ch := newTestChannel(d)
	defer ch.StartShutdown(nil)

	connectErr := make(chan error, 1)
	go func() { connectErr <- ch.Connect() }()

	server1 := <-d.dialed
	fr1, _ := serverHandshake(t, server1, 0)
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %s", err)
	}

	writeErr := make(chan error, 2)
	go func() { writeErr <- ch.WritePacket(wire.TerminalBuffer, []byte("a")) }()
	typ, payload, err := fr1.ReadFrame()
	if err != nil || typ != wire.TerminalBuffer || string(payload) != "a" {
		t.Fatalf("seq0: got (%s, %q, %v)", typ, payload, err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("WritePacket seq0: %s", err)
	}

	go func() { writeErr <- ch.WritePacket(wire.TerminalBuffer, []byte("b")) }()
	typ, payload, err = fr1.ReadFrame()
	if err != nil || typ != wire.TerminalBuffer || string(payload) != "b" {
		t.Fatalf("seq1: got (%s, %q, %v)", typ, payload, err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("WritePacket seq1: %s", err)
	}

	// Simulate the transport failure: the peer vanishes before acking #1
	// at the framing layer, and before #2 is ever sent.
	server1.Close()

	// #2 is written while the channel is mid-reconnect; it is recorded in
	// unacked_sent regardless of whether the immediate send succeeds.
	if err := ch.WritePacket(wire.TerminalBuffer, []byte("c")); err != nil {
		t.Fatalf("WritePacket seq2: %s", err)
	}

	server2 := <-d.dialed
	// The peer reports it has fully received 2 packets (#0, #1); the
	// channel must prune those and replay only #2.
	fr2, _ := serverHandshake(t, server2, 2)

	typ, payload, err = fr2.ReadFrame()
	if err != nil {
		t.Fatalf("reading replayed frame: %s", err)
	}
	if typ != wire.TerminalBuffer || string(payload) != "c" {
		t.Fatalf("replay: got (%s, %q), want (TERMINAL_BUFFER, \"c\")", typ, payload)
	}
}

func TestWritePacketAfterShutdownFails(t *testing.T) {
	d := newPipeDialer()
	ch := newTestChannel(d)
	ch.StartShutdown(nil)
	ch.WaitShutdown()
	if err := ch.WritePacket(wire.KeepAlive, nil); err != ErrShuttingDown {
		t.Fatalf("got %v, want ErrShuttingDown", err)
	}
}

func TestHasDataAndReadDrainIncoming(t *testing.T) {
	d := newPipeDialer()
	ch := newTestChannel(d)
	defer ch.StartShutdown(nil)

	connectErr := make(chan error, 1)
	go func() { connectErr <- ch.Connect() }()

	server := <-d.dialed
	_, _ = serverHandshake(t, server, 0)
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %s", err)
	}

	if ch.HasData() {
		t.Fatal("fresh channel should have no buffered packets")
	}

	if _, err := server.Write(wire.EncodeFrame(wire.KeepAlive, nil)); err != nil {
		t.Fatalf("server write: %s", err)
	}

	var pkt wire.Packet
	var ok bool
	for i := 0; i < 200 && !ok; i++ {
		pkt, ok = ch.Read()
		if !ok {
			time.Sleep(time.Millisecond)
		}
	}
	if !ok {
		t.Fatal("expected a KEEP_ALIVE packet to become available")
	}
	if pkt.Type != wire.KeepAlive {
		t.Fatalf("got packet type %s, want KEEP_ALIVE", pkt.Type)
	}
}
