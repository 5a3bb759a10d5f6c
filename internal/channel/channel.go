// Package channel implements the Framed channel component of the session
// engine (spec.md §4.B): a single logical, resumable stream of typed
// packets layered on top of a Socket transport that may itself reconnect
// any number of times across the channel's lifetime.
//
// Grounded on the teacher's share/client.go connectionLoop (backoff-driven
// redial, give-up-after-N-attempts, "Disconnected" handling) and
// ShutdownHelper usage pattern, generalized from "dial+SSH handshake" to
// "dial+resume handshake with unacked-packet replay".
package channel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/transport"
	"github.com/sammck-go/etclient/internal/wire"
)

// ErrShuttingDown is returned by WritePacket once the channel has started
// shutting down; callers must stop enqueueing new work.
var ErrShuttingDown = errors.New("channel: shutting down")

// handshakeTimeout bounds the resume handshake round trip (spec.md §4.B):
// a peer that dials successfully but never sends its handshake frame must
// not block the connect loop forever. A deadline-exceeded error here
// satisfies net.Error's Timeout(), so it flows into the same
// isTimeoutError retry path as any other connect timeout.
const handshakeTimeout = 10 * time.Second

// Dialer opens a fresh transport.Socket to an Endpoint. transport.Dialer
// satisfies this; tests supply a fake over net.Pipe to drive deterministic
// reconnect-with-replay scenarios (spec.md §9: "unit tests may supply a
// deterministic input/output pair of pipes").
type Dialer interface {
	Dial(ep wire.Endpoint) (transport.Socket, error)
}

// Config carries everything Connect needs to know about the remote
// endpoint and session identity (spec.md §3 SessionIdentity).
type Config struct {
	Endpoint wire.Endpoint
	Identity wire.SessionIdentity
	Dialer   Dialer

	// MaxFirstConnectAttempts bounds retries of the *initial* connect
	// before it has ever succeeded once (Open Question resolution: three
	// timeouts in a row before giving up). Zero means use the default of 3.
	MaxFirstConnectAttempts int
	// MaxRetryInterval caps the backoff delay between reconnect attempts,
	// both pre- and post- first connect.
	MaxRetryInterval time.Duration
}

type sentEntry struct {
	seq     uint64
	typ     wire.PacketType
	payload []byte
}

// FramedChannel is the framed channel component (spec.md §4.B). Its public
// surface is the non-blocking poll pair HasData/Read plus WritePacket,
// matching the cooperative single-threaded event loop the session engine
// runs (spec.md §5); reconnection happens on background goroutines so the
// engine never blocks waiting for a redial.
type FramedChannel struct {
	etshare.ShutdownHelper

	logger etshare.Logger
	cfg    Config
	b      backoff.Backoff

	mu            sync.Mutex
	sendSeq       uint64
	recvSeq       uint64
	unackedSent   []sentEntry
	socket        transport.Socket
	fr            *wire.FrameReader
	connGen       int
	everConnected bool

	incoming chan wire.Packet
	fatalErr chan error
}

// New constructs a FramedChannel that is not yet connected; call Connect
// to dial and perform the first resume handshake.
func New(logger etshare.Logger, cfg Config) *FramedChannel {
	if cfg.MaxFirstConnectAttempts <= 0 {
		cfg.MaxFirstConnectAttempts = 3
	}
	c := &FramedChannel{
		logger:   logger,
		cfg:      cfg,
		b:        backoff.Backoff{Max: cfg.MaxRetryInterval},
		incoming: make(chan wire.Packet, 256),
		fatalErr: make(chan error, 1),
	}
	c.ShutdownHelper.Init(logger, c)
	return c
}

// HandleOnceShutdown implements etshare.OnceShutdownHandler: it closes the
// current socket, which unblocks the reader goroutine.
func (c *FramedChannel) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	sock := c.socket
	c.socket = nil
	c.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
	return completionErr
}

// Connect dials the remote endpoint and performs the resume handshake. On
// the very first call, up to cfg.MaxFirstConnectAttempts attempts are made
// while each fails with a timeout; any non-timeout error on the first call is
// immediately fatal (spec.md Open Question resolution). Once Connect has
// succeeded once, FramedChannel reconnects on its own in the background
// whenever the transport drops, unconditionally, and Connect need not be
// called again.
func (c *FramedChannel) Connect() error {
	err := c.dialAndHandshakeWithRetry()
	if err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *FramedChannel) dialAndHandshakeWithRetry() error {
	attempt := 0
	for {
		if c.IsStartedShutdown() {
			return ErrShuttingDown
		}
		sock, err := c.cfg.Dialer.Dial(c.cfg.Endpoint)
		var fr *wire.FrameReader
		if err == nil {
			fr, err = c.handshake(sock)
			if err != nil {
				sock.Close()
			}
		}
		if err == nil {
			c.mu.Lock()
			c.socket = sock
			c.fr = fr
			c.everConnected = true
			c.connGen++
			c.mu.Unlock()
			c.b.Reset()
			c.logger.ILogf("Connected")
			return nil
		}

		attempt++
		if c.everConnected {
			// Mid-session disconnects always retry, regardless of error kind.
			if !c.sleepBackoff(attempt) {
				return ErrShuttingDown
			}
			continue
		}
		if !isTimeoutError(err) {
			return &etshare.ConnectError{Attempt: attempt, Err: err}
		}
		if attempt >= c.cfg.MaxFirstConnectAttempts {
			return &etshare.ConnectError{Attempt: attempt, Err: err}
		}
		c.logger.DLogf("Connect attempt %d/%d timed out: %s", attempt, c.cfg.MaxFirstConnectAttempts, err)
		if !c.sleepBackoff(attempt) {
			return ErrShuttingDown
		}
	}
}

func isTimeoutError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func (c *FramedChannel) sleepBackoff(attempt int) bool {
	d := c.b.Duration()
	c.logger.ILogf("Retrying in %s (attempt %d)...", d, attempt)
	select {
	case <-time.After(d):
		return true
	case <-c.ShutdownStartedChan():
		return false
	}
}

// handshake performs the resume handshake on sock and, on success,
// replays any packets the peer reports it hasn't seen yet. It returns the
// FrameReader the caller should install for subsequent reads on sock.
func (c *FramedChannel) handshake(sock transport.Socket) (*wire.FrameReader, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := sock.SetWriteDeadline(deadline); err != nil {
		return nil, &etshare.TransportError{Err: err}
	}
	if err := sock.SetReadDeadline(deadline); err != nil {
		return nil, &etshare.TransportError{Err: err}
	}

	c.mu.Lock()
	recvSeq := c.recvSeq
	c.mu.Unlock()

	ours, err := wire.NewHandshake(c.cfg.Identity.Passkey, c.cfg.Identity.ID, recvSeq)
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}
	if err := wire.WriteHandshake(sock, ours); err != nil {
		return nil, &etshare.TransportError{Err: err}
	}

	fr := wire.NewFrameReader(sock)
	theirs, err := wire.ReadHandshake(fr)
	if err != nil {
		return nil, &etshare.TransportError{Err: err}
	}
	if err := theirs.Verify(c.cfg.Identity.Passkey); err != nil {
		return nil, &etshare.ProtocolError{Msg: err.Error()}
	}
	if theirs.SessionID != c.cfg.Identity.ID {
		return nil, &etshare.ProtocolError{Msg: "resume handshake session id mismatch"}
	}

	c.mu.Lock()
	replay := c.pruneAckedLocked(theirs.RecvSequence)
	c.mu.Unlock()
	for _, e := range replay {
		if _, err := sock.Write(wire.EncodeFrame(e.typ, e.payload)); err != nil {
			return nil, &etshare.TransportError{Err: err}
		}
	}

	// The handshake round trip is over; normal packet I/O has no deadline
	// of its own (liveness is the session engine's keepalive's job, not
	// the transport's).
	if err := sock.SetWriteDeadline(time.Time{}); err != nil {
		return nil, &etshare.TransportError{Err: err}
	}
	if err := sock.SetReadDeadline(time.Time{}); err != nil {
		return nil, &etshare.TransportError{Err: err}
	}
	return fr, nil
}

// pruneAckedLocked discards unacked_sent entries the peer has already
// acknowledged (its reported RecvSequence) and returns the remainder, the
// backlog that must be replayed on the new connection.
func (c *FramedChannel) pruneAckedLocked(peerRecvSeq uint64) []sentEntry {
	i := 0
	for i < len(c.unackedSent) && c.unackedSent[i].seq < peerRecvSeq {
		i++
	}
	c.unackedSent = c.unackedSent[i:]
	out := make([]sentEntry, len(c.unackedSent))
	copy(out, c.unackedSent)
	return out
}

// WritePacket assigns the next sequence number to (typ, payload), records
// it in the unacked backlog, and attempts to send it immediately. If no
// connection is currently up, the packet stays queued for the next
// successful reconnect's replay.
func (c *FramedChannel) WritePacket(typ wire.PacketType, payload []byte) error {
	if c.IsStartedShutdown() {
		return ErrShuttingDown
	}
	c.mu.Lock()
	seq := c.sendSeq
	c.sendSeq++
	entry := sentEntry{seq: seq, typ: typ, payload: payload}
	c.unackedSent = append(c.unackedSent, entry)
	sock := c.socket
	gen := c.connGen
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	if _, err := sock.Write(wire.EncodeFrame(typ, payload)); err != nil {
		c.closeAndMaybeReconnect(gen, sock, &etshare.TransportError{Err: err})
	}
	return nil
}

// HasData reports whether Read would return a packet without blocking.
func (c *FramedChannel) HasData() bool {
	return len(c.incoming) > 0
}

// Read is a non-blocking poll: it returns the next received packet, or
// ok==false if none is queued. Matches the session engine's cooperative
// event loop (spec.md §5), which never blocks on channel I/O.
func (c *FramedChannel) Read() (wire.Packet, bool) {
	select {
	case pkt := <-c.incoming:
		return pkt, true
	default:
		return wire.Packet{}, false
	}
}

// ForceReconnect tears down the current connection and reconnects with
// replay, exactly as a TransportError would. The session engine calls this
// on a LivenessError (an unanswered keepalive still outstanding at the
// next keepalive deadline, spec.md §7), which is detected above the
// transport and has no read/write error of its own to trigger the normal
// path.
func (c *FramedChannel) ForceReconnect(cause error) {
	c.mu.Lock()
	sock := c.socket
	gen := c.connGen
	c.mu.Unlock()
	if sock == nil {
		return
	}
	c.closeAndMaybeReconnect(gen, sock, cause)
}

// FatalErr returns a channel that receives the error that ends the
// channel for good: a frame with an unknown packet type (a ProtocolError),
// a failure before the first successful connect, or a background
// reconnect loop stopped by shutdown.
func (c *FramedChannel) FatalErr() <-chan error {
	return c.fatalErr
}

// readLoop decodes frames from the current connection's FrameReader (set
// under mu by handshake) until it errors or shutdown starts; on error it
// hands off to closeAndMaybeReconnect and exits, so at most one readLoop
// runs at a time.
func (c *FramedChannel) readLoop() {
	for {
		c.mu.Lock()
		fr := c.fr
		sock := c.socket
		gen := c.connGen
		c.mu.Unlock()
		if fr == nil {
			return
		}
		typ, payload, err := fr.ReadFrame()
		if err != nil {
			c.closeAndMaybeReconnect(gen, sock, &etshare.TransportError{Err: err})
			return
		}
		if !typ.IsKnown() {
			// An unknown packet type is a protocol violation, not a dead
			// transport: spec.md §7 makes it fatal, so it must not take the
			// reconnect-with-replay path that TransportError does.
			select {
			case c.fatalErr <- &etshare.ProtocolError{Msg: fmt.Sprintf("unknown packet type %d", typ)}:
			default:
			}
			return
		}
		c.mu.Lock()
		c.recvSeq++
		c.mu.Unlock()
		select {
		case c.incoming <- wire.Packet{Type: typ, Payload: payload}:
		case <-c.ShutdownStartedChan():
			return
		}
	}
}

// closeAndMaybeReconnect tears down the dead socket and, unless shutdown
// has started, relaunches the connect-and-replay sequence in the
// background (spec.md §4.B: reconnect-with-replay is unconditional once
// the channel has connected at least once). gen is the connGen that was
// current when the caller observed the failure; if the channel has
// already moved on to a newer connection by the time the lock is
// acquired, this call is a no-op, so a racing reader and writer hitting
// the same dead socket only trigger one reconnect.
func (c *FramedChannel) closeAndMaybeReconnect(gen int, dead transport.Socket, cause error) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.fr = nil
	c.connGen++
	shouldReconnect := c.everConnected && !c.IsStartedShutdown()
	c.mu.Unlock()
	if dead != nil {
		dead.Close()
	}
	c.logger.ILogf("Disconnected: %s", cause)

	if !shouldReconnect {
		if !c.IsStartedShutdown() {
			select {
			case c.fatalErr <- cause:
			default:
			}
		}
		return
	}
	go func() {
		if err := c.dialAndHandshakeWithRetry(); err != nil {
			select {
			case c.fatalErr <- err:
			default:
			}
			return
		}
		c.readLoop()
	}()
}
