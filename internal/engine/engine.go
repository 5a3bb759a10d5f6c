// Package engine implements the Session engine component of the session
// engine (spec.md §4.E): the event loop that multiplexes the console, the
// framed channel, and the port-forward handler.
//
// Grounded directly on original_source/src/terminal/TerminalClient.cpp's
// run() method: the same packet-type dispatch, keepalive bookkeeping, and
// startup sequence (initial command, source tunnels, reverse tunnels),
// reexpressed as a ticker-driven loop instead of select() over raw fds,
// the way internal/channel already turns that program's blocking-I/O
// style into a non-blocking-poll one.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sammck-go/etclient/internal/channel"
	"github.com/sammck-go/etclient/internal/console"
	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/portforward"
	"github.com/sammck-go/etclient/internal/wire"
)

// defaultKeepAlivePeriod is how long the engine waits for channel traffic
// before sending a KEEP_ALIVE; two consecutive misses kill the connection
// (spec.md §4.E, §7 LivenessError). The original program's
// CLIENT_KEEP_ALIVE_DURATION constant wasn't in the retrieved source, so
// this picks a conservative default callers may override via Config.
const defaultKeepAlivePeriod = 2 * time.Second

// pollInterval is the engine's readiness-tick period (spec.md §5: ~10ms).
const pollInterval = 10 * time.Millisecond

// Config describes one session's startup parameters (spec.md §4.F
// Bootstrap's contract with the engine).
type Config struct {
	Command         string
	Tunnels         []wire.PortPair
	ReverseTunnels  []wire.PortPair
	DynamicPort     uint16
	KeepAlivePeriod time.Duration
}

// State is the engine's lifecycle state (spec.md §4.E).
type State int

const (
	StateStarting State = iota
	StateConnected
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateConnected:
		return "Connected"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Engine is the session engine (spec.md §4.E). It exclusively owns the
// channel, console and port-forward handler for the duration of Run
// (spec.md §3 Ownership).
type Engine struct {
	etshare.ShutdownHelper

	logger    etshare.Logger
	cfg       Config
	ch        *channel.FramedChannel
	con       console.Console
	forwarder *portforward.Handler

	state              State
	lastTerminalInfo   wire.TerminalInfo
	keepaliveDeadline  time.Time
	waitingOnKeepalive bool
}

// New builds an Engine. Call Run to drive it to completion.
func New(logger etshare.Logger, ch *channel.FramedChannel, con console.Console, forwarder *portforward.Handler, cfg Config) *Engine {
	if cfg.KeepAlivePeriod <= 0 {
		cfg.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	e := &Engine{logger: logger, cfg: cfg, ch: ch, con: con, forwarder: forwarder, state: StateStarting}
	e.ShutdownHelper.Init(logger, e)
	e.AddShutdownChild(ch)
	e.AddShutdownChild(forwarder)
	return e
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// HandleOnceShutdown tears down the console; the channel and port-forward
// handler are torn down as registered shutdown children (spec.md P5:
// teardown is guaranteed on every exit path).
func (e *Engine) HandleOnceShutdown(completionErr error) error {
	e.con.Teardown()
	e.state = StateTerminated
	return completionErr
}

// Run executes the full session lifecycle: startup, main loop, shutdown.
// It returns the error that ended the session: the context's error on
// cancellation, the channel's fatal error, or the error a loop iteration
// returned; it returns nil when shutdown was started from elsewhere.
func (e *Engine) Run(ctx context.Context) error {
	e.ShutdownOnContext(ctx)

	if err := e.con.Setup(); err != nil {
		return e.fail(&etshare.ConfigError{Msg: "console setup failed", Err: err})
	}

	if err := e.ch.Connect(); err != nil {
		return e.fail(err)
	}
	e.state = StateConnected
	e.resetKeepalive()

	if err := e.startup(); err != nil {
		return e.fail(err)
	}

	e.state = StateRunning
	runErr := e.loop(ctx)

	e.state = StateDraining
	e.StartShutdown(runErr)
	e.WaitShutdown()
	return runErr
}

func (e *Engine) fail(err error) error {
	e.StartShutdown(err)
	e.WaitShutdown()
	return err
}

// startup sends the initial command, opens local source listeners for
// "-t" tunnels, and requests remote listeners for "-rt" tunnels (spec.md
// §4.E Startup).
func (e *Engine) startup() error {
	if e.cfg.Command != "" {
		payload := wire.TerminalBufferMsg{Buffer: []byte(e.cfg.Command + "; exit\n")}
		if err := e.ch.WritePacket(wire.TerminalBuffer, payload.Marshal()); err != nil {
			return err
		}
	}
	for _, pair := range e.cfg.Tunnels {
		resp, err := e.forwarder.CreateSource(uint16(pair.SourcePort), uint16(pair.DestinationPort))
		if err != nil {
			return err
		}
		if resp.Error != "" {
			return &etshare.ForwardError{Msg: resp.Error}
		}
	}
	for _, pair := range e.cfg.ReverseTunnels {
		req := wire.PortForwardSourceRequestMsg{SourcePort: uint16(pair.SourcePort), DestinationPort: uint16(pair.DestinationPort)}
		if err := e.ch.WritePacket(wire.PortForwardSourceRequest, req.Marshal()); err != nil {
			return err
		}
	}
	if e.cfg.DynamicPort != 0 {
		if err := e.forwarder.EnableDynamic(e.cfg.DynamicPort, e.ch); err != nil {
			return err
		}
	}
	return nil
}

// loop is the Running state's body (spec.md §4.E Main loop / §5).
func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ShutdownStartedChan():
			return nil
		case err := <-e.ch.FatalErr():
			return err
		case <-ticker.C:
		}

		if err := e.tick(); err != nil {
			e.logger.ELogf("Connection closing because of error: %s", err)
			return err
		}
	}
}

func (e *Engine) tick() error {
	if e.con.HasInput() {
		if data, ok := e.con.ReadInput(); ok {
			msg := wire.TerminalBufferMsg{Buffer: data}
			if err := e.ch.WritePacket(wire.TerminalBuffer, msg.Marshal()); err != nil {
				return err
			}
			e.resetKeepalive()
		}
	}

	for e.ch.HasData() {
		pkt, ok := e.ch.Read()
		if !ok {
			break
		}
		if err := e.dispatch(pkt); err != nil {
			if etshare.Fatal(err) {
				return err
			}
			e.logger.WLogf("recovered from non-fatal error dispatching %s: %s", pkt.Type, err)
		}
	}

	if err := e.tickKeepalive(); err != nil {
		return err
	}

	if ti := e.con.TerminalInfo(); !ti.Equal(e.lastTerminalInfo) {
		e.lastTerminalInfo = ti
		if err := e.ch.WritePacket(wire.TerminalInfoPacket, ti.Marshal()); err != nil {
			return err
		}
	}

	reqs, datas := e.forwarder.Update()
	for _, r := range reqs {
		if err := e.ch.WritePacket(wire.PortForwardDestinationRequest, r.Marshal()); err != nil {
			return err
		}
		e.resetKeepalive()
	}
	for _, d := range datas {
		if err := e.ch.WritePacket(wire.PortForwardData, d.Marshal()); err != nil {
			return err
		}
		e.resetKeepalive()
	}

	return nil
}

// dispatch handles one packet drained from the channel (spec.md §4.E
// Main loop). An unrecognized type is fatal, matching the original
// program's "default: LOG(FATAL)" in the same dispatch switch. Its
// caller in tick() uses etshare.Fatal to tell a terminal protocol
// violation from a recoverable forward/transport hiccup (spec.md §7):
// only ConfigError/ProtocolError end the loop outright.
func (e *Engine) dispatch(pkt wire.Packet) error {
	switch pkt.Type {
	case wire.PortForwardSourceRequest, wire.PortForwardSourceResponse,
		wire.PortForwardDestinationRequest, wire.PortForwardDestinationResponse,
		wire.PortForwardData:
		e.resetKeepalive()
		return e.forwarder.HandlePacket(pkt, e.ch)

	case wire.TerminalBuffer:
		msg, err := wire.UnmarshalTerminalBuffer(pkt.Payload)
		if err != nil {
			return &etshare.ProtocolError{Msg: err.Error()}
		}
		e.resetKeepalive()
		_, err = e.con.Write(msg.Buffer)
		return err

	case wire.KeepAlive:
		e.waitingOnKeepalive = false
		return nil

	default:
		return &etshare.ProtocolError{Msg: fmt.Sprintf("unknown packet type %d", pkt.Type)}
	}
}

func (e *Engine) resetKeepalive() {
	e.keepaliveDeadline = time.Now().Add(e.cfg.KeepAlivePeriod)
}

// tickKeepalive implements spec.md §4.E's keepalive state machine: a
// missed keepalive while already waiting on one declares the connection
// dead and forces a reconnect; otherwise it sends one and starts waiting.
func (e *Engine) tickKeepalive() error {
	if time.Now().Before(e.keepaliveDeadline) {
		return nil
	}
	e.resetKeepalive()
	if e.waitingOnKeepalive {
		e.logger.ILogf("Missed a keepalive, killing connection.")
		e.ch.ForceReconnect(&etshare.LivenessError{})
		e.waitingOnKeepalive = false
		return nil
	}
	e.logger.DLogf("Writing keepalive packet")
	if err := e.ch.WritePacket(wire.KeepAlive, nil); err != nil {
		return err
	}
	e.waitingOnKeepalive = true
	return nil
}
