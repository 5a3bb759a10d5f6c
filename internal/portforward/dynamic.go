package portforward

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"

	"github.com/sammck-go/etclient/internal/etshare"
	"github.com/sammck-go/etclient/internal/wire"
)

// EnableDynamic opens a local SOCKS5 listener on port and routes every
// connect request it receives through the same PORT_FORWARD_DESTINATION_*
// exchange as a "-t" tunnel, except the target host/port comes from the
// SOCKS5 client at connect time instead of being fixed up front. This is
// the third tunnel kind alongside spec.md §4.C's source/destination pair,
// grounded on the teacher's socksServer field (share/client.go) and its
// socketpair-bridged skeleton endpoint (share/socks_skeleton_endpoint.go),
// but wired so the SOCKS5 server's outbound dial travels over the framed
// channel rather than share/socks_skeleton_endpoint.go's direct net.Dial.
func (h *Handler) EnableDynamic(port uint16, ch PacketWriter) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &etshare.ForwardError{Msg: fmt.Sprintf("listen for dynamic forward on port %d", port), Err: err}
	}
	conf := &socks5.Config{
		Dial:   h.dialViaChannel(ch),
		Logger: log.New(&logWriter{h.logger}, "", 0),
	}
	srv, err := socks5.New(conf)
	if err != nil {
		ln.Close()
		return &etshare.ForwardError{Msg: "build socks5 server", Err: err}
	}
	h.mu.Lock()
	h.dynamicListener = ln
	h.mu.Unlock()
	h.logger.ILogf("Listening for dynamic (SOCKS5) forward on port %d", port)
	go h.dynamicAcceptLoop(ln, srv)
	return nil
}

func (h *Handler) dynamicAcceptLoop(ln net.Listener, srv *socks5.Server) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := srv.ServeConn(conn); err != nil {
				h.logger.DLogf("socks5 session ended: %s", err)
			}
		}()
	}
}

// dialViaChannel returns the socks5.Config.Dial callback: it stands in for
// net.Dial, but the "dial" is really a round trip through the peer over
// the framed channel. It runs on the socks5 library's own per-connection
// goroutine, not the engine's tick loop, so blocking on dialResult here
// cannot stall packet processing.
func (h *Handler) dialViaChannel(ch PacketWriter) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid SOCKS5 target %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid SOCKS5 target port %q", portStr)
		}

		ourSide, farSide, err := socketpair.New("unix")
		if err != nil {
			return nil, fmt.Errorf("allocate socketpair: %w", err)
		}

		id := h.nextID()
		fc := newForwardConn(id, 0, directionLocalSource, farSide)
		fc.dialResult = make(chan error, 1)
		h.mu.Lock()
		h.pendingSource[id] = fc
		h.outboundReqs = append(h.outboundReqs, wire.PortForwardDestinationRequestMsg{
			RemoteConnID: id,
			TargetHost:   host,
			TargetPort:   uint16(port),
		})
		h.mu.Unlock()

		select {
		case err := <-fc.dialResult:
			if err != nil {
				ourSide.Close()
				return nil, err
			}
			return ourSide, nil
		case <-ctx.Done():
			h.mu.Lock()
			delete(h.pendingSource, id)
			h.mu.Unlock()
			fc.Close()
			ourSide.Close()
			return nil, ctx.Err()
		}
	}
}

// logWriter adapts etshare.Logger to the io.Writer the socks5 library's
// standard-library *log.Logger expects.
type logWriter struct{ logger etshare.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.DLogf("%s", string(p))
	return len(p), nil
}

var _ io.Writer = (*logWriter)(nil)
