// Package transport implements the Socket transport component of the
// session engine (spec.md §4.A): a thin reliable byte-stream abstraction
// that the framed channel builds sequencing and resume logic on top of.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/etclient/internal/wire"
)

// Socket is a single, non-resilient byte-stream connection. Everything
// about reconnecting, sequencing, and replay lives one layer up in the
// framed channel (spec.md §4.B); Socket only knows how to move bytes. The
// deadline methods let the framed channel bound the resume handshake
// round trip (spec.md §4.B: "timeout after an implementation-defined
// bound is a retryable failure") instead of blocking forever on a peer
// that never replies.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a fresh Socket to an Endpoint. A new Dialer-produced Socket
// is used for every connection attempt; the framed channel owns retrying.
type Dialer struct {
	HandshakeTimeout time.Duration
	HostHeader       string
}

// Dial opens one WebSocket connection to ep and wraps it as a byte-stream
// Socket, the way the teacher's connectionLoop dials with
// gorilla/websocket.Dialer before layering an SSH handshake on top; here
// the framed channel's own handshake (§4.B) takes that role instead.
func (d Dialer) Dial(ep wire.Endpoint) (Socket, error) {
	scheme := "ws"
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", ep.Host, ep.Port), Path: "/etclient"}

	wsDialer := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: d.handshakeTimeout(),
	}
	hdr := http.Header{}
	if d.HostHeader != "" {
		hdr.Set("Host", d.HostHeader)
	}
	conn, _, err := wsDialer.Dial(u.String(), hdr)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s failed: %w", u.String(), err)
	}
	return newWSSocket(conn), nil
}

func (d Dialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return 45 * time.Second
}

// wsSocket flattens a message-oriented *websocket.Conn into a byte stream,
// the way the teacher's (unretrieved) NewWebSocketConn wrapper does: Read
// drains the current inbound message and transparently fetches the next
// one on exhaustion, so callers above this layer never see message
// boundaries.
type wsSocket struct {
	conn    *websocket.Conn
	current io.Reader
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.current = r
		}
		n, err := s.current.Read(p)
		if err == io.EOF {
			s.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsSocket) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

func (s *wsSocket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *wsSocket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
