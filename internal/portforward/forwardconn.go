package portforward

import (
	"net"
	"sync"
	"sync/atomic"
)

// direction records which side of a forward a ForwardConn represents
// (spec.md §3 ForwardConn).
type direction int

const (
	// directionLocalSource is a connection accepted on a local listener
	// created by CreateSource (-t, local-listen).
	directionLocalSource direction = iota
	// directionRemoteDestination is a connection we dialed locally on
	// behalf of a PORT_FORWARD_DESTINATION_REQUEST from the peer (-rt,
	// remote-listen).
	directionRemoteDestination
)

// chunk is one read result handed from a ForwardConn's background reader
// to Handler.Update, which drains it without blocking.
type chunk struct {
	data []byte
	eof  bool
}

// ForwardConn is one forwarded TCP connection (spec.md §3). id is how we
// refer to it ourselves and how the peer must tag PORT_FORWARD_DATA
// destined for it; peerID is how the peer refers to it and so what we must
// tag our own outgoing data with.
type ForwardConn struct {
	id        uint64
	peerID    uint64
	direction direction
	conn      net.Conn
	recvCh    chan chunk

	// dialResult is non-nil only for a dynamic ("-D") forward: the Dial
	// callback built by dialViaChannel blocks on it until handleDestinationResponse reports how the remote
	// dial went, the way an ordinary net.Dial would.
	dialResult chan error

	bytesIn  int64 // read from conn, sent as PORT_FORWARD_DATA
	bytesOut int64 // written to conn, received as PORT_FORWARD_DATA

	mu     sync.Mutex
	closed bool
}

func newForwardConn(id, peerID uint64, dir direction, conn net.Conn) *ForwardConn {
	fc := &ForwardConn{
		id:        id,
		peerID:    peerID,
		direction: dir,
		conn:      conn,
		recvCh:    make(chan chunk, 64),
	}
	go fc.readLoop()
	return fc
}

// notifyDial reports a destination-response outcome to whoever is waiting
// on it in dialViaChannel's Dial callback. A no-op for ordinary accept-based ForwardConns.
func (fc *ForwardConn) notifyDial(err error) {
	if fc.dialResult != nil {
		fc.dialResult <- err
	}
}

// readLoop is the non-blocking-poll trick used throughout this module
// (mirrors internal/channel's readLoop): a dedicated goroutine does the
// blocking net.Conn.Read, and Update drains whatever has accumulated
// without ever blocking the engine's event loop.
func (fc *ForwardConn) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := fc.conn.Read(buf)
		if n > 0 {
			atomic.AddInt64(&fc.bytesIn, int64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			fc.recvCh <- chunk{data: data}
		}
		if err != nil {
			fc.recvCh <- chunk{eof: true}
			return
		}
	}
}

// closeWrite half-closes fc for writing when the peer signals end of
// stream, so our side can still drain any reply already in flight.
func (fc *ForwardConn) closeWrite() {
	if cw, ok := fc.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	fc.Close()
}

// Close closes the underlying socket at most once.
func (fc *ForwardConn) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return
	}
	fc.closed = true
	fc.conn.Close()
}
