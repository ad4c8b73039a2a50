package reactor

import (
	"net"

	"sniproxy/internal/buffer"
)

// endpoint is a (socket, peer-address, buffer) triple per spec §3. The
// buffer holds bytes read FROM this endpoint awaiting transmission to
// the peer endpoint: client.buf carries client->server traffic, and
// server.buf carries server->client traffic.
type endpoint struct {
	conn *net.TCPConn
	fd   int
	addr net.Addr
	buf  *buffer.Buffer
	open bool
}

func (e *endpoint) Fd() int { return e.fd }

func newEndpoint(conn *net.TCPConn, capacity int) (*endpoint, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return nil, ctrlErr
	}
	return &endpoint{
		conn: conn,
		fd:   fd,
		addr: conn.RemoteAddr(),
		buf:  buffer.New(capacity),
		open: true,
	}, nil
}

// close closes the underlying socket exactly once. Per spec §4.5, the
// caller is responsible for observing state before closing; close
// itself only guards against a double close of the same endpoint.
func (e *endpoint) close() error {
	if !e.open {
		return nil
	}
	e.open = false
	return e.conn.Close()
}
