package reactor

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"sniproxy/internal/metrics"
	"sniproxy/internal/netpoll"
	"sniproxy/internal/reactorerr"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	poller, err := netpoll.NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	t.Cleanup(func() { poller.Close() })
	return &Listener{
		log:     testLogEntry(),
		table:   newTable(),
		metrics: metrics.New(prometheus.NewRegistry()),
		poller:  poller,
	}
}

func mustTCPConn(t *testing.T, c net.Conn) *net.TCPConn {
	t.Helper()
	tc, ok := c.(*net.TCPConn)
	if !ok {
		t.Fatalf("not a *net.TCPConn: %T", c)
	}
	return tc
}

func recvUntilNonEmpty(t *testing.T, e *endpoint) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		n, err := e.buf.Recv(e)
		if err != nil {
			if reactorerr.Is(err, reactorerr.Transient) {
				continue
			}
			t.Fatalf("Recv: %v", err)
		}
		if n > 0 {
			return
		}
	}
	t.Fatal("Recv never observed data")
}

// TestHandleServerWritableNoOpAfterSameTickServerClose reproduces the
// EPOLLHUP reentrancy scenario: epoll reports a closed fd as both
// Readable and Writable, so within one dispatch pass
// handleServerReadable can already have observed the close and moved
// the connection to SERVER_CLOSED before handleServerWritable runs for
// the same event. handleServerWritable must treat that as nothing to
// do rather than writing client.buf through the now-closed server
// socket and collapsing the half-close drain early.
func TestHandleServerWritableNoOpAfterSameTickServerClose(t *testing.T) {
	l := newTestListener(t)

	clientPeer, proxyClientSide := loopbackPair(t)
	defer clientPeer.Close()
	proxyServerSide, backendPeer := loopbackPair(t)

	clientEp, err := newEndpoint(mustTCPConn(t, proxyClientSide), 64)
	if err != nil {
		t.Fatalf("newEndpoint(client): %v", err)
	}
	serverEp, err := newEndpoint(mustTCPConn(t, proxyServerSide), 64)
	if err != nil {
		t.Fatalf("newEndpoint(server): %v", err)
	}

	c := newConnection(l, clientEp)
	c.server = serverEp
	c.state = StateConnected
	l.table.pushFront(c)

	// Bytes the client sent that are still pending relay to the backend.
	if _, err := clientPeer.Write([]byte("still-to-send")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	recvUntilNonEmpty(t, c.client)
	pending := c.client.buf.Len()
	if pending == 0 {
		t.Fatal("fixture setup did not populate client.buf")
	}

	// Simulate the backend going away and handleServerReadable already
	// having reacted to it earlier in this same dispatch pass.
	backendPeer.Close()
	l.onServerGone(c, "server_recv_error")
	if c.state != StateServerClosed {
		t.Fatalf("state = %s, want SERVER_CLOSED", c.state)
	}

	l.handleServerWritable(c)

	if c.state != StateServerClosed {
		t.Fatalf("handleServerWritable changed state to %s, want it to stay SERVER_CLOSED", c.state)
	}
	if c.client.buf.Len() != pending {
		t.Fatalf("handleServerWritable drained client.buf from %d to %d bytes on a dead server leg", pending, c.client.buf.Len())
	}
}

// TestHandleClientWritableNoOpAfterSameTickClientClose is the mirror of
// the above for the client leg: handleClientWritable must not write
// server.buf through a client socket that handleClientReadable (or
// onClientGone) already closed and transitioned away from this tick.
func TestHandleClientWritableNoOpAfterSameTickClientClose(t *testing.T) {
	l := newTestListener(t)

	clientPeer, proxyClientSide := loopbackPair(t)
	proxyServerSide, backendPeer := loopbackPair(t)
	defer backendPeer.Close()

	clientEp, err := newEndpoint(mustTCPConn(t, proxyClientSide), 64)
	if err != nil {
		t.Fatalf("newEndpoint(client): %v", err)
	}
	serverEp, err := newEndpoint(mustTCPConn(t, proxyServerSide), 64)
	if err != nil {
		t.Fatalf("newEndpoint(server): %v", err)
	}

	c := newConnection(l, clientEp)
	c.server = serverEp
	c.state = StateConnected
	l.table.pushFront(c)

	// Bytes the backend sent that are still pending relay to the client.
	if _, err := backendPeer.Write([]byte("reply-pending")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	recvUntilNonEmpty(t, c.server)
	pending := c.server.buf.Len()
	if pending == 0 {
		t.Fatal("fixture setup did not populate server.buf")
	}

	clientPeer.Close()
	l.onClientGone(c, "client_recv_error")
	if c.state != StateClientClosed {
		t.Fatalf("state = %s, want CLIENT_CLOSED", c.state)
	}

	l.handleClientWritable(c)

	if c.state != StateClientClosed {
		t.Fatalf("handleClientWritable changed state to %s, want it to stay CLIENT_CLOSED", c.state)
	}
	if c.server.buf.Len() != pending {
		t.Fatalf("handleClientWritable drained server.buf from %d to %d bytes on a dead client leg", pending, c.server.buf.Len())
	}
}
