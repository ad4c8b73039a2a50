package reactor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"sniproxy/internal/reactorerr"
	"sniproxy/internal/sniff"
)

// Accept drains every connection the kernel has queued on the listening
// socket (spec §4.4), stopping at EAGAIN. It accepts on the raw
// listening fd via accept4(2) rather than net.TCPListener.AcceptTCP:
// AcceptTCP blocks the calling goroutine until a connection arrives,
// which would stall every other connection's readiness tick; accept4
// with SOCK_NONBLOCK returns immediately once the backlog is drained,
// matching the rest of the reactor's non-blocking, poller-driven I/O.
//
// A connection that would push the table past maxConnections is
// accepted and immediately closed so the backlog does not wedge; this
// is the Resource refusal path rather than a seventh state.
func (l *Listener) Accept(maxConnections int) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			l.log.WithError(err).Warn("accept failed")
			return
		}
		if l.table.Len() >= maxConnections {
			l.log.WithField("max_connections", maxConnections).Warn("refusing connection: table full")
			l.metrics.AcceptRefused.WithLabelValues("handle_range").Inc()
			unix.Close(fd)
			continue
		}
		conn, err := wrapAcceptedFd(fd)
		if err != nil {
			l.log.WithError(err).Warn("refusing connection: endpoint setup failed")
			l.metrics.AcceptRefused.WithLabelValues("accept_error").Inc()
			unix.Close(fd)
			continue
		}
		ep, err := newEndpoint(conn, l.bufferCapacity)
		if err != nil {
			l.log.WithError(err).Warn("refusing connection: endpoint setup failed")
			l.metrics.AcceptRefused.WithLabelValues("accept_error").Inc()
			conn.Close()
			continue
		}
		c := newConnection(l, ep)
		l.table.pushFront(c)
		l.registerClientFd(c)
		l.metrics.ConnectionsAccepted.Inc()
		l.metrics.ConnectionsActive.Set(float64(l.table.Len()))
		c.log.Debug("accepted")
	}
}

// wrapAcceptedFd turns a raw accept4'd fd into a *net.TCPConn so the
// rest of the reactor can keep using net.TCPConn/RemoteAddr; the
// SyscallConn extracted by newEndpoint then drives all actual I/O
// directly against the same fd, bypassing the Go runtime netpoller.
func wrapAcceptedFd(fd int) (*net.TCPConn, error) {
	f := os.NewFile(uintptr(fd), "accepted")
	netConn, err := net.FileConn(f)
	f.Close() // FileConn dup'd the fd; release our copy.
	if err != nil {
		return nil, err
	}
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		netConn.Close()
		return nil, fmt.Errorf("accepted fd is not a TCP connection")
	}
	return tcpConn, nil
}

// registerClientFd / registerServerFd / registerDialFd keep the fd->connection
// maps the dispatch phase uses to route readiness events in O(1).
func (l *Listener) registerClientFd(c *connection) {
	if l.clients == nil {
		l.clients = make(map[int]*connection)
	}
	l.clients[c.client.fd] = c
}

func (l *Listener) registerServerFd(c *connection) {
	if l.servers == nil {
		l.servers = make(map[int]*connection)
	}
	l.servers[c.server.fd] = c
}

func (l *Listener) registerDialFd(c *connection) {
	if l.dials == nil {
		l.dials = make(map[int]*connection)
	}
	l.dials[c.dial.fd] = c
}

func (l *Listener) unregisterClientFd(c *connection) {
	if l.clients != nil {
		delete(l.clients, c.client.fd)
	}
	_ = l.poller.Remove(c.client.fd)
}

func (l *Listener) unregisterServerFd(c *connection) {
	if c.server != nil && l.servers != nil {
		delete(l.servers, c.server.fd)
	}
	if c.server != nil {
		_ = l.poller.Remove(c.server.fd)
	}
}

func (l *Listener) unregisterDialFd(c *connection) {
	if c.dial != nil && l.dials != nil {
		delete(l.dials, c.dial.fd)
	}
	if c.dial != nil {
		_ = l.poller.Remove(c.dial.fd)
	}
}

// handleClientReadable services one readiness tick's worth of bytes from
// the client into client.buf, then attempts the peek-parse-dial handoff
// of spec §4.3 whenever the connection is still ACCEPTED with no dial in
// flight.
func (l *Listener) handleClientReadable(c *connection) {
	if c.state != StateAccepted && c.state != StateConnected {
		return
	}
	_, err := c.client.buf.Recv(c.client)
	if err != nil {
		if reactorerr.Is(err, reactorerr.Transient) {
			return
		}
		l.onClientGone(c, "client_recv_error")
		return
	}
	l.table.moveToFront(c)
	if c.state == StateAccepted && c.dial == nil {
		l.tryHandoff(c)
	}
}

// tryHandoff attempts the routing-key parse and, on success, starts the
// non-blocking backend dial. It never consumes client.buf: the parser
// only peeks, and the bytes stay queued to be relayed once CONNECTED.
func (l *Listener) tryHandoff(c *connection) {
	window := make([]byte, sniff.MaxWindow)
	n := c.client.buf.Peek(window)
	verdict, res := l.parser(window[:n])
	switch verdict {
	case sniff.NeedMore:
		if n >= sniff.MaxWindow {
			l.closeConnection(c, "parse_malformed")
		}
		return
	case sniff.NoHostname, sniff.Malformed:
		l.closeConnection(c, "parse_"+verdict.String())
		return
	case sniff.Ok:
		c.hostname = res.Hostname
		c.protocol = res.Protocol
		c.log = c.log.WithField("hostname", res.Hostname)
		backend, ok := l.resolver.Resolve(res)
		if !ok {
			c.log.WithField("hostname", res.Hostname).Warn("no route for hostname")
			l.closeConnection(c, "no_route")
			return
		}
		l.startDial(c, backend)
	}
}

// startDial opens a non-blocking TCP connect to backend (spec §4.3's
// "dial" sub-stage, modeled as part of ACCEPTED rather than a new
// state) and registers the raw fd for write-readiness.
func (l *Listener) startDial(c *connection, backend string) {
	fd, err := dialNonBlocking(backend)
	if err != nil {
		c.log.WithError(err).WithField("backend", backend).Warn("dial setup failed")
		l.closeConnection(c, "dial_failure")
		return
	}
	c.dial = &pendingDial{fd: fd, backend: backend}
	l.registerDialFd(c)
	if err := l.poller.Add(fd, false, true); err != nil {
		c.log.WithError(err).Warn("dial registration failed")
		unix.Close(fd)
		l.unregisterDialFd(c)
		c.dial = nil
		l.closeConnection(c, "dial_failure")
	}
}

// dialNonBlocking opens a non-blocking socket and starts connect(2),
// returning immediately with EINPROGRESS treated as success: completion
// is observed later as a write-readiness event.
func dialNonBlocking(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		domain = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(s.Addr[:], tcpAddr.IP.To16())
		sa = s
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// handleDialWritable observes a dial fd becoming writable, which under
// connect(2) semantics means the attempt has resolved one way or
// another; SO_ERROR distinguishes success from failure.
func (l *Listener) handleDialWritable(c *connection) {
	if c.dial == nil {
		return
	}
	fd := c.dial.fd
	backend := c.dial.backend
	errno, sockErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	l.unregisterDialFd(c)
	if sockErr != nil || errno != 0 {
		unix.Close(fd)
		c.dial = nil
		c.log.WithField("backend", backend).Warn("backend dial failed")
		l.closeConnection(c, "dial_failure")
		return
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("backend-%s", c.id))
	netConn, err := net.FileConn(f)
	f.Close() // FileConn dup'd the fd; release our copy.
	if err != nil {
		unix.Close(fd)
		c.dial = nil
		l.closeConnection(c, "dial_failure")
		return
	}
	tcpConn, ok := netConn.(*net.TCPConn)
	if !ok {
		netConn.Close()
		c.dial = nil
		l.closeConnection(c, "dial_failure")
		return
	}
	ep, err := newEndpoint(tcpConn, l.bufferCapacity)
	if err != nil {
		tcpConn.Close()
		c.dial = nil
		l.closeConnection(c, "dial_failure")
		return
	}
	c.server = ep
	c.dial = nil
	c.state = StateConnected
	l.registerServerFd(c)
	l.table.moveToFront(c)
	c.log.WithField("backend", backend).Debug("backend connected")
}

// handleServerReadable drains server->client bytes into server.buf.
func (l *Listener) handleServerReadable(c *connection) {
	if c.server == nil || !c.state.ServerSocketValid() {
		return
	}
	_, err := c.server.buf.Recv(c.server)
	if err != nil {
		if reactorerr.Is(err, reactorerr.Transient) {
			return
		}
		l.onServerGone(c, "server_recv_error")
		return
	}
	l.table.moveToFront(c)
}

// handleClientWritable drains server->client bytes (server.buf) out the
// client socket, and on SERVER_CLOSED drives the half-close drain: once
// server.buf empties, the client socket closes and the connection
// reaches CLOSED.
//
// Gated on ClientSocketValid() as well as c.server != nil, so only
// CONNECTED and SERVER_CLOSED (the states with both a valid client
// socket and a server buffer to drain into it) get through, rather
// than on c.server != nil alone: EPOLLHUP sets both Readable and
// Writable, so a peer close can dispatch handleClientReadable (which
// transitions the state and closes a socket) and this handler for the
// same event in the same tick. Without the state check, a client-side
// close observed this tick would fall through here, write to the
// now-closed client fd, and tear the whole connection down before the
// still-pending client.buf→server drain had a chance to run.
func (l *Listener) handleClientWritable(c *connection) {
	if c.server == nil || !c.state.ClientSocketValid() {
		return
	}
	if c.server.buf.Len() > 0 {
		n, err := c.server.buf.Send(c.client)
		if err != nil && !reactorerr.Is(err, reactorerr.Transient) {
			l.onClientGone(c, "client_send_error")
			return
		}
		if n > 0 {
			l.metrics.BytesRelayed.WithLabelValues("server_to_client").Add(float64(n))
		}
		l.table.moveToFront(c)
	}
	if c.state == StateServerClosed && c.server.buf.Len() == 0 {
		l.closeConnection(c, "drained")
	}
}

// handleServerWritable drains client->server bytes (client.buf) out the
// server socket, and on CLIENT_CLOSED drives the symmetric half-close
// drain toward the server.
//
// Gated on ServerSocketValid() (CONNECTED/CLIENT_CLOSED) for the same
// EPOLLHUP-reentrancy reason as handleClientWritable above, mirrored
// for the server leg.
func (l *Listener) handleServerWritable(c *connection) {
	if c.server == nil || !c.state.ServerSocketValid() {
		return
	}
	if c.client.buf.Len() > 0 {
		n, err := c.client.buf.Send(c.server)
		if err != nil && !reactorerr.Is(err, reactorerr.Transient) {
			l.onServerGone(c, "server_send_error")
			return
		}
		if n > 0 {
			l.metrics.BytesRelayed.WithLabelValues("client_to_server").Add(float64(n))
		}
		l.table.moveToFront(c)
	}
	if c.state == StateClientClosed && c.client.buf.Len() == 0 {
		l.closeConnection(c, "drained")
	}
}

// onClientGone reacts to the client side failing or closing: if the
// server leg is live, fall back to CLIENT_CLOSED and drain whatever is
// still queued toward the server; otherwise the connection has nothing
// left to do and closes outright.
func (l *Listener) onClientGone(c *connection, reason string) {
	l.unregisterClientFd(c)
	c.client.close()
	if c.state == StateConnected && c.server != nil {
		c.state = StateClientClosed
		c.log.WithField("reason", reason).Info("client closed, draining to server")
		return
	}
	l.closeConnection(c, reason)
}

// onServerGone is the mirror of onClientGone for the backend leg.
func (l *Listener) onServerGone(c *connection, reason string) {
	l.unregisterServerFd(c)
	if c.server != nil {
		c.server.close()
	}
	if c.state == StateConnected {
		c.state = StateServerClosed
		c.log.WithField("reason", reason).Info("server closed, draining to client")
		return
	}
	l.closeConnection(c, reason)
}

// closeConnection tears down both legs unconditionally and marks the
// connection CLOSED; the next scheduler sweep removes it from the
// table.
func (l *Listener) closeConnection(c *connection, reason string) {
	if c.dial != nil {
		unix.Close(c.dial.fd)
		l.unregisterDialFd(c)
		c.dial = nil
	}
	l.unregisterClientFd(c)
	c.client.close()
	if c.server != nil {
		l.unregisterServerFd(c)
		c.server.close()
	}
	c.state = StateClosed
	l.metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
	if reason == "drained" {
		c.log.WithField("reason", reason).Debug("closed")
	} else {
		c.log.WithField("reason", reason).Info("closed")
	}
}

// sweepClosed removes every CLOSED connection from the table. Run once
// per tick after dispatch so removal never races a walk still in
// progress.
func (l *Listener) sweepClosed() {
	var toRemove []*connection
	l.table.forEach(func(c *connection) {
		if c.state == StateClosed {
			toRemove = append(toRemove, c)
		}
	})
	for _, c := range toRemove {
		l.table.remove(c)
	}
	l.metrics.ConnectionsActive.Set(float64(l.table.Len()))
}
