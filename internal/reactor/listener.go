package reactor

import (
	"net"

	"github.com/sirupsen/logrus"

	"sniproxy/internal/metrics"
	"sniproxy/internal/netpoll"
	"sniproxy/internal/sniff"
)

// Parser is the external parser of spec §6: given bytes peeked (not
// consumed) from the client buffer, decide NeedMore / NoHostname /
// Malformed / Ok(hostname).
type Parser func(peeked []byte) (sniff.Verdict, sniff.Result)

// Resolver is the external resolver of spec §6: given the parsed
// routing key, choose a backend address. The core drives the actual
// non-blocking connect; Resolver only answers "where".
type Resolver interface {
	Resolve(res sniff.Result) (backendAddr string, ok bool)
}

// Listener is the external collaborator of spec §6: the listening
// socket, a Parser, and a Resolver. Every accepted Connection holds a
// non-owning back-reference to its Listener, which outlives every
// connection it accepted.
type Listener struct {
	ln       *net.TCPListener
	fd       int
	parser   Parser
	resolver Resolver

	bufferCapacity int

	poller netpoll.Poller
	table  *table

	// fd->connection indexes let the dispatch phase route a readiness
	// event to its connection in O(1) instead of walking the table.
	clients map[int]*connection
	servers map[int]*connection
	dials   map[int]*connection

	metrics *metrics.Metrics
	log     *logrus.Entry

	// dumpReqs carries diagnostic-dump requests from other goroutines
	// (the admin HTTP server) into the reactor goroutine. Spec §5's "no
	// locks because there is no sharing" premise means table/buffer
	// state must never be read from outside the goroutine that mutates
	// it; ServiceDumpRequests drains this channel between ticks instead.
	dumpReqs chan dumpRequest
}

// NewListener binds addr and prepares the core (spec §6 init()).
func NewListener(addr string, parser Parser, resolver Resolver, bufferCapacity int, poller netpoll.Poller, m *metrics.Metrics, log *logrus.Entry) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	raw, err := ln.SyscallConn()
	if err != nil {
		ln.Close()
		return nil, err
	}
	var fd int
	if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		ln.Close()
		return nil, ctrlErr
	}
	if err := poller.Add(fd, true, false); err != nil {
		ln.Close()
		return nil, err
	}
	return &Listener{
		ln:             ln,
		fd:             fd,
		parser:         parser,
		resolver:       resolver,
		bufferCapacity: bufferCapacity,
		poller:         poller,
		table:          newTable(),
		metrics:        m,
		log:            log,
		dumpReqs:       make(chan dumpRequest, 8),
	}, nil
}

// Addr returns the bound listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close releases the listening socket. It does not touch live
// connections: their sockets stay open and they stay in the table.
func (l *Listener) Close() error {
	_ = l.poller.Remove(l.fd)
	return l.ln.Close()
}
