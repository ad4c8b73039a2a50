package reactor

import "sniproxy/internal/netpoll"

// Scheduler drives one Listener through alternating Phase R (Register)
// and Phase D (Dispatch) ticks (spec §4.2): recompute every fd's
// interest from current connection state, block for readiness, then
// react to whatever became ready. No goroutine is spawned per
// connection; everything below runs on the calling goroutine.
type Scheduler struct {
	listener       *Listener
	maxConnections int
	events         []netpoll.Event
}

// NewScheduler wraps listener with a fixed event-buffer scratch slice.
func NewScheduler(listener *Listener, maxConnections int) *Scheduler {
	return &Scheduler{
		listener:       listener,
		maxConnections: maxConnections,
		events:         make([]netpoll.Event, 0, 256),
	}
}

// Tick runs exactly one Register/Wait/Dispatch cycle. timeoutMs < 0
// blocks until at least one fd is ready.
func (s *Scheduler) Tick(timeoutMs int) error {
	l := s.listener
	s.registerPhase()
	events, err := l.poller.Wait(s.events[:0], timeoutMs)
	if err != nil {
		return err
	}
	s.dispatchPhase(events)
	l.sweepClosed()
	return nil
}

// registerPhase recomputes read/write interest for every live fd. The
// listening socket's interest never changes; every connection and
// in-flight dial are re-registered each tick because buffer occupancy
// (and therefore writability demand) changes every tick.
func (s *Scheduler) registerPhase() {
	l := s.listener
	l.table.forEach(func(c *connection) {
		if c.state == StateClosed {
			return
		}
		if c.client.open {
			_ = l.poller.Add(c.client.fd, c.clientReadInterest(), c.clientWriteInterest())
		}
		if c.server != nil && c.server.open {
			_ = l.poller.Add(c.server.fd, c.serverReadInterest(), c.serverWriteInterest())
		}
		if c.dial != nil {
			_ = l.poller.Add(c.dial.fd, false, true)
		}
	})
}

// dispatchPhase routes each ready fd to its handler, in the order the
// poller reported the events: a pending dial's writability, or a
// backend or client socket's read handler followed by its write
// handler. No further ordering between connections, or between the two
// sides of one connection, is applied. A ready listening socket is only
// noted during that pass; Accept() (which can itself create ACCEPTED
// connections) runs once after every other event, so a flood of new
// connections never starves connections already relaying.
func (s *Scheduler) dispatchPhase(events []netpoll.Event) {
	l := s.listener
	var listenerReady bool

	for _, ev := range events {
		if ev.Fd == l.fd {
			listenerReady = true
			continue
		}
		if c, ok := l.dials[ev.Fd]; ok && ev.Writable {
			l.handleDialWritable(c)
			continue
		}
		if c, ok := l.servers[ev.Fd]; ok {
			if ev.Readable {
				l.handleServerReadable(c)
			}
			if ev.Writable {
				l.handleServerWritable(c)
			}
			continue
		}
		if c, ok := l.clients[ev.Fd]; ok {
			if ev.Readable {
				l.handleClientReadable(c)
			}
			if ev.Writable {
				l.handleClientWritable(c)
			}
			continue
		}
	}

	if listenerReady {
		l.Accept(s.maxConnections)
	}
}
