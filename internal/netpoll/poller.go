// Package netpoll is the readiness primitive of §6: a set-based interface
// the scheduler uses to register read/write interest on raw socket
// file descriptors and block until some subset becomes ready.
//
// Go's net package already runs every socket through the runtime's own
// netpoller, but that poller is not addressable from application code in
// the register/wait/test shape the reactor needs. Poller instead talks
// to the kernel readiness facility directly (epoll on Linux, kqueue on
// BSD/Darwin) over raw, already-non-blocking file descriptors obtained
// via (*net.TCPConn).SyscallConn — the reactor drives its own event
// loop rather than depending on goroutines-per-connection.
package netpoll

// Event reports which directions became ready for a handle.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is the readiness primitive consumed by the scheduler (§6).
type Poller interface {
	// Add registers fd for the given interest, replacing any previous
	// registration for that fd.
	Add(fd int, read, write bool) error
	// Remove drops any registration for fd. Safe to call on an fd that
	// was never added.
	Remove(fd int) error
	// Wait blocks until at least one registered fd is ready, or the
	// timeout elapses (timeoutMs < 0 means block indefinitely), and
	// appends ready events to dst.
	Wait(dst []Event, timeoutMs int) ([]Event, error)
	// Close releases the underlying kernel object.
	Close() error
}
