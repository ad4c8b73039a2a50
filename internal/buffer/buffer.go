// Package buffer implements the fixed-capacity FIFO byte buffer each
// connection endpoint uses to hold bytes read from one peer awaiting
// transmission to the other.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"

	"sniproxy/internal/reactorerr"
)

// Socket is the narrow surface the Buffer needs from a non-blocking
// socket: its raw file descriptor. Production sockets are obtained via
// net.TCPConn.SyscallConn and kept in non-blocking mode by the caller;
// the Buffer never touches the Go runtime netpoller directly so that
// readiness is driven exclusively by the reactor's own poller.
type Socket interface {
	Fd() int
}

// Buffer is a ring of fixed capacity. length is always in [0, capacity];
// peek never advances head, recv advances tail, send advances head.
type Buffer struct {
	data     []byte
	capacity int
	head     int // index of first unconsumed byte
	length   int // number of valid bytes starting at head
}

// New allocates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("buffer: capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity), capacity: capacity}
}

// Capacity returns the fixed capacity this Buffer was constructed with.
func (b *Buffer) Capacity() int { return b.capacity }

// Room returns the number of bytes that can still be received.
func (b *Buffer) Room() int { return b.capacity - b.length }

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int { return b.length }

// idx maps a logical offset from head into the underlying ring.
func (b *Buffer) idx(off int) int {
	i := b.head + off
	if i >= b.capacity {
		i -= b.capacity
	}
	return i
}

// Peek copies up to min(len(dst), Len()) bytes from the head without
// consuming them. Repeated calls against an unmodified Buffer return
// identical prefixes.
func (b *Buffer) Peek(dst []byte) int {
	n := len(dst)
	if n > b.length {
		n = b.length
	}
	for i := 0; i < n; i++ {
		dst[i] = b.data[b.idx(i)]
	}
	return n
}

// Recv reads from sock into the tail of the buffer. It returns the
// number of bytes appended. A zero-byte read (orderly peer close) and
// any non-transient error are reported as *reactorerr.Error with Kind
// Permanent; would-block/EINTR/EAGAIN are reported as Kind Transient.
// Partial reads are normal and are not errors.
func (b *Buffer) Recv(sock Socket) (int, error) {
	room := b.Room()
	if room == 0 {
		return 0, nil
	}
	tail := b.idx(b.length)
	if tail+room <= b.capacity {
		n, err := unix.Read(sock.Fd(), b.data[tail:tail+room])
		if err != nil {
			if isTransient(err) {
				return 0, reactorerr.New(reactorerr.Transient, "buffer.recv", err)
			}
			return 0, reactorerr.New(reactorerr.Permanent, "buffer.recv", err)
		}
		if n == 0 {
			return 0, reactorerr.New(reactorerr.Permanent, "buffer.recv", errors.New("peer closed"))
		}
		b.length += n
		return n, nil
	}

	// The free region wraps: read the physical tail segment, then the
	// head segment. Once the first read lands bytes in b.data, they must
	// be committed before this function returns by any path, even if the
	// second read fails or would block — the next Recv recomputes tail
	// from length and would silently overwrite them otherwise.
	first := b.capacity - tail
	n, err := unix.Read(sock.Fd(), b.data[tail:b.capacity])
	if err != nil {
		if isTransient(err) {
			return 0, reactorerr.New(reactorerr.Transient, "buffer.recv", err)
		}
		return 0, reactorerr.New(reactorerr.Permanent, "buffer.recv", err)
	}
	if n == 0 {
		return 0, reactorerr.New(reactorerr.Permanent, "buffer.recv", errors.New("peer closed"))
	}
	total := n
	if n == first && room > first {
		if n2, err2 := unix.Read(sock.Fd(), b.data[0:room-first]); err2 == nil && n2 > 0 {
			total += n2
		}
		// A second-read error, would-block, or orderly close here is not
		// reported: total bytes from the first read are still a valid
		// partial read, and the next Recv will observe the same
		// condition against a shorter window.
	}
	b.length += total
	return total, nil
}

// Send writes from the head of the buffer to sock and advances head by
// the number of bytes accepted. A short write is not an error.
func (b *Buffer) Send(sock Socket) (int, error) {
	if b.length == 0 {
		return 0, nil
	}
	contig := b.capacity - b.head
	if contig > b.length {
		contig = b.length
	}
	n, err := unix.Write(sock.Fd(), b.data[b.head:b.head+contig])
	if err != nil {
		if isTransient(err) {
			return 0, reactorerr.New(reactorerr.Transient, "buffer.send", err)
		}
		return 0, reactorerr.New(reactorerr.Permanent, "buffer.send", err)
	}
	b.head = b.idx(n)
	b.length -= n
	return n, nil
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
