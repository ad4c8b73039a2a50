//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// epollPoller is the production Poller on Linux.
type epollPoller struct {
	fd int
}

// NewPoller constructs the platform readiness primitive.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{fd: fd}, nil
}

func (p *epollPoller) eventsFor(read, write bool) uint32 {
	var events uint32
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return events
}

func (p *epollPoller) Add(fd int, read, write bool) error {
	ev := &unix.EpollEvent{Events: p.eventsFor(read, write), Fd: int32(fd)}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, ev)
	if err != nil {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev)
	}
	return err
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(dst []Event, timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.fd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
