//go:build darwin || freebsd || netbsd || openbsd

package netpoll

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the production Poller on BSD-family kernels.
type kqueuePoller struct {
	fd int
	// registered tracks the last (read, write) interest per fd so Add
	// can issue only the delta of EV_ADD/EV_DELETE changes kqueue needs.
	registered map[int][2]bool
}

// NewPoller constructs the platform readiness primitive.
func NewPoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{fd: fd, registered: make(map[int][2]bool)}, nil
}

func (p *kqueuePoller) Add(fd int, read, write bool) error {
	prev, had := p.registered[fd]
	var changes []unix.Kevent_t
	if !had || prev[0] != read {
		flag := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !read {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flag})
	}
	if !had || prev[1] != write {
		flag := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !write {
			flag = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flag})
	}
	p.registered[fd] = [2]bool{read, write}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Remove(fd int) error {
	if _, had := p.registered[fd]; !had {
		return nil
	}
	delete(p.registered, fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Wait(dst []Event, timeoutMs int) ([]Event, error) {
	events := make([]unix.Kevent_t, 256)
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1_000_000))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	byFd := make(map[int]Event)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		fd := int(e.Ident)
		ev, ok := byFd[fd]
		if !ok {
			ev = Event{Fd: fd}
			order = append(order, fd)
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		if e.Flags&unix.EV_EOF != 0 {
			ev.Readable = true
			ev.Writable = true
		}
		byFd[fd] = ev
	}
	for _, fd := range order {
		dst = append(dst, byFd[fd])
	}
	return dst, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
