//go:build linux

package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epoller is a level-triggered epoll(7) poller.
type epoller struct {
	epfd       int
	registered map[int]Interest
	raw        []unix.EpollEvent
}

// New creates the platform poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epoller{
		epfd:       epfd,
		registered: make(map[int]Interest),
	}, nil
}

func (p *epoller) Set(fd int, interest Interest) error {
	cur, ok := p.registered[fd]
	if interest == 0 {
		if !ok {
			return nil
		}
		delete(p.registered, fd)
		// the descriptor may already be closed, which drops it from the set
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
			!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
		return nil
	}
	if ok && cur == interest {
		return nil
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if ok {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	p.registered[fd] = interest
	return nil
}

func (p *epoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:len(events)], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.raw[i]
		var ready Interest
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ready |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= Writable
		}
		// hangup and error wake both directions so the owner sees the failure
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= Readable | Writable
		}
		events[i] = Event{FD: int(ev.Fd), Ready: ready}
	}
	return n, nil
}

func (p *epoller) Close() error {
	p.registered = nil
	return unix.Close(p.epfd)
}

func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}
