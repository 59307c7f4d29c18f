//go:build unix && !linux

package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller rebuilds a poll(2) descriptor set on every wait.
type pollPoller struct {
	registered map[int]Interest
	fds        []unix.PollFd
}

// New creates the platform poller.
func New() (Poller, error) {
	return &pollPoller{registered: make(map[int]Interest)}, nil
}

func (p *pollPoller) Set(fd int, interest Interest) error {
	if interest == 0 {
		delete(p.registered, fd)
		return nil
	}
	p.registered[fd] = interest
	return nil
}

func (p *pollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	p.fds = p.fds[:0]
	for fd, interest := range p.registered {
		pfd := unix.PollFd{Fd: int32(fd)}
		if interest&Readable != 0 {
			pfd.Events |= unix.POLLIN
		}
		if interest&Writable != 0 {
			pfd.Events |= unix.POLLOUT
		}
		p.fds = append(p.fds, pfd)
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	count := 0
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		if count == len(events) {
			break
		}
		var ready Interest
		if pfd.Revents&unix.POLLIN != 0 {
			ready |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			ready |= Writable
		}
		if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready |= Readable | Writable
		}
		events[count] = Event{FD: int(pfd.Fd), Ready: ready}
		count++
	}
	return count, nil
}

func (p *pollPoller) Close() error {
	p.registered = nil
	p.fds = nil
	return nil
}
