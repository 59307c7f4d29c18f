// Package poll contains the platform readiness pollers used by the reactor.
package poll

import (
	"errors"
	"time"
)

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports the readiness of one descriptor.
type Event struct {
	FD    int
	Ready Interest
}

// Poller multiplexes readiness of many descriptors.
//
// Implementations are not safe for concurrent use; the reactor owns its
// poller exclusively.
type Poller interface {
	// Set replaces the interest set of fd. An empty set removes fd and is a
	// no-op for unknown descriptors.
	Set(fd int, interest Interest) error
	// Wait blocks for at most timeout (forever when negative) and fills
	// events. It returns the number of events written.
	Wait(events []Event, timeout time.Duration) (int, error)
	Close() error
}

var errUnsupported = errors.New("poll: readiness polling is not supported on this platform")

// timeoutMillis converts a wait duration into the millisecond argument of
// poll-style syscalls. Sub-millisecond waits round up so callers never spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
