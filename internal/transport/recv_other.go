//go:build !unix

package transport

import (
	"errors"
	"net"
	"os"
	"time"
)

// pollDeadline bounds the fallback read when no non-blocking recv exists.
const pollDeadline = time.Millisecond

// TryRecvFrom reads one datagram, waiting at most a millisecond.
func TryRecvFrom(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, bool, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		return 0, nil, false, err
	}
	defer conn.SetReadDeadline(time.Time{})

	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, from, true, nil
}
