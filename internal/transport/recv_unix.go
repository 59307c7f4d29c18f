//go:build unix

package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TryRecvFrom reads one datagram without blocking. ok is false when the
// socket has nothing queued.
func TryRecvFrom(conn *net.UDPConn, buf []byte) (n int, from *net.UDPAddr, ok bool, err error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, false, err
	}
	var sa unix.Sockaddr
	var rerr error
	// returning true from the callback stops the runtime from parking on
	// EAGAIN, so the call never waits for readiness
	err = rc.Read(func(fd uintptr) bool {
		n, sa, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, nil, false, err
	}
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) || errors.Is(rerr, unix.EINTR) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("recvfrom: %w", rerr)
	}
	return n, sockaddrToUDP(sa), true, nil
}

func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		addr := &net.UDPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return &net.UDPAddr{}
	}
}
