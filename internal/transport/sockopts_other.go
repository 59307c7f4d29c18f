//go:build !unix

package transport

import (
	"errors"
	"net"
	"syscall"
)

func control(SocketOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}

// Tune applies the buffer sizes through the portable net API.
func Tune(conn *net.UDPConn, opts SocketOptions) error {
	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			return err
		}
	}
	if opts.WriteBuffer > 0 {
		return conn.SetWriteBuffer(opts.WriteBuffer)
	}
	return nil
}

func ReadBufferSize(*net.UDPConn) (int, error) {
	return 0, errors.New("transport: socket buffer size not available on this platform")
}
