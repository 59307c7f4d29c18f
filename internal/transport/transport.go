// Package transport contains low level socket helpers for datagram
// transports: listen-time socket options and non-blocking receive.
package transport

import (
	"net"
)

// SocketOptions are applied to a datagram socket before it is bound.
type SocketOptions struct {
	ReuseAddr   bool
	ReadBuffer  int
	WriteBuffer int
}

// ListenConfig returns a net.ListenConfig whose Control hook applies opts on
// platforms that support it. Call Tune on the resulting connection as well;
// it covers the remaining platforms.
func ListenConfig(opts SocketOptions) net.ListenConfig {
	return net.ListenConfig{Control: control(opts)}
}
