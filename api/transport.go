// Package api defines public API contracts for plugin-dgram.
package api

import (
	"net"
	"strconv"
	"time"
)

// Addr is a host/port pair as seen by a datagram transport.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Packet is one whole datagram together with the address it came from.
type Packet struct {
	Data []byte
	Addr Addr
}

// DatagramTransport is the capability the runtime drives. Implementations
// own binding, socket options and address resolution.
//
// Receive reports "no data" by returning ok == false with a nil error; a
// receive timeout is never an error.
type DatagramTransport interface {
	Start() error
	Stop() error
	Send(data []byte, host string, port int) (bool, error)
	Receive() (pkt Packet, ok bool, err error)
	SetTimeout(d time.Duration)
	IsReady() bool
	LocalAddr() (Addr, error)
	Close() error
}

// NonBlockingReceiver is implemented by transports able to return
// immediately when nothing is queued, independent of the configured
// receive timeout.
type NonBlockingReceiver interface {
	TryReceive() (pkt Packet, ok bool, err error)
}
