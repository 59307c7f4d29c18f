// Package transporttest provides an in-memory DatagramTransport for tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/srediag/plugin-dgram/api"
)

// Datagram records one Send call.
type Datagram struct {
	Data []byte
	Host string
	Port int
}

// Transport is a scripted capability. Queue inbound packets with Enqueue and
// inspect outbound ones with Sent. Hooks override the default behaviour.
type Transport struct {
	mu sync.Mutex

	StartErr   error
	StopErr    error
	SendFunc   func(data []byte, host string, port int) (bool, error)
	ReceiveErr error
	// ReceivePanic makes Receive panic with this value when non-nil.
	ReceivePanic any

	startCalls   int
	stopCalls    int
	closeCalls   int
	receiveCalls int
	started      bool
	closed       bool
	timeout      time.Duration
	inbound      []api.Packet
	sent         []Datagram
	local        api.Addr
}

var _ api.DatagramTransport = (*Transport)(nil)

func New() *Transport {
	return &Transport{local: api.Addr{Host: "127.0.0.1", Port: 9000}}
}

func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startCalls++
	if t.StartErr != nil {
		return t.StartErr
	}
	t.started = true
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	t.started = false
	return t.StopErr
}

func (t *Transport) Send(data []byte, host string, port int) (bool, error) {
	t.mu.Lock()
	fn := t.SendFunc
	t.mu.Unlock()
	if fn != nil {
		return fn(data, host, port)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return false, api.ErrTransportUnavailable
	}
	t.sent = append(t.sent, Datagram{Data: append([]byte(nil), data...), Host: host, Port: port})
	return true, nil
}

func (t *Transport) Receive() (api.Packet, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiveCalls++
	if t.ReceivePanic != nil {
		panic(t.ReceivePanic)
	}
	if t.ReceiveErr != nil {
		return api.Packet{}, false, t.ReceiveErr
	}
	if len(t.inbound) == 0 {
		return api.Packet{}, false, nil
	}
	pkt := t.inbound[0]
	t.inbound = t.inbound[1:]
	return pkt, true, nil
}

func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

func (t *Transport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *Transport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

func (t *Transport) LocalAddr() (api.Addr, error) {
	return t.local, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	t.closed = true
	t.started = false
	return nil
}

// Enqueue makes packets available to Receive in order.
func (t *Transport) Enqueue(pkts ...api.Packet) {
	t.mu.Lock()
	t.inbound = append(t.inbound, pkts...)
	t.mu.Unlock()
}

func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbound)
}

// Sent returns a copy of every successful send.
func (t *Transport) Sent() []Datagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Datagram(nil), t.sent...)
}

// Calls reports how often each lifecycle method and Receive ran.
func (t *Transport) Calls() (starts, stops, closes, receives int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startCalls, t.stopCalls, t.closeCalls, t.receiveCalls
}

// NonBlocking wraps a Transport so it also offers TryReceive.
type NonBlocking struct {
	*Transport
	tries int
}

var _ api.NonBlockingReceiver = (*NonBlocking)(nil)

func (n *NonBlocking) TryReceive() (api.Packet, bool, error) {
	n.mu.Lock()
	n.tries++
	n.mu.Unlock()
	return n.Receive()
}

func (n *NonBlocking) Tries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tries
}
