/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package udp implements the datagram capability over a UDP socket.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
	socket "github.com/srediag/plugin-dgram/internal/transport"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// Config describes the local endpoint.
type Config struct {
	Network         string
	Address         string
	ReadBuffer      int
	WriteBuffer     int
	ReuseAddr       bool
	BindRetries     uint64
	BindBackoff     time.Duration
	MaxDatagramSize int
	ReceiveTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Network:         "udp",
		Address:         "0.0.0.0:0",
		BindRetries:     3,
		BindBackoff:     100 * time.Millisecond,
		MaxDatagramSize: MaxDatagramSize,
		ReceiveTimeout:  time.Second,
	}
}

func (c Config) Verify() error {
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("network %q: %w", c.Network, api.ErrInvalidArgument)
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("address %q: %w", c.Address, api.ErrInvalidArgument)
	}
	if c.MaxDatagramSize <= 0 || c.MaxDatagramSize > MaxDatagramSize {
		return fmt.Errorf("max datagram size %d: %w", c.MaxDatagramSize, api.ErrInvalidArgument)
	}
	if c.ReadBuffer < 0 || c.WriteBuffer < 0 || c.ReceiveTimeout < 0 || c.BindBackoff < 0 {
		return fmt.Errorf("negative socket setting: %w", api.ErrInvalidArgument)
	}
	return nil
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// Transport is a UDP DatagramTransport. Send may be called from any
// goroutine; Receive and TryReceive share one read buffer and must be
// called from a single goroutine.
type Transport struct {
	cfg     Config
	log     *zap.Logger
	timeout atomic.Int64

	mu     sync.RWMutex
	conn   *net.UDPConn
	closed bool

	buf []byte
}

var (
	_ api.DatagramTransport   = (*Transport)(nil)
	_ api.NonBlockingReceiver = (*Transport)(nil)
)

func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg: cfg,
		log: zap.NewNop(),
		buf: make([]byte, cfg.MaxDatagramSize),
	}
	t.timeout.Store(int64(cfg.ReceiveTimeout))
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start binds the socket, retrying with exponential backoff.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("start: %w", api.ErrTransportUnavailable)
	}
	if t.conn != nil {
		return nil
	}

	lc := socket.ListenConfig(socket.SocketOptions{
		ReuseAddr:   t.cfg.ReuseAddr,
		ReadBuffer:  t.cfg.ReadBuffer,
		WriteBuffer: t.cfg.WriteBuffer,
	})
	bind := func() (*net.UDPConn, error) {
		pc, err := lc.ListenPacket(context.Background(), t.cfg.Network, t.cfg.Address)
		if err != nil {
			return nil, err
		}
		conn, ok := pc.(*net.UDPConn)
		if !ok {
			_ = pc.Close()
			return nil, backoff.Permanent(fmt.Errorf("unexpected packet conn %T", pc))
		}
		return conn, nil
	}
	policy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(t.cfg.BindBackoff)),
		t.cfg.BindRetries,
	)
	conn, err := backoff.RetryNotifyWithData(bind, policy, func(err error, next time.Duration) {
		t.log.Warn("udp bind failed, retrying",
			zap.String("address", t.cfg.Address), zap.Duration("backoff", next), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", api.ErrBindFailure, t.cfg.Network, t.cfg.Address, err)
	}
	if err := socket.Tune(conn, socket.SocketOptions{ReadBuffer: t.cfg.ReadBuffer, WriteBuffer: t.cfg.WriteBuffer}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: tune socket: %w", api.ErrBindFailure, err)
	}
	t.conn = conn
	t.log.Info("udp transport bound", zap.Stringer("local", conn.LocalAddr()))
	return nil
}

// Stop closes the socket. The transport can be started again.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeConnLocked()
}

func (t *Transport) closeConnLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeConnLocked()
}

func (t *Transport) current() (*net.UDPConn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, api.ErrTransportUnavailable
	}
	return t.conn, nil
}

func (t *Transport) Send(data []byte, host string, port int) (bool, error) {
	conn, err := t.current()
	if err != nil {
		return false, fmt.Errorf("send: %w", err)
	}
	if len(data) > t.cfg.MaxDatagramSize {
		return false, fmt.Errorf("datagram of %d bytes: %w", len(data), api.ErrInvalidArgument)
	}
	addr, err := t.resolve(host, port)
	if err != nil {
		return false, err
	}
	n, err := conn.WriteToUDPAddrPort(data, addr)
	if err != nil {
		return false, fmt.Errorf("send to %s: %w", addr, err)
	}
	return n == len(data), nil
}

func (t *Transport) resolve(host string, port int) (netip.AddrPort, error) {
	if port < 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("port %d: %w", port, api.ErrInvalidArgument)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}
	ua, err := net.ResolveUDPAddr(t.cfg.Network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// Receive waits up to the receive timeout for one datagram. A zero timeout
// makes it behave like TryReceive.
func (t *Transport) Receive() (api.Packet, bool, error) {
	timeout := time.Duration(t.timeout.Load())
	if timeout <= 0 {
		return t.TryReceive()
	}
	conn, err := t.current()
	if err != nil {
		return api.Packet{}, false, fmt.Errorf("receive: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return api.Packet{}, false, err
	}
	// TryReceive fails at once while an expired deadline is set
	defer conn.SetReadDeadline(time.Time{})

	n, from, err := conn.ReadFromUDP(t.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return api.Packet{}, false, nil
		}
		return api.Packet{}, false, fmt.Errorf("receive: %w", err)
	}
	return t.packet(n, from), true, nil
}

// TryReceive returns immediately when nothing is queued.
func (t *Transport) TryReceive() (api.Packet, bool, error) {
	conn, err := t.current()
	if err != nil {
		return api.Packet{}, false, fmt.Errorf("receive: %w", err)
	}
	n, from, ok, err := socket.TryRecvFrom(conn, t.buf)
	if err != nil {
		return api.Packet{}, false, fmt.Errorf("receive: %w", err)
	}
	if !ok {
		return api.Packet{}, false, nil
	}
	return t.packet(n, from), true, nil
}

func (t *Transport) packet(n int, from *net.UDPAddr) api.Packet {
	data := make([]byte, n)
	copy(data, t.buf[:n])
	return api.Packet{Data: data, Addr: api.Addr{Host: from.IP.String(), Port: from.Port}}
}

func (t *Transport) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.timeout.Store(int64(d))
}

func (t *Transport) Timeout() time.Duration { return time.Duration(t.timeout.Load()) }

func (t *Transport) IsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

func (t *Transport) LocalAddr() (api.Addr, error) {
	conn, err := t.current()
	if err != nil {
		return api.Addr{}, err
	}
	ua := conn.LocalAddr().(*net.UDPAddr)
	return api.Addr{Host: ua.IP.String(), Port: ua.Port}, nil
}
