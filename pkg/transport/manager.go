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

// Package transport ties a datagram capability, a reactor and a buffer
// manager into one event driven runtime.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/pkg/buffer"
	"github.com/srediag/plugin-dgram/pkg/lifecycle"
	"github.com/srediag/plugin-dgram/pkg/reactor"
)

const tracerName = "github.com/srediag/plugin-dgram/pkg/transport"

var (
	// ErrNotRunning is reported by Readiness and Liveness when the manager
	// is not running.
	ErrNotRunning = errors.New("transport manager not running")
	// ErrNotReady is reported by Readiness when the capability is not ready.
	ErrNotReady = errors.New("transport not ready")
	// ErrStalled is reported by Liveness when the loop stopped making passes.
	ErrStalled = errors.New("transport loop stalled")
)

var (
	_ api.Lifecycle = (*Manager)(nil)
	_ api.Health    = (*Manager)(nil)
)

// Manager drives a DatagramTransport. Peer registration, sends, receives
// and passes run on one goroutine; use Post to hand work over from others.
// Statistics, Liveness and Readiness are safe from any goroutine.
type Manager struct {
	transport api.DatagramTransport
	reactor   *reactor.Reactor
	buffers   *buffer.Manager
	peers     *peerTable
	events    *eventBus
	inbox     *inbox
	machine   lifecycle.Machine

	settingsMu sync.RWMutex
	settings   Settings

	log    *zap.Logger
	sink   api.ErrorSink
	tracer trace.Tracer
	clock  func() time.Time

	startedAt  atomic.Int64
	lastPass   atomic.Int64
	passes     atomic.Uint64
	sent       atomic.Uint64
	bytesOut   atomic.Uint64
	sendErrs   atomic.Uint64
	received   atomic.Uint64
	recvErrs   atomic.Uint64
	datagrams  atomic.Uint64
	bytesIn    atomic.Uint64
	dropped    atomic.Uint64
	cbFailures atomic.Uint64
}

// New builds a stopped Manager around t.
func New(t api.DatagramTransport, opts ...Option) (*Manager, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transport: %w", api.ErrInvalidArgument)
	}
	m := &Manager{
		transport: t,
		peers:     newPeerTable(),
		inbox:     newInbox(),
		settings:  DefaultSettings(),
		log:       zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer(tracerName),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.settings.Validate(); err != nil {
		return nil, err
	}

	userSink := m.sink
	m.sink = func(err error) {
		m.cbFailures.Add(1)
		if userSink != nil {
			userSink(err)
			return
		}
		m.log.Error("callback failed", zap.Error(err))
	}
	m.events = newEventBus(m.sink)

	bufOpts := []buffer.Option{buffer.WithClock(m.clock)}
	if m.settings.SplitPools {
		bufOpts = append(bufOpts, buffer.WithSplitPools())
	}
	bufs, err := buffer.NewManager(m.settings.BufferCeiling, bufOpts...)
	if err != nil {
		return nil, err
	}
	m.buffers = bufs

	if m.reactor == nil {
		m.reactor = reactor.New(
			reactor.WithClock(m.clock),
			reactor.WithErrorSink(m.sink),
			reactor.WithLogger(m.log.Named("reactor")),
		)
	}
	t.SetTimeout(m.settings.ReceiveTimeout)
	return m, nil
}

// Reactor returns the reactor ticked once per pass. Timers and watches
// added to it run on the loop goroutine.
func (m *Manager) Reactor() *reactor.Reactor { return m.reactor }

// Buffers returns the per-peer buffer manager.
func (m *Manager) Buffers() *buffer.Manager { return m.buffers }

func (m *Manager) State() lifecycle.State { return m.machine.State() }

func (m *Manager) IsRunning() bool { return m.machine.Running() }

func (m *Manager) Settings() Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.settings
}

// Start starts the capability once. Calling Start on a running manager is
// a no-op.
func (m *Manager) Start() error {
	changed, err := m.machine.Start(m.transport.Start)
	if err != nil {
		m.log.Error("transport start failed", zap.Error(err))
		return err
	}
	if changed {
		now := m.clock()
		m.startedAt.Store(now.UnixNano())
		m.lastPass.Store(now.UnixNano())
		m.log.Info("transport started")
		m.events.emit(EventStarted, nil)
	}
	return nil
}

// Stop stops the capability. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	changed, err := m.machine.Stop(m.transport.Stop)
	if changed {
		m.log.Info("transport stopped", zap.Error(err))
		m.events.emit(EventStopped, nil)
	}
	return err
}

// Close stops the manager if needed and releases the capability, the
// reactor and the inbox. A closed manager cannot be restarted.
func (m *Manager) Close() error {
	var (
		errs    []error
		stopped bool
	)
	_, err := m.machine.Close(func(wasRunning bool) error {
		if wasRunning {
			if err := m.transport.Stop(); err != nil {
				errs = append(errs, err)
			}
			stopped = true
		}
		m.inbox.dispose()
		if err := m.reactor.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	if stopped {
		m.log.Info("transport stopped", zap.Error(err))
		m.events.emit(EventStopped, nil)
	}
	return err
}

// RegisterPeer inserts or replaces a peer.
func (m *Manager) RegisterPeer(id, host string, port int) error {
	if id == "" {
		return fmt.Errorf("empty peer id: %w", api.ErrInvalidArgument)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("peer %s port %d: %w", id, port, api.ErrInvalidArgument)
	}
	m.peers.put(Peer{ID: id, Host: host, Port: port, RegisteredAt: m.clock()})
	m.events.emit(EventPeerRegistered, Payload{
		{KeyPeerID, id},
		{KeyHost, host},
		{KeyPort, port},
	})
	return nil
}

// UnregisterPeer removes a peer. Its buffers are left to expire.
func (m *Manager) UnregisterPeer(id string) {
	if _, ok := m.peers.remove(id); !ok {
		return
	}
	m.events.emit(EventPeerUnregistered, Payload{{KeyPeerID, id}})
}

func (m *Manager) Peer(id string) (Peer, bool) { return m.peers.get(id) }

// Peers returns the registered peers sorted by id.
func (m *Manager) Peers() []Peer { return m.peers.list() }

// On subscribes h to the named event. A nil handler is ignored and yields 0.
func (m *Manager) On(name string, h Handler) SubscriptionID { return m.events.on(name, h) }

// Off removes the given subscriptions, or every subscriber of name when no
// id is passed.
func (m *Manager) Off(name string, ids ...SubscriptionID) { m.events.off(name, ids...) }

// Send hands data to the capability and reports success. Failures never
// escape as errors; they are published as send.error events.
func (m *Manager) Send(peerID string, data []byte, host string, port int) bool {
	ok, err := m.sendSafe(data, host, port)
	if err != nil || !ok {
		reason := "transport declined the datagram"
		if err != nil {
			reason = err.Error()
		}
		m.sendErrs.Add(1)
		m.events.emit(EventSendError, Payload{
			{KeyPeerID, peerID},
			{KeyReason, reason},
			{KeyHost, host},
			{KeyPort, port},
		})
		return false
	}
	m.sent.Add(1)
	m.bytesOut.Add(uint64(len(data)))
	m.events.emit(EventDataSent, Payload{
		{KeyPeerID, peerID},
		{KeyBytes, data},
		{KeyHost, host},
		{KeyPort, port},
		{KeyByteCount, len(data)},
	})
	return true
}

func (m *Manager) sendSafe(data []byte, host string, port int) (ok bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			ok, err = false, fmt.Errorf("transport send panicked: %v", v)
		}
	}()
	return m.transport.Send(data, host, port)
}

// Receive performs one receive on the capability on behalf of peerID.
func (m *Manager) Receive(peerID string) (api.Packet, bool) {
	pkt, ok, err := m.receiveSafe(m.transport.Receive)
	if err != nil {
		m.recvErrs.Add(1)
		m.events.emit(EventReceiveError, Payload{
			{KeyPeerID, peerID},
			{KeyReason, err.Error()},
		})
		return api.Packet{}, false
	}
	if !ok {
		return api.Packet{}, false
	}
	m.received.Add(1)
	m.bytesIn.Add(uint64(len(pkt.Data)))
	m.events.emit(EventDataReceived, Payload{
		{KeyPeerID, peerID},
		{KeyBytes, pkt.Data},
		{KeyHost, pkt.Addr.Host},
		{KeyPort, pkt.Addr.Port},
	})
	return pkt, true
}

func (m *Manager) receiveSafe(recv func() (api.Packet, bool, error)) (pkt api.Packet, ok bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			pkt, ok, err = api.Packet{}, false, fmt.Errorf("transport receive panicked: %v", v)
		}
	}()
	return recv()
}

// Post queues fn to run on the loop goroutine at the start of the next pass.
func (m *Manager) Post(fn func()) error {
	if fn == nil {
		return fmt.Errorf("nil closure: %w", api.ErrInvalidArgument)
	}
	if m.machine.State() == lifecycle.Closed {
		return fmt.Errorf("post: %w", api.ErrTransportUnavailable)
	}
	return m.inbox.put(fn)
}

// Reconfigure applies new settings. SplitPools is fixed at construction and
// ignored here.
func (m *Manager) Reconfigure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.buffers.SetCeiling(s.BufferCeiling); err != nil {
		return err
	}
	m.transport.SetTimeout(s.ReceiveTimeout)

	m.settingsMu.Lock()
	s.SplitPools = m.settings.SplitPools
	m.settings = s
	m.settingsMu.Unlock()

	m.log.Info("transport reconfigured",
		zap.Int64("buffer_ceiling", s.BufferCeiling),
		zap.Duration("buffer_expiry", s.BufferExpiry),
		zap.Duration("receive_timeout", s.ReceiveTimeout),
		zap.Bool("buffer_inbound", s.BufferInbound),
	)
	return nil
}

// ProcessPendingEvents runs one pass: posted closures, every datagram
// currently available, one reactor tick and a buffer expiry sweep. It does
// nothing unless the manager is running, and the pass ends early when a
// callback stops it. Only a reactor polling failure is returned.
func (m *Manager) ProcessPendingEvents() error {
	if !m.machine.Running() {
		return nil
	}
	_, span := m.tracer.Start(context.Background(), "transport.process_pending_events")
	defer span.End()

	settings := m.Settings()
	posted := m.inbox.drain(m.runPosted)
	if !m.machine.Running() {
		// a posted closure stopped the manager
		return nil
	}
	drained := m.drain(settings)
	if !m.machine.Running() {
		// a datagram subscriber stopped the manager
		return nil
	}

	if err := m.reactor.Tick(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reactor tick failed")
		m.log.Error("reactor tick failed", zap.Error(err))
		return err
	}
	expired := m.buffers.SweepExpired(settings.BufferExpiry)
	if expired > 0 {
		m.log.Debug("expired idle buffers", zap.Int("count", expired))
	}

	m.passes.Add(1)
	m.lastPass.Store(m.clock().UnixNano())
	span.SetAttributes(
		attribute.Int("dgram.posted", posted),
		attribute.Int("dgram.datagrams", drained),
		attribute.Int("dgram.expired_buffers", expired),
	)
	return nil
}

func (m *Manager) runPosted(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			m.sink(&api.CallbackError{Source: "post", Value: v})
		}
	}()
	fn()
}

// drain consumes datagrams until the capability reports no data, an error
// occurs, a subscriber stops the manager, or the per pass limit is reached.
func (m *Manager) drain(s Settings) int {
	recv := m.transport.Receive
	if nb, ok := m.transport.(api.NonBlockingReceiver); ok {
		recv = nb.TryReceive
	}
	n := 0
	for n < s.MaxDrainPerPass {
		pkt, ok, err := m.receiveSafe(recv)
		if err != nil {
			m.recvErrs.Add(1)
			m.events.emit(EventReceiveError, Payload{
				{KeyPeerID, ""},
				{KeyReason, err.Error()},
			})
			return n
		}
		if !ok {
			return n
		}
		n++
		m.onDatagram(pkt, s)
		if !m.machine.Running() {
			return n
		}
	}
	return n
}

func (m *Manager) onDatagram(pkt api.Packet, s Settings) {
	m.datagrams.Add(1)
	m.bytesIn.Add(uint64(len(pkt.Data)))

	payload := Payload{
		{KeyBytes, pkt.Data},
		{KeyHost, pkt.Addr.Host},
		{KeyPort, pkt.Addr.Port},
		{KeyCapturedAt, m.clock()},
	}
	if s.BufferInbound {
		if id, ok := m.peers.lookup(pkt.Addr.Host, pkt.Addr.Port); ok {
			if !m.buffers.Write(id, buffer.Receive, pkt.Data) {
				m.dropped.Add(1)
				m.log.Debug("datagram not buffered",
					zap.String("peer", id), zap.Int("bytes", len(pkt.Data)), zap.Error(api.ErrCapacityExceeded))
			}
			payload = append(payload, Field{KeyPeerID, id})
		}
	}
	m.events.emit(EventDatagram, payload)
}

// Run makes passes every RunInterval while the manager is running. It
// returns nil when timeout elapses (0 means no timeout) or the manager
// stops, ctx.Err() when ctx is done, and the pass error on a hard failure.
func (m *Manager) Run(ctx context.Context, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = m.clock().Add(timeout)
	}
	wait := time.NewTimer(0)
	defer wait.Stop()
	<-wait.C

	for m.machine.Running() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ProcessPendingEvents(); err != nil {
			return err
		}
		if !deadline.IsZero() && !m.clock().Before(deadline) {
			return nil
		}
		wait.Reset(m.Settings().RunInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait.C:
		}
	}
	return nil
}

// Liveness fails when the manager is closed or when a running manager has
// not completed a pass within the stall threshold.
func (m *Manager) Liveness() error {
	switch m.machine.State() {
	case lifecycle.Closed:
		return ErrNotRunning
	case lifecycle.Stopped:
		return nil
	}
	last := time.Unix(0, m.lastPass.Load())
	if idle := m.clock().Sub(last); idle > m.Settings().StallThreshold {
		return fmt.Errorf("%w: no pass for %v", ErrStalled, idle.Truncate(time.Millisecond))
	}
	return nil
}

// Readiness fails unless the manager is running over a ready capability.
func (m *Manager) Readiness() error {
	if !m.machine.Running() {
		return ErrNotRunning
	}
	if !m.transport.IsReady() {
		return ErrNotReady
	}
	return nil
}
