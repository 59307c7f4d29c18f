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

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/pkg/buffer"
	"github.com/srediag/plugin-dgram/pkg/lifecycle"
	"github.com/srediag/plugin-dgram/pkg/transport/transporttest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects every event the manager emits.
type recorder struct {
	events []Event
}

func (r *recorder) attach(m *Manager) {
	for _, name := range EventNames {
		m.On(name, func(ev Event) error {
			r.events = append(r.events, ev)
			return nil
		})
	}
}

func (r *recorder) named(name string) []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type ManagerTestSuite struct {
	suite.Suite
	stub *transporttest.Transport
	errs []error
	rec  *recorder
	m    *Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.stub = transporttest.New()
	s.errs = nil
	s.rec = &recorder{}
	s.m = s.newManager(s.stub)
}

func (s *ManagerTestSuite) newManager(t api.DatagramTransport, opts ...Option) *Manager {
	opts = append([]Option{WithErrorSink(func(err error) { s.errs = append(s.errs, err) })}, opts...)
	m, err := New(t, opts...)
	s.Require().NoError(err)
	s.rec.attach(m)
	return m
}

func (s *ManagerTestSuite) TearDownTest() {
	_ = s.m.Close()
}

func (s *ManagerTestSuite) TestManager_NewRejectsNilTransport() {
	_, err := New(nil)
	s.Require().ErrorIs(err, api.ErrInvalidArgument)

	bad := DefaultSettings()
	bad.BufferCeiling = -1
	_, err = New(transporttest.New(), WithSettings(bad))
	s.Require().ErrorIs(err, api.ErrInvalidArgument)
}

func (s *ManagerTestSuite) TestManager_DoubleStartSingleEffect() {
	s.Require().NoError(s.m.Start())
	s.Require().NoError(s.m.Start())

	starts, _, _, _ := s.stub.Calls()
	s.Require().Equal(1, starts)
	s.Require().Len(s.rec.named(EventStarted), 1)
	s.Require().True(s.m.IsRunning())
}

func (s *ManagerTestSuite) TestManager_StopIdempotent() {
	s.Require().NoError(s.m.Stop())
	s.Require().Empty(s.rec.named(EventStopped))

	s.Require().NoError(s.m.Start())
	s.Require().NoError(s.m.Stop())
	s.Require().NoError(s.m.Stop())
	_, stops, _, _ := s.stub.Calls()
	s.Require().Equal(1, stops)
	s.Require().Len(s.rec.named(EventStopped), 1)
	s.Require().Equal(lifecycle.Stopped, s.m.State())
}

func (s *ManagerTestSuite) TestManager_StartFailure() {
	s.stub.StartErr = api.ErrBindFailure
	s.Require().ErrorIs(s.m.Start(), api.ErrBindFailure)
	s.Require().False(s.m.IsRunning())
	s.Require().Empty(s.rec.named(EventStarted))
}

func (s *ManagerTestSuite) TestManager_SendEmitsDataSent() {
	s.Require().NoError(s.m.Start())
	s.Require().True(s.m.Send("p1", []byte("hello"), "127.0.0.1", 9999))

	sent := s.rec.named(EventDataSent)
	s.Require().Len(sent, 1)
	count, ok := sent[0].Payload.Get(KeyByteCount)
	s.Require().True(ok)
	s.Require().Equal(5, count)
	s.Require().Equal(map[string]any{
		KeyPeerID:    "p1",
		KeyBytes:     []byte("hello"),
		KeyHost:      "127.0.0.1",
		KeyPort:      9999,
		KeyByteCount: 5,
	}, sent[0].Payload.Map())
	s.Require().Equal([]transporttest.Datagram{{Data: []byte("hello"), Host: "127.0.0.1", Port: 9999}}, s.stub.Sent())
}

func (s *ManagerTestSuite) TestManager_SendErrorNotStarted() {
	s.Require().False(s.m.Send("p1", []byte("hello"), "127.0.0.1", 9999))

	failed := s.rec.named(EventSendError)
	s.Require().Len(failed, 1)
	reason, _ := failed[0].Payload.Get(KeyReason)
	s.Require().Contains(reason, api.ErrTransportUnavailable.Error())
	s.Require().Empty(s.rec.named(EventDataSent))
	s.Require().EqualValues(1, s.m.Statistics().SendErrors)
}

func (s *ManagerTestSuite) TestManager_SendDeclinedAndPanicking() {
	s.Require().NoError(s.m.Start())
	s.stub.SendFunc = func([]byte, string, int) (bool, error) { return false, nil }
	s.Require().False(s.m.Send("p1", []byte("x"), "h", 1))

	s.stub.SendFunc = func([]byte, string, int) (bool, error) { panic("wire cut") }
	s.Require().False(s.m.Send("p1", []byte("x"), "h", 1))

	failed := s.rec.named(EventSendError)
	s.Require().Len(failed, 2)
	reason, _ := failed[1].Payload.Get(KeyReason)
	s.Require().Contains(reason, "wire cut")
}

func (s *ManagerTestSuite) TestManager_RegisterPeer() {
	s.Require().NoError(s.m.RegisterPeer("a", "10.0.0.1", 7000))
	s.Require().NoError(s.m.RegisterPeer("a", "10.0.0.2", 7001))
	s.Require().NoError(s.m.RegisterPeer("b", "10.0.0.3", 0))

	s.Require().ErrorIs(s.m.RegisterPeer("", "h", 1), api.ErrInvalidArgument)
	s.Require().ErrorIs(s.m.RegisterPeer("c", "h", 70000), api.ErrInvalidArgument)
	s.Require().ErrorIs(s.m.RegisterPeer("c", "h", -1), api.ErrInvalidArgument)

	p, ok := s.m.Peer("a")
	s.Require().True(ok)
	s.Require().Equal("10.0.0.2", p.Host)
	s.Require().Len(s.m.Peers(), 2)

	reg := s.rec.named(EventPeerRegistered)
	s.Require().Len(reg, 3)
	s.Require().Equal(Payload{{KeyPeerID, "a"}, {KeyHost, "10.0.0.1"}, {KeyPort, 7000}}, reg[0].Payload)

	s.m.UnregisterPeer("a")
	s.m.UnregisterPeer("a")
	s.m.UnregisterPeer("ghost")
	s.Require().Len(s.rec.named(EventPeerUnregistered), 1)
	s.Require().Equal(1, s.m.Statistics().PeerCount)
}

func (s *ManagerTestSuite) TestManager_Receive() {
	s.Require().NoError(s.m.Start())

	_, ok := s.m.Receive("p")
	s.Require().False(ok)
	s.Require().Empty(s.rec.named(EventDataReceived))

	s.stub.Enqueue(api.Packet{Data: []byte("ping"), Addr: api.Addr{Host: "10.1.1.1", Port: 4000}})
	pkt, ok := s.m.Receive("p")
	s.Require().True(ok)
	s.Require().Equal([]byte("ping"), pkt.Data)
	got := s.rec.named(EventDataReceived)
	s.Require().Len(got, 1)
	s.Require().Equal("10.1.1.1", got[0].Payload.Map()[KeyHost])

	s.stub.ReceiveErr = errors.New("socket gone")
	_, ok = s.m.Receive("p")
	s.Require().False(ok)
	failed := s.rec.named(EventReceiveError)
	s.Require().Len(failed, 1)
	s.Require().Equal(Payload{{KeyPeerID, "p"}, {KeyReason, "socket gone"}}, failed[0].Payload)

	s.stub.ReceiveErr = nil
	s.stub.ReceivePanic = "kaboom"
	_, ok = s.m.Receive("p")
	s.Require().False(ok)
	s.Require().Len(s.rec.named(EventReceiveError), 2)
}

func (s *ManagerTestSuite) TestManager_ProcessIsNoopWhenStopped() {
	s.stub.Enqueue(api.Packet{Data: []byte("a")})
	s.Require().NoError(s.m.ProcessPendingEvents())
	_, _, _, receives := s.stub.Calls()
	s.Require().Zero(receives)
	s.Require().Zero(s.m.Statistics().Passes)
}

func (s *ManagerTestSuite) TestManager_ProcessDrainsAllDatagrams() {
	s.Require().NoError(s.m.Start())
	for _, d := range []string{"one", "two", "three"} {
		s.stub.Enqueue(api.Packet{Data: []byte(d), Addr: api.Addr{Host: "127.0.0.1", Port: 5000}})
	}
	s.Require().NoError(s.m.ProcessPendingEvents())

	got := s.rec.named(EventDatagram)
	s.Require().Len(got, 3)
	for i, want := range []string{"one", "two", "three"} {
		data, _ := got[i].Payload.Get(KeyBytes)
		s.Require().Equal([]byte(want), data)
		_, hasTime := got[i].Payload.Get(KeyCapturedAt)
		s.Require().True(hasTime)
		_, hasPeer := got[i].Payload.Get(KeyPeerID)
		s.Require().False(hasPeer)
	}
	s.Require().Zero(s.stub.Pending())

	st := s.m.Statistics()
	s.Require().EqualValues(3, st.Datagrams)
	s.Require().EqualValues(11, st.BytesReceived)
	s.Require().EqualValues(1, st.Passes)
	s.Require().EqualValues(1, st.Reactor.Ticks)
}

func (s *ManagerTestSuite) TestManager_DrainUsesTryReceive() {
	nb := &transporttest.NonBlocking{Transport: transporttest.New()}
	m := s.newManager(nb)
	defer m.Close()
	s.Require().NoError(m.Start())
	nb.Enqueue(api.Packet{Data: []byte("x")})

	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().Equal(2, nb.Tries())
}

func (s *ManagerTestSuite) TestManager_DrainLimitedPerPass() {
	settings := DefaultSettings()
	settings.MaxDrainPerPass = 2
	m := s.newManager(s.stub, WithSettings(settings))
	defer m.Close()
	s.Require().NoError(m.Start())
	for i := 0; i < 5; i++ {
		s.stub.Enqueue(api.Packet{Data: []byte{byte(i)}})
	}
	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().Equal(3, s.stub.Pending())
}

func (s *ManagerTestSuite) TestManager_DrainErrorReported() {
	s.Require().NoError(s.m.Start())
	s.stub.ReceiveErr = errors.New("recv broke")
	s.Require().NoError(s.m.ProcessPendingEvents())
	failed := s.rec.named(EventReceiveError)
	s.Require().Len(failed, 1)
	s.Require().Equal("", failed[0].Payload.Map()[KeyPeerID])
}

func (s *ManagerTestSuite) TestManager_BufferInbound() {
	settings := DefaultSettings()
	settings.BufferInbound = true
	m := s.newManager(s.stub, WithSettings(settings))
	defer m.Close()
	s.Require().NoError(m.Start())
	s.Require().NoError(m.RegisterPeer("node-1", "127.0.0.1", 6000))

	s.stub.Enqueue(
		api.Packet{Data: []byte("abc"), Addr: api.Addr{Host: "127.0.0.1", Port: 6000}},
		api.Packet{Data: []byte("zzz"), Addr: api.Addr{Host: "127.0.0.1", Port: 6001}},
		api.Packet{Data: []byte("de"), Addr: api.Addr{Host: "::ffff:127.0.0.1", Port: 6000}},
	)
	s.Require().NoError(m.ProcessPendingEvents())

	s.Require().Equal([]byte("abcde"), m.Buffers().Read("node-1", buffer.Receive, 0))
	got := s.rec.named(EventDatagram)
	s.Require().Len(got, 3)
	s.Require().Equal("node-1", got[0].Payload.Map()[KeyPeerID])
	_, tagged := got[1].Payload.Get(KeyPeerID)
	s.Require().False(tagged)
}

func (s *ManagerTestSuite) TestManager_InboundDroppedWhenFull() {
	settings := DefaultSettings()
	settings.BufferInbound = true
	settings.BufferCeiling = 4
	m := s.newManager(s.stub, WithSettings(settings))
	defer m.Close()
	s.Require().NoError(m.Start())
	s.Require().NoError(m.RegisterPeer("p", "10.0.0.1", 1))
	s.stub.Enqueue(
		api.Packet{Data: []byte("abc"), Addr: api.Addr{Host: "10.0.0.1", Port: 1}},
		api.Packet{Data: []byte("def"), Addr: api.Addr{Host: "10.0.0.1", Port: 1}},
	)
	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().EqualValues(1, m.Statistics().InboundDropped)
	s.Require().Len(s.rec.named(EventDatagram), 2)
}

func (s *ManagerTestSuite) TestManager_SweepsExpiredBuffers() {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	settings := DefaultSettings()
	settings.BufferExpiry = time.Minute
	m := s.newManager(s.stub, WithSettings(settings), WithClock(clock.Now))
	defer m.Close()
	s.Require().NoError(m.Start())

	s.Require().True(m.Buffers().Write("p", buffer.Send, []byte("queued")))
	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().Equal(6, m.Buffers().Size("p", buffer.Send))

	clock.Advance(2 * time.Minute)
	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().True(m.Buffers().IsEmpty("p", buffer.Send))
	s.Require().EqualValues(1, m.Statistics().Buffers.Expired)
}

func (s *ManagerTestSuite) TestManager_ReactorTimersRunInPass() {
	s.Require().NoError(s.m.Start())
	fired := 0
	s.m.Reactor().ScheduleOnce(0, func() { fired++ })
	s.Require().NoError(s.m.ProcessPendingEvents())
	s.Require().Equal(1, fired)
}

func (s *ManagerTestSuite) TestManager_OffRemovesSubscribers() {
	calls := map[string]int{}
	a := s.m.On("custom", func(Event) error { calls["a"]++; return nil })
	s.m.On("custom", func(Event) error { calls["b"]++; return nil })
	s.Require().Zero(s.m.On("custom", nil))

	s.m.events.emit("custom", nil)
	s.m.Off("custom", a)
	s.m.events.emit("custom", nil)
	s.Require().Equal(map[string]int{"a": 1, "b": 2}, calls)

	s.m.Off("custom")
	s.m.events.emit("custom", nil)
	s.Require().Equal(2, calls["b"])
}

func (s *ManagerTestSuite) TestManager_DispatchUsesSnapshot() {
	late := 0
	s.m.On(EventPeerRegistered, func(Event) error {
		s.m.On(EventPeerRegistered, func(Event) error { late++; return nil })
		return nil
	})
	s.Require().NoError(s.m.RegisterPeer("a", "h", 1))
	s.Require().Zero(late)
	s.Require().NoError(s.m.RegisterPeer("b", "h", 2))
	s.Require().Equal(1, late)
}

func (s *ManagerTestSuite) TestManager_FailingSubscribersIsolated() {
	after := 0
	s.m.On(EventStarted, func(Event) error { panic("bad handler") })
	s.m.On(EventStarted, func(Event) error { return errors.New("handler refused") })
	s.m.On(EventStarted, func(Event) error { after++; return nil })

	s.Require().NoError(s.m.Start())
	s.Require().Equal(1, after)
	s.Require().Len(s.errs, 2)

	var cbErr *api.CallbackError
	s.Require().ErrorAs(s.errs[0], &cbErr)
	s.Require().Equal("event transport.started", cbErr.Source)
	s.Require().Equal("bad handler", cbErr.Value)
	s.Require().EqualError(errors.Unwrap(s.errs[1]), "handler refused")
	s.Require().EqualValues(2, s.m.Statistics().CallbackFailures)
}

func (s *ManagerTestSuite) TestManager_DefaultSinkLogs() {
	core, logs := observer.New(zapcore.ErrorLevel)
	m, err := New(transporttest.New(), WithLogger(zap.New(core)))
	s.Require().NoError(err)
	defer m.Close()

	m.On(EventStarted, func(Event) error { return errors.New("nope") })
	s.Require().NoError(m.Start())
	s.Require().Equal(1, logs.FilterMessage("callback failed").Len())
}

func (s *ManagerTestSuite) TestManager_RunTimeout() {
	s.Require().NoError(s.m.Start())
	start := time.Now()
	s.Require().NoError(s.m.Run(context.Background(), 60*time.Millisecond))
	s.Require().GreaterOrEqual(time.Since(start), 60*time.Millisecond)
	s.Require().True(s.m.IsRunning())
	s.Require().Greater(s.m.Statistics().Passes, uint64(1))
}

func (s *ManagerTestSuite) TestManager_RunNotRunningReturns() {
	s.Require().NoError(s.m.Run(context.Background(), time.Hour))
}

func (s *ManagerTestSuite) TestManager_RunContextCancel() {
	s.Require().NoError(s.m.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Require().ErrorIs(s.m.Run(ctx, 0), context.DeadlineExceeded)
}

func (s *ManagerTestSuite) TestManager_PostStopsRun() {
	s.Require().NoError(s.m.Start())
	ran := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.m.Post(func() {
			close(ran)
			_ = s.m.Stop()
		})
	}()
	s.Require().NoError(s.m.Run(context.Background(), 5*time.Second))
	<-ran
	s.Require().False(s.m.IsRunning())
}

func (s *ManagerTestSuite) TestManager_PostPanicReported() {
	s.Require().NoError(s.m.Start())
	s.Require().NoError(s.m.Post(func() { panic("posted") }))
	s.Require().NoError(s.m.ProcessPendingEvents())
	s.Require().Len(s.errs, 1)
	s.Require().ErrorIs(s.m.Post(nil), api.ErrInvalidArgument)
}

func (s *ManagerTestSuite) TestManager_Reconfigure() {
	next := DefaultSettings()
	next.BufferCeiling = 16
	next.ReceiveTimeout = 250 * time.Millisecond
	next.SplitPools = true
	s.Require().NoError(s.m.Reconfigure(next))
	s.Require().EqualValues(16, s.m.Buffers().Ceiling())
	s.Require().Equal(250*time.Millisecond, s.stub.Timeout())
	s.Require().False(s.m.Settings().SplitPools)

	next.RunInterval = -1
	s.Require().ErrorIs(s.m.Reconfigure(next), api.ErrInvalidArgument)
	s.Require().Equal(DefaultRunInterval, s.m.Settings().RunInterval)
}

func (s *ManagerTestSuite) TestManager_Health() {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := s.newManager(s.stub, WithClock(clock.Now))
	defer m.Close()

	s.Require().NoError(m.Liveness())
	s.Require().ErrorIs(m.Readiness(), ErrNotRunning)

	s.Require().NoError(m.Start())
	s.Require().NoError(m.Readiness())
	s.Require().NoError(m.ProcessPendingEvents())
	s.Require().NoError(m.Liveness())

	clock.Advance(DefaultStallThreshold + time.Second)
	s.Require().ErrorIs(m.Liveness(), ErrStalled)

	s.Require().NoError(m.Close())
	s.Require().ErrorIs(m.Liveness(), ErrNotRunning)
}

func (s *ManagerTestSuite) TestManager_Close() {
	s.Require().NoError(s.m.Start())
	s.Require().NoError(s.m.Close())
	s.Require().NoError(s.m.Close())

	_, stops, closes, _ := s.stub.Calls()
	s.Require().Equal(1, stops)
	s.Require().Equal(1, closes)
	s.Require().Len(s.rec.named(EventStopped), 1)
	s.Require().Equal(lifecycle.Closed, s.m.State())

	s.Require().ErrorIs(s.m.Start(), lifecycle.ErrClosed)
	s.Require().ErrorIs(s.m.Post(func() {}), api.ErrTransportUnavailable)
}

func (s *ManagerTestSuite) TestManager_StoppedSubscriberMayStopDuringClose() {
	s.Require().NoError(s.m.Start())
	var restartErr error
	s.m.On(EventStopped, func(Event) error {
		if err := s.m.Stop(); err != nil {
			return err
		}
		restartErr = s.m.Start()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.m.Close() }()
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Close blocked on a transport.stopped subscriber")
	}
	s.Require().ErrorIs(restartErr, lifecycle.ErrClosed)
	s.Require().Len(s.rec.named(EventStopped), 1)
	s.Require().Empty(s.errs)
}

func (s *ManagerTestSuite) TestManager_DatagramSubscriberStopEndsPass() {
	s.Require().NoError(s.m.Start())
	fired := 0
	s.m.Reactor().ScheduleOnce(0, func() { fired++ })
	s.m.On(EventDatagram, func(Event) error { return s.m.Stop() })
	s.stub.Enqueue(api.Packet{Data: []byte("a")}, api.Packet{Data: []byte("b")})

	s.Require().NoError(s.m.ProcessPendingEvents())
	s.Require().Len(s.rec.named(EventDatagram), 1)
	s.Require().Equal(1, s.stub.Pending())
	s.Require().Zero(fired)
	s.Require().Zero(s.m.Statistics().Passes)
	s.Require().False(s.m.IsRunning())
}

func (s *ManagerTestSuite) TestManager_StatisticsSnapshot() {
	s.Require().NoError(s.m.Start())
	s.Require().NoError(s.m.RegisterPeer("a", "h", 1))
	s.Require().True(s.m.Send("a", []byte("1234"), "h", 1))
	s.Require().NoError(s.m.Post(func() {}))

	st := s.m.Statistics()
	s.Require().True(st.Running)
	s.Require().Equal(1, st.PeerCount)
	s.Require().Equal(1, st.PendingPosts)
	s.Require().EqualValues(1, st.DataSent)
	s.Require().EqualValues(4, st.BytesSent)
	s.Require().Equal(len(EventNames), st.Subscribers)
	s.Require().Equal(buffer.DefaultCeiling, st.Buffers.Ceiling)
	s.Require().False(st.StartedAt.IsZero())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
