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

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/internal/poll"
)

// ErrClosed is returned by operations on a closed Reactor.
var ErrClosed = errors.New("reactor closed")

// Stats is a snapshot of reactor activity. It is safe to read from any
// goroutine.
type Stats struct {
	Ticks            uint64
	TimersFired      uint64
	IOCallbacks      uint64
	SoonCallbacks    uint64
	CallbackFailures uint64
	PendingTimers    int
	ReadWatches      int
	WriteWatches     int
	LastTick         time.Time
}

// Reactor is a timer and readiness event loop. Everything except Stop,
// CallSoon and Stats must be called from the goroutine driving Tick.
type Reactor struct {
	clock       func() time.Time
	poller      poll.Poller
	sink        api.ErrorSink
	log         *zap.Logger
	idleSleep   time.Duration
	maxPollWait time.Duration

	timers *timers
	reads  map[int]func()
	writes map[int]func()
	events []poll.Event
	closed bool

	soonMu sync.Mutex
	soon   *queue.Queue

	stopped atomic.Bool

	ticks      atomic.Uint64
	fired      atomic.Uint64
	ioCalls    atomic.Uint64
	soonCalls  atomic.Uint64
	failures   atomic.Uint64
	pending    atomic.Int64
	readCount  atomic.Int64
	writeCount atomic.Int64
	lastTick   atomic.Int64
}

// New creates a Reactor. The platform poller is created on the first watch
// unless one is injected with WithPoller, so timer-only use works everywhere.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		clock:       time.Now,
		log:         zap.NewNop(),
		idleSleep:   DefaultIdleSleep,
		maxPollWait: DefaultMaxPollWait,
		timers:      newTimers(),
		reads:       make(map[int]func()),
		writes:      make(map[int]func()),
		events:      make([]poll.Event, defaultEventBatch),
		soon:        queue.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		log := r.log
		r.sink = func(err error) {
			log.Error("reactor callback failed", zap.Error(err))
		}
	}
	return r
}

// ScheduleOnce runs cb once, no earlier than delay from now.
func (r *Reactor) ScheduleOnce(delay time.Duration, cb func()) TimerID {
	if delay < 0 {
		delay = 0
	}
	id := r.timers.add(r.clock().Add(delay), 0, cb)
	r.pending.Store(int64(r.timers.len()))
	return id
}

// ScheduleRepeating runs cb every interval, first at now+interval.
func (r *Reactor) ScheduleRepeating(interval time.Duration, cb func()) (TimerID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("repeating interval %v: %w", interval, api.ErrInvalidArgument)
	}
	id := r.timers.add(r.clock().Add(interval), interval, cb)
	r.pending.Store(int64(r.timers.len()))
	return id, nil
}

// Cancel removes a pending timer. It reports false for fired one-shots and
// unknown ids.
func (r *Reactor) Cancel(id TimerID) bool {
	ok := r.timers.cancel(id)
	r.pending.Store(int64(r.timers.len()))
	return ok
}

// AddReadWatch invokes cb whenever fd is readable. Adding again replaces cb.
func (r *Reactor) AddReadWatch(fd int, cb func()) error {
	return r.addWatch(fd, cb, r.reads)
}

// AddWriteWatch invokes cb whenever fd is writable. Adding again replaces cb.
func (r *Reactor) AddWriteWatch(fd int, cb func()) error {
	return r.addWatch(fd, cb, r.writes)
}

func (r *Reactor) RemoveReadWatch(fd int) { r.removeWatch(fd, r.reads) }

func (r *Reactor) RemoveWriteWatch(fd int) { r.removeWatch(fd, r.writes) }

func (r *Reactor) addWatch(fd int, cb func(), set map[int]func()) error {
	if r.closed {
		return ErrClosed
	}
	if fd < 0 || cb == nil {
		return fmt.Errorf("watch fd %d: %w", fd, api.ErrInvalidArgument)
	}
	if r.poller == nil {
		p, err := poll.New()
		if err != nil {
			return err
		}
		r.poller = p
	}
	_, had := set[fd]
	set[fd] = cb
	if err := r.poller.Set(fd, r.interest(fd)); err != nil {
		if !had {
			delete(set, fd)
		}
		return fmt.Errorf("watch fd %d: %w", fd, err)
	}
	r.countWatches()
	return nil
}

func (r *Reactor) removeWatch(fd int, set map[int]func()) {
	if _, ok := set[fd]; !ok {
		return
	}
	delete(set, fd)
	r.countWatches()
	if r.poller == nil {
		return
	}
	if err := r.poller.Set(fd, r.interest(fd)); err != nil {
		r.log.Debug("poller rejected watch update", zap.Int("fd", fd), zap.Error(err))
	}
}

func (r *Reactor) interest(fd int) poll.Interest {
	var in poll.Interest
	if _, ok := r.reads[fd]; ok {
		in |= poll.Readable
	}
	if _, ok := r.writes[fd]; ok {
		in |= poll.Writable
	}
	return in
}

func (r *Reactor) countWatches() {
	r.readCount.Store(int64(len(r.reads)))
	r.writeCount.Store(int64(len(r.writes)))
}

// CallSoon queues cb to run at the end of the next tick. It may be called
// from any goroutine.
func (r *Reactor) CallSoon(cb func()) {
	if cb == nil {
		return
	}
	r.soonMu.Lock()
	r.soon.Add(cb)
	r.soonMu.Unlock()
}

func (r *Reactor) soonLen() int {
	r.soonMu.Lock()
	defer r.soonMu.Unlock()
	return r.soon.Length()
}

func (r *Reactor) runSoon(n int) {
	for i := 0; i < n; i++ {
		r.soonMu.Lock()
		if r.soon.Length() == 0 {
			r.soonMu.Unlock()
			return
		}
		cb := r.soon.Remove().(func())
		r.soonMu.Unlock()
		r.soonCalls.Add(1)
		r.invoke("soon", cb)
	}
}

// Tick performs one loop iteration. The only error it returns is a readiness
// polling failure wrapped with api.ErrPollFailure, or ErrClosed.
func (r *Reactor) Tick() error {
	if r.closed {
		return ErrClosed
	}
	queued := r.soonLen()
	now := r.clock()
	r.ticks.Add(1)
	r.lastTick.Store(now.UnixNano())

	r.fireTimers(now)

	if len(r.reads) == 0 && len(r.writes) == 0 {
		if wait := r.waitFor(r.idleSleep, queued); wait > 0 {
			time.Sleep(wait)
		}
		r.runSoon(queued)
		return nil
	}

	n, err := r.poller.Wait(r.events, r.waitFor(r.maxPollWait, queued))
	if err != nil {
		return fmt.Errorf("%w: %w", api.ErrPollFailure, err)
	}
	ready := r.events[:n]
	for _, ev := range ready {
		if ev.Ready&poll.Readable == 0 {
			continue
		}
		// looked up per event: an earlier callback may have removed it
		if cb, ok := r.reads[ev.FD]; ok {
			r.ioCalls.Add(1)
			r.invoke("read", cb)
		}
	}
	for _, ev := range ready {
		if ev.Ready&poll.Writable == 0 {
			continue
		}
		if cb, ok := r.writes[ev.FD]; ok {
			r.ioCalls.Add(1)
			r.invoke("write", cb)
		}
	}

	r.runSoon(queued)
	return nil
}

func (r *Reactor) fireTimers(now time.Time) {
	due := r.timers.popDue(now)
	for _, t := range due {
		if _, live := r.timers.byID[t.id]; !live {
			// cancelled by an earlier callback of this batch
			continue
		}
		if t.period > 0 {
			t.dueAt = now.Add(t.period)
			r.timers.push(t)
		} else {
			delete(r.timers.byID, t.id)
		}
		r.fired.Add(1)
		r.invoke("timer", t.cb)
	}
	r.pending.Store(int64(r.timers.len()))
}

// waitFor bounds limit by the time left until the earliest timer. Queued
// CallSoon work never waits.
func (r *Reactor) waitFor(limit time.Duration, queued int) time.Duration {
	if queued > 0 {
		return 0
	}
	if next, ok := r.timers.next(); ok {
		d := next.Sub(r.clock())
		if d < 0 {
			d = 0
		}
		if d < limit {
			return d
		}
	}
	return limit
}

func (r *Reactor) invoke(source string, cb func()) {
	defer func() {
		if v := recover(); v != nil {
			r.failures.Add(1)
			r.sink(&api.CallbackError{Source: source, Value: v})
		}
	}()
	cb()
}

// Run calls Tick until Stop is called, ctx is done or a tick fails. The
// context and stop flag are checked between ticks only.
func (r *Reactor) Run(ctx context.Context) error {
	defer r.stopped.Store(false)
	for !r.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// Stop asks a running Run loop to return. Safe from any goroutine.
func (r *Reactor) Stop() { r.stopped.Store(true) }

func (r *Reactor) Stats() Stats {
	var last time.Time
	if ns := r.lastTick.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Ticks:            r.ticks.Load(),
		TimersFired:      r.fired.Load(),
		IOCallbacks:      r.ioCalls.Load(),
		SoonCallbacks:    r.soonCalls.Load(),
		CallbackFailures: r.failures.Load(),
		PendingTimers:    int(r.pending.Load()),
		ReadWatches:      int(r.readCount.Load()),
		WriteWatches:     int(r.writeCount.Load()),
		LastTick:         last,
	}
}

// Close drops every timer and watch and releases the poller.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.timers = newTimers()
	r.reads = make(map[int]func())
	r.writes = make(map[int]func())
	r.pending.Store(0)
	r.countWatches()
	if r.poller != nil {
		return r.poller.Close()
	}
	return nil
}
