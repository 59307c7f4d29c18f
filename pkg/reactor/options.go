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
	"time"

	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/internal/poll"
)

const (
	// DefaultIdleSleep is how long a tick sleeps when nothing is watched.
	DefaultIdleSleep = time.Millisecond
	// DefaultMaxPollWait caps a readiness wait when no timer is pending.
	DefaultMaxPollWait = time.Second

	defaultEventBatch = 128
)

// Option configures a Reactor.
type Option func(*Reactor)

// WithClock replaces the time source used for timer deadlines.
func WithClock(clock func() time.Time) Option {
	return func(r *Reactor) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithPoller injects the readiness poller. The reactor closes it on Close.
func WithPoller(p poll.Poller) Option {
	return func(r *Reactor) { r.poller = p }
}

// WithErrorSink receives recovered callback failures.
func WithErrorSink(sink api.ErrorSink) Option {
	return func(r *Reactor) {
		if sink != nil {
			r.sink = sink
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Reactor) {
		if log != nil {
			r.log = log
		}
	}
}

func WithIdleSleep(d time.Duration) Option {
	return func(r *Reactor) {
		if d >= 0 {
			r.idleSleep = d
		}
	}
}

func WithMaxPollWait(d time.Duration) Option {
	return func(r *Reactor) {
		if d >= 0 {
			r.maxPollWait = d
		}
	}
}
