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
	"errors"
	"fmt"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-dgram/api"
)

// default inbox hint, the queue grows past it on demand
const inboxCap = 1024

// inbox hands closures from other goroutines to the loop goroutine.
type inbox struct {
	q *queuepkg.Queue
}

func newInbox() *inbox {
	return &inbox{q: queuepkg.New(inboxCap)}
}

func (in *inbox) put(fn func()) error {
	if err := in.q.Put(fn); err != nil {
		if errors.Is(err, queuepkg.ErrDisposed) {
			return fmt.Errorf("post: %w", api.ErrTransportUnavailable)
		}
		return err
	}
	return nil
}

// drain pops what is queued right now and passes each closure to run.
// Closures posted while draining wait for the next pass.
func (in *inbox) drain(run func(fn func())) int {
	n := in.q.Len()
	if n == 0 {
		return 0
	}
	// the loop goroutine is the only consumer, so Get cannot block here
	items, err := in.q.Get(n)
	if err != nil {
		return 0
	}
	for _, item := range items {
		if fn, ok := item.(func()); ok {
			run(fn)
		}
	}
	return len(items)
}

func (in *inbox) len() int { return int(in.q.Len()) }

func (in *inbox) dispose() { in.q.Dispose() }
