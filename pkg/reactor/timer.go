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
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer. Zero is never issued.
type TimerID uint64

type timer struct {
	id     TimerID
	dueAt  time.Time
	period time.Duration
	seq    uint64
	cb     func()
	index  int
}

// timerHeap is a min-heap on (dueAt, seq). Each timer tracks its own index so
// cancellation can remove it in O(log n).
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h timerHeap) peek() *timer {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// timers bundles the heap with the id index.
type timers struct {
	heap   timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
	seq    uint64
}

func newTimers() *timers {
	return &timers{byID: make(map[TimerID]*timer)}
}

func (ts *timers) add(dueAt time.Time, period time.Duration, cb func()) TimerID {
	ts.nextID++
	t := &timer{id: ts.nextID, dueAt: dueAt, period: period, cb: cb}
	ts.push(t)
	ts.byID[t.id] = t
	return t.id
}

func (ts *timers) push(t *timer) {
	ts.seq++
	t.seq = ts.seq
	heap.Push(&ts.heap, t)
}

func (ts *timers) cancel(id TimerID) bool {
	t, ok := ts.byID[id]
	if !ok {
		return false
	}
	delete(ts.byID, id)
	if t.index >= 0 {
		heap.Remove(&ts.heap, t.index)
	}
	return true
}

// popDue removes every timer due at or before now, in firing order.
func (ts *timers) popDue(now time.Time) []*timer {
	var due []*timer
	for {
		t := ts.heap.peek()
		if t == nil || t.dueAt.After(now) {
			return due
		}
		heap.Pop(&ts.heap)
		due = append(due, t)
	}
}

func (ts *timers) next() (time.Time, bool) {
	if t := ts.heap.peek(); t != nil {
		return t.dueAt, true
	}
	return time.Time{}, false
}

func (ts *timers) len() int { return len(ts.byID) }
