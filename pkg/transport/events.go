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
	"fmt"
	"sync"

	"github.com/srediag/plugin-dgram/api"
)

// Event names emitted by Manager.
const (
	EventStarted          = "transport.started"
	EventStopped          = "transport.stopped"
	EventPeerRegistered   = "peer.registered"
	EventPeerUnregistered = "peer.unregistered"
	EventDataSent         = "data.sent"
	EventSendError        = "send.error"
	EventDataReceived     = "data.received"
	EventReceiveError     = "receive.error"
	EventDatagram         = "transport.data_received"
)

// EventNames lists every event Manager emits.
var EventNames = []string{
	EventStarted,
	EventStopped,
	EventPeerRegistered,
	EventPeerUnregistered,
	EventDataSent,
	EventSendError,
	EventDataReceived,
	EventReceiveError,
	EventDatagram,
}

// Payload keys.
const (
	KeyPeerID     = "peerId"
	KeyHost       = "host"
	KeyPort       = "port"
	KeyBytes      = "bytes"
	KeyByteCount  = "byteCount"
	KeyReason     = "reason"
	KeyCapturedAt = "capturedAt"
)

// Field is one key/value entry of an event payload.
type Field struct {
	Key   string
	Value any
}

// Payload keeps fields in emission order.
type Payload []Field

// Get returns the first value stored under key.
func (p Payload) Get(key string) (any, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Map flattens the payload. Later duplicates win.
func (p Payload) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, f := range p {
		m[f.Key] = f.Value
	}
	return m
}

type Event struct {
	Name    string
	Payload Payload
}

// Handler observes one event. A returned error is reported to the error
// sink; it does not stop delivery to other handlers.
type Handler func(Event) error

// SubscriptionID identifies one handler registration.
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	h  Handler
}

// eventBus is the per-name subscriber table.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID SubscriptionID
	sink   api.ErrorSink
}

func newEventBus(sink api.ErrorSink) *eventBus {
	return &eventBus{subs: make(map[string][]subscription), sink: sink}
}

func (b *eventBus) on(name string, h Handler) SubscriptionID {
	if h == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{id: b.nextID, h: h})
	return b.nextID
}

func (b *eventBus) off(name string, ids ...SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ids) == 0 {
		delete(b.subs, name)
		return
	}
	drop := make(map[SubscriptionID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := b.subs[name][:0:0]
	for _, s := range b.subs[name] {
		if _, ok := drop[s.id]; !ok {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, name)
		return
	}
	b.subs[name] = kept
}

func (b *eventBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		n += len(s)
	}
	return n
}

// emit delivers to a snapshot of the subscribers, so handlers may subscribe
// or unsubscribe while being called.
func (b *eventBus) emit(name string, payload Payload) {
	b.mu.RLock()
	subs := b.subs[name]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, s := range snapshot {
		b.deliver(s.h, ev)
	}
}

func (b *eventBus) deliver(h Handler, ev Event) {
	source := fmt.Sprintf("event %s", ev.Name)
	defer func() {
		if v := recover(); v != nil {
			b.sink(&api.CallbackError{Source: source, Value: v})
		}
	}()
	if err := h(ev); err != nil {
		b.sink(&api.CallbackError{Source: source, Value: err})
	}
}
