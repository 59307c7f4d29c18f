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

// Package buffer provides bounded per-peer byte queues with global memory
// accounting and idle expiry.
package buffer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-dgram/api"
)

// DefaultCeiling is the default aggregate byte limit across all buffers.
const DefaultCeiling int64 = 1 << 20

// Direction selects one of the two queues kept per peer.
type Direction uint8

const (
	Receive Direction = iota
	Send
)

func (d Direction) String() string {
	switch d {
	case Receive:
		return "receive"
	case Send:
		return "send"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) valid() bool { return d <= Send }

type entryKey struct {
	peer string
	dir  Direction
}

type entry struct {
	buf         *bytebufferpool.ByteBuffer
	lastTouched time.Time
}

// Stats is a point in time view of a Manager.
type Stats struct {
	Ceiling        int64
	Used           int64
	ReceiveUsed    int64
	SendUsed       int64
	Entries        int
	Peers          int
	SplitPools     bool
	Writes         uint64
	RejectedWrites uint64
	Reads          uint64
	Expired        uint64
}

// Manager owns every peer byte queue. The sum of all live queue sizes is
// tracked incrementally and never exceeds the ceiling after a write.
//
// Manager is safe for concurrent use, although the runtime drives it from a
// single goroutine; the lock exists so statistics can be read elsewhere.
type Manager struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
	used    [2]int64
	ceiling int64
	split   bool
	pool    bytebufferpool.Pool
	clock   func() time.Time

	writes   uint64
	rejected uint64
	reads    uint64
	expired  uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source used for touch and expiry.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithSplitPools applies the ceiling to the receive and send queues
// independently instead of to their sum.
func WithSplitPools() Option {
	return func(m *Manager) { m.split = true }
}

// NewManager creates a Manager bounded by ceiling bytes.
func NewManager(ceiling int64, opts ...Option) (*Manager, error) {
	if ceiling < 0 {
		return nil, fmt.Errorf("buffer ceiling %d: %w", ceiling, api.ErrInvalidArgument)
	}
	m := &Manager{
		entries: make(map[entryKey]*entry),
		ceiling: ceiling,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) total() int64 { return m.used[Receive] + m.used[Send] }

func (m *Manager) fits(dir Direction, n int64) bool {
	if m.split {
		return m.used[dir]+n <= m.ceiling
	}
	return m.total()+n <= m.ceiling
}

// Write appends p to the addressed queue. It returns false and leaves every
// queue untouched when the write would exceed the ceiling.
func (m *Manager) Write(peerID string, dir Direction, p []byte) bool {
	if !dir.valid() {
		return false
	}
	n := int64(len(p))

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fits(dir, n) {
		m.rejected++
		return false
	}
	k := entryKey{peer: peerID, dir: dir}
	e := m.entries[k]
	if e == nil {
		e = &entry{buf: m.pool.Get()}
		m.entries[k] = e
	}
	_, _ = e.buf.Write(p)
	m.used[dir] += n
	e.lastTouched = m.clock()
	m.writes++
	return true
}

// Read removes and returns up to maxLen bytes from the front of the queue.
// maxLen <= 0 drains the whole queue. A missing queue yields an empty slice.
func (m *Manager) Read(peerID string, dir Direction, maxLen int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[entryKey{peer: peerID, dir: dir}]
	if e == nil {
		return []byte{}
	}
	size := e.buf.Len()
	n := size
	if maxLen > 0 && maxLen < size {
		n = maxLen
	}

	out := make([]byte, n)
	copy(out, e.buf.B[:n])
	if n == size {
		e.buf.Reset()
	} else {
		rest := copy(e.buf.B, e.buf.B[n:])
		e.buf.B = e.buf.B[:rest]
	}
	m.used[dir] -= int64(n)
	e.lastTouched = m.clock()
	m.reads++
	return out
}

// Size returns the number of queued bytes.
func (m *Manager) Size(peerID string, dir Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.entries[entryKey{peer: peerID, dir: dir}]; e != nil {
		return e.buf.Len()
	}
	return 0
}

func (m *Manager) IsEmpty(peerID string, dir Direction) bool {
	return m.Size(peerID, dir) == 0
}

// Clear drops one queue. Unknown peers are ignored.
func (m *Manager) Clear(peerID string, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(entryKey{peer: peerID, dir: dir})
}

// ClearAll drops both queues of a peer.
func (m *Manager) ClearAll(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(entryKey{peer: peerID, dir: Receive})
	m.removeLocked(entryKey{peer: peerID, dir: Send})
}

func (m *Manager) removeLocked(k entryKey) bool {
	e := m.entries[k]
	if e == nil {
		return false
	}
	m.used[k.dir] -= int64(e.buf.Len())
	delete(m.entries, k)
	m.pool.Put(e.buf)
	return true
}

// SweepExpired removes every queue idle for longer than maxAge and returns
// how many were removed. A maxAge of zero or less removes every queue whose
// last touch is not in the future.
func (m *Manager) SweepExpired(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	removed := 0
	for k, e := range m.entries {
		age := now.Sub(e.lastTouched)
		if age > maxAge || (maxAge <= 0 && age >= 0) {
			m.removeLocked(k)
			removed++
		}
	}
	m.expired += uint64(removed)
	return removed
}

// SetCeiling changes the byte limit. Lowering it below current usage is
// allowed; later writes fail until enough bytes are drained.
func (m *Manager) SetCeiling(ceiling int64) error {
	if ceiling < 0 {
		return fmt.Errorf("buffer ceiling %d: %w", ceiling, api.ErrInvalidArgument)
	}
	m.mu.Lock()
	m.ceiling = ceiling
	m.mu.Unlock()
	return nil
}

func (m *Manager) Ceiling() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceiling
}

// Used returns the tracked total of queued bytes.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total()
}

// Peers returns the ids owning at least one queue, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peersLocked()
}

func (m *Manager) peersLocked() []string {
	seen := make(map[string]struct{}, len(m.entries))
	for k := range m.entries {
		seen[k.peer] = struct{}{}
	}
	peers := make([]string, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Ceiling:        m.ceiling,
		Used:           m.total(),
		ReceiveUsed:    m.used[Receive],
		SendUsed:       m.used[Send],
		Entries:        len(m.entries),
		Peers:          len(m.peersLocked()),
		SplitPools:     m.split,
		Writes:         m.writes,
		RejectedWrites: m.rejected,
		Reads:          m.reads,
		Expired:        m.expired,
	}
}
