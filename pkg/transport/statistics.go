package transport

import (
	"time"

	"github.com/srediag/plugin-dgram/pkg/buffer"
	"github.com/srediag/plugin-dgram/pkg/lifecycle"
	"github.com/srediag/plugin-dgram/pkg/reactor"
)

// Statistics is a read-only snapshot of a Manager.
type Statistics struct {
	State            lifecycle.State
	Running          bool
	PeerCount        int
	Subscribers      int
	PendingPosts     int
	Buffers          buffer.Stats
	Reactor          reactor.Stats
	Passes           uint64
	DataSent         uint64
	BytesSent        uint64
	SendErrors       uint64
	DataReceived     uint64
	ReceiveErrors    uint64
	Datagrams        uint64
	BytesReceived    uint64
	InboundDropped   uint64
	CallbackFailures uint64
	StartedAt        time.Time
	LastPass         time.Time
}

func (m *Manager) Statistics() Statistics {
	st := Statistics{
		State:            m.machine.State(),
		Running:          m.machine.Running(),
		PeerCount:        m.peers.count(),
		Subscribers:      m.events.count(),
		PendingPosts:     m.inbox.len(),
		Buffers:          m.buffers.Stats(),
		Reactor:          m.reactor.Stats(),
		Passes:           m.passes.Load(),
		DataSent:         m.sent.Load(),
		BytesSent:        m.bytesOut.Load(),
		SendErrors:       m.sendErrs.Load(),
		DataReceived:     m.received.Load(),
		ReceiveErrors:    m.recvErrs.Load(),
		Datagrams:        m.datagrams.Load(),
		BytesReceived:    m.bytesIn.Load(),
		InboundDropped:   m.dropped.Load(),
		CallbackFailures: m.cbFailures.Load(),
	}
	if ns := m.startedAt.Load(); ns != 0 {
		st.StartedAt = time.Unix(0, ns)
	}
	if ns := m.lastPass.Load(); ns != 0 {
		st.LastPass = time.Unix(0, ns)
	}
	return st
}
