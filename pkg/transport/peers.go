package transport

import (
	"net"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/plugin-dgram/api"
)

// Peer is a registered remote endpoint.
type Peer struct {
	ID           string
	Host         string
	Port         int
	RegisteredAt time.Time
}

func (p Peer) Addr() api.Addr { return api.Addr{Host: p.Host, Port: p.Port} }

// peerTable indexes peers by id and by canonical address. Writes come from
// the loop goroutine; reads may come from anywhere.
type peerTable struct {
	byID   cmap.ConcurrentMap[string, Peer]
	byAddr cmap.ConcurrentMap[api.Addr, string]
}

func newPeerTable() *peerTable {
	return &peerTable{
		byID:   cmap.New[Peer](),
		byAddr: cmap.NewStringer[api.Addr, string](),
	}
}

// canonicalAddr normalizes IP literals so "::ffff:127.0.0.1" and
// "127.0.0.1" index the same peer. Host names are kept verbatim.
func canonicalAddr(host string, port int) api.Addr {
	if ip := net.ParseIP(host); ip != nil {
		host = ip.String()
	}
	return api.Addr{Host: host, Port: port}
}

func (t *peerTable) put(p Peer) {
	if old, ok := t.byID.Get(p.ID); ok {
		t.dropAddr(old)
	}
	t.byID.Set(p.ID, p)
	t.byAddr.Set(canonicalAddr(p.Host, p.Port), p.ID)
}

func (t *peerTable) remove(id string) (Peer, bool) {
	p, ok := t.byID.Pop(id)
	if ok {
		t.dropAddr(p)
	}
	return p, ok
}

func (t *peerTable) dropAddr(p Peer) {
	key := canonicalAddr(p.Host, p.Port)
	t.byAddr.RemoveCb(key, func(_ api.Addr, id string, exists bool) bool {
		return exists && id == p.ID
	})
}

func (t *peerTable) get(id string) (Peer, bool) { return t.byID.Get(id) }

// lookup finds the peer registered for a source address.
func (t *peerTable) lookup(host string, port int) (string, bool) {
	return t.byAddr.Get(canonicalAddr(host, port))
}

func (t *peerTable) count() int { return t.byID.Count() }

func (t *peerTable) list() []Peer {
	items := t.byID.Items()
	peers := make([]Peer, 0, len(items))
	for _, p := range items {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
