package adapter

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/internal/logging"
	"github.com/srediag/plugin-dgram/pkg/config"
	"github.com/srediag/plugin-dgram/pkg/transport"
)

// HotReloadAdapter applies configuration revisions to a running manager.
// Settings and peer changes are posted to the loop goroutine; the log level
// changes immediately. Listen address and socket options need a restart.
type HotReloadAdapter struct {
	mgr   *transport.Manager
	level *zap.AtomicLevel
	log   *zap.Logger

	mu      sync.Mutex
	peers   map[string]config.PeerConfig
	watcher *config.Watcher

	applied atomic.Uint64
	failed  atomic.Uint64
}

// NewHotReloadAdapter tracks the peers of current as already registered.
// level may be nil when the log level is not managed.
func NewHotReloadAdapter(m *transport.Manager, current *config.Config, level *zap.AtomicLevel, log *zap.Logger) *HotReloadAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &HotReloadAdapter{
		mgr:   m,
		level: level,
		log:   log.Named("hotreload"),
		peers: make(map[string]config.PeerConfig),
	}
	if current != nil {
		for _, p := range current.Peers {
			a.peers[p.ID] = p
		}
	}
	return a
}

// Apply schedules cfg on the manager. Only a failure to post is returned;
// a revision rejected by the manager is logged and counted.
func (a *HotReloadAdapter) Apply(cfg *config.Config) error {
	if a.level != nil {
		if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil && lvl != a.level.Level() {
			a.level.SetLevel(lvl)
			a.log.Info("log level changed", zap.Stringer("level", lvl))
		}
	}

	settings := cfg.Settings()
	peers := append([]config.PeerConfig(nil), cfg.Peers...)
	return a.mgr.Post(func() {
		if err := a.mgr.Reconfigure(settings); err != nil {
			a.failed.Add(1)
			a.log.Error("reconfigure rejected", zap.Error(err))
			return
		}
		upsert, gone := a.diffPeers(peers)
		for _, id := range gone {
			a.mgr.UnregisterPeer(id)
		}
		if err := RegisterPeers(a.mgr, upsert); err != nil {
			a.log.Warn("peer registration failed", zap.Error(err))
		}
		a.applied.Add(1)
		a.log.Info("configuration applied",
			zap.Int("peers_added", len(upsert)),
			zap.Int("peers_removed", len(gone)),
		)
	})
}

// diffPeers records peers as the configured set and returns what changed.
func (a *HotReloadAdapter) diffPeers(peers []config.PeerConfig) (upsert []config.PeerConfig, gone []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := make(map[string]config.PeerConfig, len(peers))
	for _, p := range peers {
		next[p.ID] = p
		if old, ok := a.peers[p.ID]; !ok || old != p {
			upsert = append(upsert, p)
		}
	}
	for id := range a.peers {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	a.peers = next
	return upsert, gone
}

// Watch loads path and applies each later revision of it. The returned
// config is the initial revision.
func (a *HotReloadAdapter) Watch(path string) (*config.Config, error) {
	cfg, w, err := config.Watch(path,
		func(c *config.Config) {
			if err := a.Apply(c); err != nil {
				a.log.Warn("configuration not applied", zap.Error(err))
			}
		},
		func(err error) {
			a.failed.Add(1)
			a.log.Warn("configuration rejected", zap.Error(err))
		},
	)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	prev := a.watcher
	a.watcher = w
	a.mu.Unlock()
	if prev != nil {
		if err := prev.Stop(); err != nil {
			a.log.Warn("previous configuration watch not closed", zap.Error(err))
		}
	}
	return cfg, nil
}

// Stop ends watching. Revisions already posted still apply.
func (a *HotReloadAdapter) Stop() {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Stop(); err != nil {
		a.log.Warn("configuration watch not closed", zap.Error(err))
	}
}

// Applied counts revisions the manager accepted.
func (a *HotReloadAdapter) Applied() uint64 { return a.applied.Load() }

// Failed counts revisions rejected while decoding or reconfiguring.
func (a *HotReloadAdapter) Failed() uint64 { return a.failed.Load() }
