package adapter

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/pkg/config"
	"github.com/srediag/plugin-dgram/pkg/reactor"
	"github.com/srediag/plugin-dgram/pkg/transport"
	"github.com/srediag/plugin-dgram/pkg/transport/udp"
)

// Node is a manager together with the UDP capability it drives.
type Node struct {
	Manager   *transport.Manager
	Transport *udp.Transport
}

// NewNode builds the UDP capability and the manager described by cfg and
// registers the configured peers. Nothing is bound until Manager.Start.
// opts are applied after the ones derived from cfg.
func NewNode(cfg *config.Config, log *zap.Logger, opts ...transport.Option) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	t, err := udp.New(cfg.UDP(), udp.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("udp transport: %w", err)
	}

	r := reactor.New(append(cfg.ReactorOptions(), reactor.WithLogger(log))...)
	base := []transport.Option{
		transport.WithSettings(cfg.Settings()),
		transport.WithLogger(log),
		transport.WithReactor(r),
	}
	m, err := transport.New(t, append(base, opts...)...)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := RegisterPeers(m, cfg.Peers); err != nil {
		_ = m.Close()
		return nil, err
	}
	return &Node{Manager: m, Transport: t}, nil
}

// RegisterPeers registers every entry of peers and reports all failures.
func RegisterPeers(m *transport.Manager, peers []config.PeerConfig) error {
	var errs []error
	for _, p := range peers {
		if err := m.RegisterPeer(p.ID, p.Host, p.Port); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnableEcho sends every inbound datagram back to where it came from.
func EnableEcho(m *transport.Manager) transport.SubscriptionID {
	return m.On(transport.EventDatagram, func(ev transport.Event) error {
		data, _ := ev.Payload.Get(transport.KeyBytes)
		host, _ := ev.Payload.Get(transport.KeyHost)
		port, _ := ev.Payload.Get(transport.KeyPort)
		peer, _ := ev.Payload.Get(transport.KeyPeerID)
		b, _ := data.([]byte)
		h, _ := host.(string)
		p, _ := port.(int)
		id, _ := peer.(string)
		m.Send(id, b, h, p)
		return nil
	})
}
