// Package metrics exports manager statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-dgram/pkg/transport"
)

// StatsSource returns a statistics snapshot; *transport.Manager satisfies it.
type StatsSource interface {
	Statistics() transport.Statistics
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(transport.Statistics) float64
}

// Collector reads one snapshot per scrape so every series of a scrape is
// consistent.
type Collector struct {
	src       StatsSource
	metrics   []metric
	bufferUse *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, src StatsSource) *Collector {
	c := &Collector{src: src}
	gauge := func(name, help string, f func(transport.Statistics) float64) {
		c.metrics = append(c.metrics, metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: f,
		})
	}
	counter := func(name, help string, f func(transport.Statistics) float64) {
		c.metrics = append(c.metrics, metric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: f,
		})
	}

	gauge("up", "Whether the transport manager is running.", func(s transport.Statistics) float64 {
		if s.Running {
			return 1
		}
		return 0
	})
	gauge("peers", "Registered peers.", func(s transport.Statistics) float64 { return float64(s.PeerCount) })
	gauge("subscribers", "Event subscriptions.", func(s transport.Statistics) float64 { return float64(s.Subscribers) })
	gauge("pending_posts", "Closures waiting for the loop goroutine.", func(s transport.Statistics) float64 { return float64(s.PendingPosts) })
	gauge("buffer_ceiling_bytes", "Buffer byte ceiling.", func(s transport.Statistics) float64 { return float64(s.Buffers.Ceiling) })
	gauge("buffer_entries", "Live per-peer buffers.", func(s transport.Statistics) float64 { return float64(s.Buffers.Entries) })
	counter("buffer_writes_total", "Accepted buffer writes.", func(s transport.Statistics) float64 { return float64(s.Buffers.Writes) })
	counter("buffer_writes_rejected_total", "Buffer writes rejected by the ceiling.", func(s transport.Statistics) float64 { return float64(s.Buffers.RejectedWrites) })
	counter("buffer_expired_total", "Buffers removed by expiry.", func(s transport.Statistics) float64 { return float64(s.Buffers.Expired) })
	gauge("reactor_pending_timers", "Scheduled reactor timers.", func(s transport.Statistics) float64 { return float64(s.Reactor.PendingTimers) })
	gauge("reactor_watches", "Watched descriptors.", func(s transport.Statistics) float64 {
		return float64(s.Reactor.ReadWatches + s.Reactor.WriteWatches)
	})
	counter("reactor_ticks_total", "Reactor iterations.", func(s transport.Statistics) float64 { return float64(s.Reactor.Ticks) })
	counter("reactor_timers_fired_total", "Timer callbacks run.", func(s transport.Statistics) float64 { return float64(s.Reactor.TimersFired) })
	counter("reactor_io_callbacks_total", "Readiness callbacks run.", func(s transport.Statistics) float64 { return float64(s.Reactor.IOCallbacks) })
	counter("passes_total", "Manager loop passes.", func(s transport.Statistics) float64 { return float64(s.Passes) })
	counter("datagrams_total", "Datagrams drained from the transport.", func(s transport.Statistics) float64 { return float64(s.Datagrams) })
	counter("received_bytes_total", "Bytes received.", func(s transport.Statistics) float64 { return float64(s.BytesReceived) })
	counter("sent_total", "Successful sends.", func(s transport.Statistics) float64 { return float64(s.DataSent) })
	counter("sent_bytes_total", "Bytes sent.", func(s transport.Statistics) float64 { return float64(s.BytesSent) })
	counter("send_errors_total", "Failed sends.", func(s transport.Statistics) float64 { return float64(s.SendErrors) })
	counter("receive_errors_total", "Failed receives.", func(s transport.Statistics) float64 { return float64(s.ReceiveErrors) })
	counter("inbound_dropped_total", "Datagrams not buffered because the ceiling was reached.", func(s transport.Statistics) float64 { return float64(s.InboundDropped) })
	counter("callback_failures_total", "Failed callbacks and subscribers.", func(s transport.Statistics) float64 { return float64(s.CallbackFailures) })

	c.bufferUse = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "buffer_used_bytes"),
		"Bytes held in peer buffers.",
		[]string{"direction"}, nil,
	)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.bufferUse
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Statistics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s))
	}
	ch <- prometheus.MustNewConstMetric(c.bufferUse, prometheus.GaugeValue, float64(s.Buffers.ReceiveUsed), "receive")
	ch <- prometheus.MustNewConstMetric(c.bufferUse, prometheus.GaugeValue, float64(s.Buffers.SendUsed), "send")
}
