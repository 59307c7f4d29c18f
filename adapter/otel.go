package adapter

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/plugin-dgram/pkg/transport"
)

const meterName = "github.com/srediag/plugin-dgram/adapter"

// OTelAdapter mirrors manager events into OpenTelemetry instruments.
type OTelAdapter struct {
	events metric.Int64Counter
	bytes  metric.Int64Counter

	mu   sync.Mutex
	subs map[*transport.Manager]map[string]transport.SubscriptionID
	regs map[*transport.Manager]metric.Registration
}

// NewOTelAdapter creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewOTelAdapter(meter metric.Meter) (*OTelAdapter, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	events, err := meter.Int64Counter("dgram.events",
		metric.WithDescription("Manager events by name."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("dgram.bytes",
		metric.WithDescription("Payload bytes carried by data events."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &OTelAdapter{
		events: events,
		bytes:  bytes,
		subs:   make(map[*transport.Manager]map[string]transport.SubscriptionID),
		regs:   make(map[*transport.Manager]metric.Registration),
	}, nil
}

// Attach counts every event m emits.
func (a *OTelAdapter) Attach(m *transport.Manager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[m]; ok {
		return
	}
	ids := make(map[string]transport.SubscriptionID, len(transport.EventNames))
	for _, name := range transport.EventNames {
		ids[name] = m.On(name, a.record)
	}
	a.subs[m] = ids
}

// ObserveBuffers registers gauges reporting m's buffer usage on every
// collection of meter.
func (a *OTelAdapter) ObserveBuffers(meter metric.Meter, m *transport.Manager) error {
	used, err := meter.Int64ObservableGauge("dgram.buffer.used",
		metric.WithDescription("Bytes held in peer buffers."),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	ceiling, err := meter.Int64ObservableGauge("dgram.buffer.ceiling",
		metric.WithDescription("Buffer ceiling."),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := m.Buffers().Stats()
		o.ObserveInt64(used, st.Used)
		o.ObserveInt64(ceiling, st.Ceiling)
		return nil
	}, used, ceiling)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.regs[m] = reg
	a.mu.Unlock()
	return nil
}

// Detach removes the subscriptions and callbacks registered for m.
func (a *OTelAdapter) Detach(m *transport.Manager) error {
	a.mu.Lock()
	ids := a.subs[m]
	reg := a.regs[m]
	delete(a.subs, m)
	delete(a.regs, m)
	a.mu.Unlock()

	for name, id := range ids {
		m.Off(name, id)
	}
	if reg != nil {
		return reg.Unregister()
	}
	return nil
}

func (a *OTelAdapter) record(ev transport.Event) error {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("event", ev.Name))
	a.events.Add(ctx, 1, attrs)
	if v, ok := ev.Payload.Get(transport.KeyBytes); ok {
		if b, ok := v.([]byte); ok {
			a.bytes.Add(ctx, int64(len(b)), attrs)
		}
	}
	return nil
}
