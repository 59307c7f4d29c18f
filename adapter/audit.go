// Package adapter connects a transport manager to external systems: audit
// logs, health probes, configuration reloads and OpenTelemetry.
package adapter

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/pkg/transport"
)

var _ api.Audit = (*AuditAdapter)(nil)

// AuditAdapter writes manager events to a zap logger. Failures are logged
// at warn level, per-datagram events at debug and the rest at info.
type AuditAdapter struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[*transport.Manager]map[string]transport.SubscriptionID
}

func NewAuditAdapter(log *zap.Logger) *AuditAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditAdapter{
		log:  log.Named("audit"),
		subs: make(map[*transport.Manager]map[string]transport.SubscriptionID),
	}
}

// LogEvent records one event with free-form details.
func (a *AuditAdapter) LogEvent(event string, details map[string]interface{}) error {
	if event == "" {
		return fmt.Errorf("empty event name: %w", api.ErrInvalidArgument)
	}
	fields := make([]zap.Field, 0, len(details)+1)
	fields = append(fields, zap.String("event", event))
	for k, v := range details {
		fields = append(fields, detailField(k, v))
	}
	a.log.Check(levelFor(event), "transport event").Write(fields...)
	return nil
}

// Attach subscribes to every event m emits. Attaching twice is a no-op.
func (a *AuditAdapter) Attach(m *transport.Manager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[m]; ok {
		return
	}
	ids := make(map[string]transport.SubscriptionID, len(transport.EventNames))
	for _, name := range transport.EventNames {
		ids[name] = m.On(name, a.handle)
	}
	a.subs[m] = ids
}

// Detach removes the subscriptions made by Attach.
func (a *AuditAdapter) Detach(m *transport.Manager) {
	a.mu.Lock()
	ids, ok := a.subs[m]
	delete(a.subs, m)
	a.mu.Unlock()
	if !ok {
		return
	}
	for name, id := range ids {
		m.Off(name, id)
	}
}

func (a *AuditAdapter) handle(ev transport.Event) error {
	return a.LogEvent(ev.Name, ev.Payload.Map())
}

func levelFor(event string) zapcore.Level {
	switch event {
	case transport.EventSendError, transport.EventReceiveError:
		return zapcore.WarnLevel
	case transport.EventDatagram, transport.EventDataSent, transport.EventDataReceived:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// detailField keeps payload bytes out of the log, recording only the length.
func detailField(key string, v any) zap.Field {
	if b, ok := v.([]byte); ok {
		return zap.Int(key+"_len", len(b))
	}
	return zap.Any(key, v)
}
