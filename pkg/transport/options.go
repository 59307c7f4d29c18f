package transport

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/pkg/buffer"
	"github.com/srediag/plugin-dgram/pkg/reactor"
)

const (
	DefaultReceiveTimeout  = time.Second
	DefaultBufferExpiry    = 300 * time.Second
	DefaultRunInterval     = 10 * time.Millisecond
	DefaultMaxDrainPerPass = 1024
	DefaultStallThreshold  = 30 * time.Second
)

// Settings are the runtime tunables of a Manager. All except SplitPools can
// be changed on a running manager with Reconfigure.
type Settings struct {
	BufferCeiling  int64
	BufferExpiry   time.Duration
	SplitPools     bool
	ReceiveTimeout time.Duration
	RunInterval    time.Duration
	// BufferInbound appends datagrams from registered peers to their
	// receive buffer.
	BufferInbound bool
	// MaxDrainPerPass bounds how many datagrams one pass consumes so a
	// flood cannot starve timers.
	MaxDrainPerPass int
	// StallThreshold is how long a running manager may go without a loop
	// pass before Liveness fails.
	StallThreshold time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		BufferCeiling:   buffer.DefaultCeiling,
		BufferExpiry:    DefaultBufferExpiry,
		ReceiveTimeout:  DefaultReceiveTimeout,
		RunInterval:     DefaultRunInterval,
		MaxDrainPerPass: DefaultMaxDrainPerPass,
		StallThreshold:  DefaultStallThreshold,
	}
}

func (s Settings) Validate() error {
	switch {
	case s.BufferCeiling < 0:
		return fmt.Errorf("buffer ceiling %d: %w", s.BufferCeiling, api.ErrInvalidArgument)
	case s.BufferExpiry < 0:
		return fmt.Errorf("buffer expiry %v: %w", s.BufferExpiry, api.ErrInvalidArgument)
	case s.ReceiveTimeout < 0:
		return fmt.Errorf("receive timeout %v: %w", s.ReceiveTimeout, api.ErrInvalidArgument)
	case s.RunInterval < 0:
		return fmt.Errorf("run interval %v: %w", s.RunInterval, api.ErrInvalidArgument)
	case s.MaxDrainPerPass <= 0:
		return fmt.Errorf("max drain per pass %d: %w", s.MaxDrainPerPass, api.ErrInvalidArgument)
	case s.StallThreshold <= 0:
		return fmt.Errorf("stall threshold %v: %w", s.StallThreshold, api.ErrInvalidArgument)
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

func WithSettings(s Settings) Option {
	return func(m *Manager) { m.settings = s }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithErrorSink receives subscriber and callback failures. The default sink
// logs them.
func WithErrorSink(sink api.ErrorSink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock replaces the time source for timestamps, buffer expiry and
// the Run timeout.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithReactor injects the reactor ticked by each pass. The manager takes
// ownership and closes it on Close.
func WithReactor(r *reactor.Reactor) Option {
	return func(m *Manager) { m.reactor = r }
}
