// Package config loads dgramd configuration from YAML files and DGRAM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/internal/logging"
	"github.com/srediag/plugin-dgram/pkg/buffer"
	"github.com/srediag/plugin-dgram/pkg/reactor"
	"github.com/srediag/plugin-dgram/pkg/transport"
	"github.com/srediag/plugin-dgram/pkg/transport/udp"
)

// EnvPrefix prefixes every environment override, e.g. DGRAM_LOG_LEVEL.
const EnvPrefix = "DGRAM"

// Config is the root configuration of a dgram node.
type Config struct {
	NodeID    string          `mapstructure:"node_id" yaml:"node_id"`
	Buffer    BufferConfig    `mapstructure:"buffer" yaml:"buffer"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Reactor   ReactorConfig   `mapstructure:"reactor" yaml:"reactor"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	// Peers are registered when the node starts.
	Peers []PeerConfig `mapstructure:"peers" yaml:"peers"`
}

type BufferConfig struct {
	Ceiling    int64         `mapstructure:"ceiling" yaml:"ceiling"`
	Expiry     time.Duration `mapstructure:"expiry" yaml:"expiry"`
	SplitPools bool          `mapstructure:"split_pools" yaml:"split_pools"`
}

type TransportConfig struct {
	Network         string        `mapstructure:"network" yaml:"network"`
	Address         string        `mapstructure:"address" yaml:"address"`
	ReceiveTimeout  time.Duration `mapstructure:"receive_timeout" yaml:"receive_timeout"`
	ReadBuffer      int           `mapstructure:"read_buffer" yaml:"read_buffer"`
	WriteBuffer     int           `mapstructure:"write_buffer" yaml:"write_buffer"`
	ReuseAddr       bool          `mapstructure:"reuse_addr" yaml:"reuse_addr"`
	BindRetries     uint64        `mapstructure:"bind_retries" yaml:"bind_retries"`
	BindBackoff     time.Duration `mapstructure:"bind_backoff" yaml:"bind_backoff"`
	MaxDatagramSize int           `mapstructure:"max_datagram_size" yaml:"max_datagram_size"`
	BufferInbound   bool          `mapstructure:"buffer_inbound" yaml:"buffer_inbound"`
	MaxDrainPerPass int           `mapstructure:"max_drain_per_pass" yaml:"max_drain_per_pass"`
}

type ReactorConfig struct {
	IdleSleep      time.Duration `mapstructure:"idle_sleep" yaml:"idle_sleep"`
	MaxPollWait    time.Duration `mapstructure:"max_poll_wait" yaml:"max_poll_wait"`
	RunInterval    time.Duration `mapstructure:"run_interval" yaml:"run_interval"`
	StallThreshold time.Duration `mapstructure:"stall_threshold" yaml:"stall_threshold"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Development bool           `mapstructure:"development" yaml:"development"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

type PeerConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns the built in defaults.
func DefaultConfig() *Config {
	u := udp.DefaultConfig()
	s := transport.DefaultSettings()
	return &Config{
		NodeID: "dgram-node",
		Buffer: BufferConfig{
			Ceiling: buffer.DefaultCeiling,
			Expiry:  s.BufferExpiry,
		},
		Transport: TransportConfig{
			Network:         u.Network,
			Address:         "0.0.0.0:7700",
			ReceiveTimeout:  s.ReceiveTimeout,
			BindRetries:     u.BindRetries,
			BindBackoff:     u.BindBackoff,
			MaxDatagramSize: u.MaxDatagramSize,
			MaxDrainPerPass: s.MaxDrainPerPass,
		},
		Reactor: ReactorConfig{
			IdleSleep:      reactor.DefaultIdleSleep,
			MaxPollWait:    reactor.DefaultMaxPollWait,
			RunInterval:    s.RunInterval,
			StallThreshold: s.StallThreshold,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Enabled:   true,
			Address:   "127.0.0.1:9700",
			Namespace: "dgram",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("buffer.ceiling", cfg.Buffer.Ceiling)
	v.SetDefault("buffer.expiry", cfg.Buffer.Expiry)
	v.SetDefault("buffer.split_pools", cfg.Buffer.SplitPools)
	v.SetDefault("transport.network", cfg.Transport.Network)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("transport.receive_timeout", cfg.Transport.ReceiveTimeout)
	v.SetDefault("transport.read_buffer", cfg.Transport.ReadBuffer)
	v.SetDefault("transport.write_buffer", cfg.Transport.WriteBuffer)
	v.SetDefault("transport.reuse_addr", cfg.Transport.ReuseAddr)
	v.SetDefault("transport.bind_retries", cfg.Transport.BindRetries)
	v.SetDefault("transport.bind_backoff", cfg.Transport.BindBackoff)
	v.SetDefault("transport.max_datagram_size", cfg.Transport.MaxDatagramSize)
	v.SetDefault("transport.buffer_inbound", cfg.Transport.BufferInbound)
	v.SetDefault("transport.max_drain_per_pass", cfg.Transport.MaxDrainPerPass)
	v.SetDefault("reactor.idle_sleep", cfg.Reactor.IdleSleep)
	v.SetDefault("reactor.max_poll_wait", cfg.Reactor.MaxPollWait)
	v.SetDefault("reactor.run_interval", cfg.Reactor.RunInterval)
	v.SetDefault("reactor.stall_threshold", cfg.Reactor.StallThreshold)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("admin.enabled", cfg.Admin.Enabled)
	v.SetDefault("admin.address", cfg.Admin.Address)
	v.SetDefault("admin.namespace", cfg.Admin.Namespace)
	v.SetDefault("peers", cfg.Peers)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dgramd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dgramd"))
		}
	}
	return v
}

// Load reads the configuration at path, or searches ./dgramd.yaml,
// ./configs and ~/.dgramd when path and DGRAM_CONFIG are empty. A missing
// search result falls back to defaults and environment.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// ResolvedPath returns the file Load(path) would read, or "" when it
// would fall back to defaults.
func ResolvedPath(path string) string {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile stores cfg as YAML, creating parent directories.
func WriteFile(path string, cfg *Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}

// VerifyConfig checks ranges and normalizes log settings in place.
func VerifyConfig(c *Config) error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w: %w", api.ErrInvalidArgument, err)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q: %w", c.Log.Format, api.ErrInvalidArgument)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Reactor.IdleSleep < 0 || c.Reactor.MaxPollWait < 0 {
		return fmt.Errorf("reactor waits must not be negative: %w", api.ErrInvalidArgument)
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("peer %q %s:%d: %w", p.ID, p.Host, p.Port, api.ErrInvalidArgument)
		}
	}
	if err := c.Settings().Validate(); err != nil {
		return err
	}
	return c.UDP().Verify()
}

// Options maps the log section onto logger options.
func (l LogConfig) Options() logging.Options {
	return logging.Options{
		Level:       l.Level,
		Format:      l.Format,
		Outputs:     l.Outputs,
		Development: l.Development,
		Rotation: logging.Rotation{
			Enable:     l.Rotation.Enable,
			MaxSizeMB:  l.Rotation.MaxSizeMB,
			MaxBackups: l.Rotation.MaxBackups,
			MaxAgeDays: l.Rotation.MaxAgeDays,
			Compress:   l.Rotation.Compress,
		},
	}
}

// Settings maps the config onto manager settings.
func (c *Config) Settings() transport.Settings {
	return transport.Settings{
		BufferCeiling:   c.Buffer.Ceiling,
		BufferExpiry:    c.Buffer.Expiry,
		SplitPools:      c.Buffer.SplitPools,
		ReceiveTimeout:  c.Transport.ReceiveTimeout,
		RunInterval:     c.Reactor.RunInterval,
		BufferInbound:   c.Transport.BufferInbound,
		MaxDrainPerPass: c.Transport.MaxDrainPerPass,
		StallThreshold:  c.Reactor.StallThreshold,
	}
}

// UDP maps the config onto the UDP capability config.
func (c *Config) UDP() udp.Config {
	return udp.Config{
		Network:         c.Transport.Network,
		Address:         c.Transport.Address,
		ReadBuffer:      c.Transport.ReadBuffer,
		WriteBuffer:     c.Transport.WriteBuffer,
		ReuseAddr:       c.Transport.ReuseAddr,
		BindRetries:     c.Transport.BindRetries,
		BindBackoff:     c.Transport.BindBackoff,
		MaxDatagramSize: c.Transport.MaxDatagramSize,
		ReceiveTimeout:  c.Transport.ReceiveTimeout,
	}
}

// ReactorOptions maps the reactor section onto reactor options.
func (c *Config) ReactorOptions() []reactor.Option {
	return []reactor.Option{
		reactor.WithIdleSleep(c.Reactor.IdleSleep),
		reactor.WithMaxPollWait(c.Reactor.MaxPollWait),
	}
}
