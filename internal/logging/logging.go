// Package logging builds the zap logger used by dgramd.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelEnv overrides the configured level, by name or by number
// (0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 silent).
const LevelEnv = "DGRAM_LOG_LEVEL"

// Options describes the logger outputs.
type Options struct {
	Level       string
	Format      string
	Outputs     []string
	Development bool
	Rotation    Rotation
}

// Rotation applies to file outputs only.
type Rotation struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel accepts level names and the numeric scale of LevelEnv. Trace
// maps onto debug; silent disables every level.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 1:
			return zapcore.DebugLevel, nil
		case n == 2:
			return zapcore.InfoLevel, nil
		case n == 3:
			return zapcore.WarnLevel, nil
		case n == 4:
			return zapcore.ErrorLevel, nil
		default:
			return zapcore.FatalLevel + 1, nil
		}
	}
	switch s {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "silent", "off":
		return zapcore.FatalLevel + 1, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Setup builds a logger from o, installs it as the zap global and redirects
// the standard library logger. The returned level can be changed at runtime.
// Callers should defer logger.Sync().
func Setup(o Options) (*zap.Logger, zap.AtomicLevel, error) {
	name := o.Level
	if env := os.Getenv(LevelEnv); env != "" {
		name = env
	}
	lvl, err := ParseLevel(name)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	encoder := newEncoder(o)
	outputs := o.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var cores []zapcore.Core
	for _, out := range outputs {
		ws, err := sink(out, o.Rotation)
		if err != nil {
			return nil, zap.AtomicLevel{}, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if o.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, level, nil
}

func newEncoder(o Options) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	if o.Development {
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.ToLower(o.Format) == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func sink(out string, r Rotation) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log output %s: %w", out, err)
		}
	}
	if r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 1),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 1),
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", out, err)
	}
	return zapcore.Lock(f), nil
}
