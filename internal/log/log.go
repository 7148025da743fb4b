// Package log is a thin structured-logging facade over zap so call sites
// never import zap directly. Fields are built with the helpers below and
// every call takes a context.Context so hooks (see hooks.go) can enrich the
// log line with request-scoped data (trace id, slot id, operation name).
package log

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field is a structured log attribute.
type Field = zapcore.Field

func String(key, val string) Field          { return zap.String(key, val) }
func Int(key string, val int) Field         { return zap.Int(key, val) }
func Int64(key string, val int64) Field     { return zap.Int64(key, val) }
func Float64(key string, val float64) Field { return zap.Float64(key, val) }
func Bool(key string, val bool) Field       { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field {
	return zap.Duration(key, val)
}
func Any(key string, val any) Field { return zap.Any(key, val) }
func Strings(key string, val []string) Field { return zap.Strings(key, val) }

// Cause wraps an error as a field named "error".
func Cause(err error) Field { return zap.Error(err) }

// Config controls the global logger.
type Config struct {
	Level       string         `conf:"level" yaml:"level" json:"level"`
	Development bool           `conf:"development" yaml:"development" json:"development"`
	Encoding    string         `conf:"encoding" yaml:"encoding" json:"encoding"` // "json" or "console"
	OutputPaths []string       `conf:"output_paths" yaml:"output_paths" json:"output_paths"`
	Rotation    RotationConfig `conf:"rotation" yaml:"rotation" json:"rotation"`
}

// RotationConfig configures lumberjack file rotation. Ignored unless one of
// Config.OutputPaths names a file path (as opposed to "stdout"/"stderr").
type RotationConfig struct {
	MaxSizeMB  int `conf:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int `conf:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int `conf:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}

func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Encoding:    "console",
		OutputPaths: []string{"stdout"},
		Rotation:    RotationConfig{MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
	}
}

var (
	globalMu     sync.RWMutex
	globalLogger = zap.NewNop()
	globalHooks  atomic.Pointer[[]Hook]
)

func init() {
	hooks := []Hook{HookFunc(traceFields)}
	globalHooks.Store(&hooks)
}

// SetGlobalConfig rebuilds the process-wide logger from cfg. Safe to call
// more than once (e.g. after config reload).
func SetGlobalConfig(cfg Config) {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var writers []zapcore.WriteSyncer

	for _, path := range cfg.OutputPaths {
		switch path {
		case "stdout":
			writers = append(writers, zapcore.AddSync(os.Stdout))
		case "stderr":
			writers = append(writers, zapcore.AddSync(os.Stderr))
		default:
			writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.Rotation.MaxSizeMB,
				MaxBackups: cfg.Rotation.MaxBackups,
				MaxAge:     cfg.Rotation.MaxAgeDays,
			}))
		}
	}

	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	opts := []zap.Option{zap.AddCallerSkip(1)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(core, opts...)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger returns the current process-wide *zap.Logger.
func GetGlobalLogger() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	return globalLogger
}

func logger() *zap.Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()

	return l
}

func withHooks(ctx context.Context, msg string, fields []Field) []Field {
	hooks := *globalHooks.Load()
	if len(hooks) == 0 {
		return fields
	}

	out := make([]Field, len(fields), len(fields)+len(hooks)*2)
	copy(out, fields)

	for _, h := range hooks {
		out = append(out, h.Apply(ctx, msg)...)
	}

	return out
}

func Debug(ctx context.Context, msg string, fields ...Field) {
	logger().Debug(msg, withHooks(ctx, msg, fields)...)
}

func Info(ctx context.Context, msg string, fields ...Field) {
	logger().Info(msg, withHooks(ctx, msg, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...Field) {
	logger().Warn(msg, withHooks(ctx, msg, fields)...)
}

func Error(ctx context.Context, msg string, fields ...Field) {
	logger().Error(msg, withHooks(ctx, msg, fields)...)
}
