// Package log provides the structured logger used across the group key
// agreement core. It wraps zap so that callers depend on a small interface
// instead of the concrete logging library.
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// log is the implementation of Logger.
type log struct {
	*zap.SugaredLogger
}

// Logger is the logging surface every package in this module accepts.
// Nothing below core/dcgka ever logs directly to stdout: every side effect
// worth recording (rejected messages, ratchet gaps, membership conflicts)
// goes through a Logger so a host application can route it anywhere.
//
//nolint:interfacebloat // mirrors zap's SugaredLogger surface deliberately
type Logger interface {
	Debug(keyvals ...interface{})
	Info(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
}

func (l *log) With(args ...interface{}) Logger {
	return &log{l.SugaredLogger.With(args...)}
}

func (l *log) Named(s string) Logger {
	return &log{l.SugaredLogger.Named(s)}
}

const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
)

// DefaultLevel is the level new loggers use unless told otherwise.
var DefaultLevel = InfoLevel

//nolint:gochecknoinits // mirrors the teacher's env-driven debug toggle
func init() {
	if v, ok := os.LookupEnv("P2PANDA_GROUP_DEBUG"); ok && v != "" {
		DefaultLevel = DebugLevel
	}
}

var defaultOnce sync.Once
var defaultLogger Logger

// Default returns a process-wide logger at DefaultLevel. Safe to call from
// package init() of downstream consumers; the underlying zap logger is
// constructed exactly once.
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr, DefaultLevel, false)
	})
	return defaultLogger
}

// New builds a logger writing to output at the given level. Set isJSON to
// true for machine-parseable logs (the default for long-running daemons
// embedding this module).
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	encoder := consoleEncoder()
	if isJSON {
		encoder = jsonEncoder()
	}
	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return &log{zap.New(core, zap.AddCaller()).Sugar()}
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

type ctxKey string

const loggerCtxKey ctxKey = "p2pandaGroupLogger"

// ToContext attaches l to ctx for passthrough across package boundaries.
func ToContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, l)
}

// FromContext returns the logger stashed in ctx, or Default() if none was set.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerCtxKey).(Logger); ok {
		return l
	}
	return Default()
}
