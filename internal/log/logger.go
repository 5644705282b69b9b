// Package log provides structured logging for efitaint using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceFunc receives stub calls and taint transitions as they happen. pc is
// the return address of the service call or the retired instruction.
type TraceFunc func(pc uint64, category, name, detail string)

// Logger wraps zap.Logger and forwards trace events to an optional callback.
// Children made with Named or With share the callback of their parent at the
// time they were created.
type Logger struct {
	*zap.Logger
	onTrace TraceFunc
}

var (
	// L is the process-wide logger set up by Init.
	L    *Logger
	once sync.Once
)

// Init sets up L. Only the first call has an effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New builds a console logger. Debug mode logs every trace event; otherwise
// only warnings and errors are printed.
func New(debug bool) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.DisableStacktrace = true
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{Logger: z}
}

// NewNop returns a logger that drops everything, for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnTrace installs fn as the trace callback.
func (l *Logger) SetOnTrace(fn TraceFunc) {
	l.onTrace = fn
}

// Trace reports a stub call or taint transition.
func (l *Logger) Trace(pc uint64, category, name, detail string) {
	if l.onTrace != nil {
		l.onTrace(pc, category, name, detail)
	}
	l.Debug(category,
		Fn(name),
		zap.String("detail", detail),
		Addr(pc),
	)
}

// StubInstall records where a service stub was placed.
func (l *Logger) StubInstall(category, name string, addr uint64) {
	l.Debug("stub installed", zap.String("cat", category), Fn(name), Addr(addr))
}

// Named returns a child logger.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name), onTrace: l.onTrace}
}

// With returns a child logger with preset fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...), onTrace: l.onTrace}
}

// Hex formats v as 0x-prefixed lowercase hex.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func Addr(addr uint64) zap.Field { return zap.String("addr", Hex(addr)) }
func Ptr(name string, p uint64) zap.Field { return zap.String(name, Hex(p)) }
func Fn(name string) zap.Field { return zap.String("fn", name) }
func API(name string) zap.Field { return zap.String("api", name) }

// Range renders the half-open byte range [addr, addr+n).
func Range(addr, n uint64) zap.Field {
	return zap.String("range", "["+Hex(addr)+", "+Hex(addr+n)+")")
}
