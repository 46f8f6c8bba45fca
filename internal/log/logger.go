// Package log provides structured logging for loris using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loris-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(pc uint32, category, name, detail string) // trace callback for hook events
}

var (
	// L is the global logger instance used by the CLI.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger if Init was never called.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnEvent sets the callback invoked for every hook event reported via Event.
func (l *Logger) SetOnEvent(fn func(pc uint32, category, name, detail string)) {
	l.onEvent = fn
}

// Event reports a hook event (intercept hit, unmapped access, script output).
// The callback receives it for trace rendering; the log gets a debug record.
func (l *Logger) Event(pc uint32, category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(pc, category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("name", name),
		zap.String("detail", detail),
		PC(pc),
	)
}

// Region logs a memory region being mapped.
func (l *Logger) Region(name string, base, size uint32, prot string) {
	l.Debug("map",
		zap.String("region", name),
		Addr(base),
		Size(size),
		zap.String("prot", prot),
	)
}

// WithRun returns a logger carrying the run identifier.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("run", id)),
		onEvent: l.onEvent,
	}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// Hex formats an address as a 0x-prefixed hex string for logging.
func Hex(addr uint32) string {
	return "0x" + hexString(addr)
}

func hexString(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 8)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// PC creates a program counter field.
func PC(pc uint32) zap.Field {
	return zap.String("pc", Hex(pc))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(ptr))
}
