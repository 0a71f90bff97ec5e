// Package log provides structured zap logging for microlink components.
//
// Every entry carries the component that emitted it. Context that holds
// for a logger's lifetime (device path, transport kind) is attached once
// with With; per-entry fields are nested under "fields".
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes JSON entries for one component.
type Logger struct {
	zap *zap.Logger
}

// Options configures a new Logger.
type Options struct {
	// Output defaults to os.Stderr.
	Output io.Writer
	// Level defaults to info.
	Level zapcore.Level
}

// NewLogger logs component to stderr at info level.
func NewLogger(component string) *Logger {
	return NewLoggerWithOptions(component, Options{})
}

// NewLoggerWithOptions logs component with an explicit output and level.
func NewLoggerWithOptions(component string, opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(out), opts.Level)
	return &Logger{zap: zap.New(core).With(zap.String("component", component))}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// OrNop returns l, or a Nop logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(name string) (zapcore.Level, error) {
	return zapcore.ParseLevel(name)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...)}
}

// Named tags entries with a subcomponent, such as "wakeup".
func (l *Logger) Named(sub string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("subcomponent", sub))}
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(zapcore.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any) { l.log(zapcore.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any) { l.log(zapcore.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.log(zapcore.ErrorLevel, msg, fields) }

func (l *Logger) log(lvl zapcore.Level, msg string, fields map[string]any) {
	ce := l.zap.Check(lvl, msg)
	if ce == nil {
		return
	}
	if len(fields) == 0 {
		ce.Write()
		return
	}
	ce.Write(zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
