// Package log provides structured logging with repair session context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the repair loop (structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"maps"
	"os"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SessionMeta identifies the session every log entry belongs to.
type SessionMeta struct {
	SessionID string
	Package   string
	Version   string
}

// Logger provides structured logging with session context.
// All log entries include the session identity fields.
type Logger struct {
	zap    *zap.Logger
	level  zap.AtomicLevel
	w      io.Writer
	fields []zap.Field
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger with session context.
// Output defaults to os.Stderr at info level.
func NewLogger(meta SessionMeta) *Logger {
	return NewLoggerWithWriter(meta, os.Stderr)
}

// Nop returns a logger that discards everything. Used by tests and by
// library callers that do not configure logging.
func Nop() *Logger {
	return newLogger(io.Discard, zap.NewAtomicLevelAt(zapcore.InfoLevel), nil)
}

// NewLoggerWithWriter creates a logger writing JSON lines to w.
func NewLoggerWithWriter(meta SessionMeta, w io.Writer) *Logger {
	contextFields := []zap.Field{
		zap.String("session_id", meta.SessionID),
		zap.String("package", meta.Package),
	}
	if meta.Version != "" {
		contextFields = append(contextFields, zap.String("version", meta.Version))
	}
	return newLogger(w, zap.NewAtomicLevelAt(zapcore.InfoLevel), contextFields)
}

func newLogger(w io.Writer, level zap.AtomicLevel, fields []zap.Field) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{zap: zap.New(core).With(fields...), level: level, w: w, fields: fields}
}

// WithOutput returns a new logger with a different output writer.
// Context fields and the level are kept.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return newLogger(w, l.level, l.fields)
}

// SetDebug toggles debug-level output.
func (l *Logger) SetDebug(on bool) {
	if on {
		l.level.SetLevel(zapcore.DebugLevel)
		return
	}
	l.level.SetLevel(zapcore.InfoLevel)
}

// With returns a logger carrying additional context fields.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := slices.Clone(l.fields)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return newLogger(l.w, l.level, zf)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
