package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger is the structured logging handle threaded through every component.
// It is built once in cmd/feedsplit and never stored in package state.
type Logger struct {
	z *zap.SugaredLogger
}

// New builds a Logger writing to stderr.
// format is "json" (default) or "console".
func New(level, format string) (*Logger, error) {
	var cfg zap.Config
	if strings.ToLower(format) == "console" || strings.ToLower(format) == "text" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z.Sugar()}, nil
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger (used by tests with zaptest/observer).
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch Level(strings.ToUpper(level)) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// With returns a child Logger that always carries the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{z: l.z.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.z.Debugw(msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.z.Infow(msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.z.Warnw(msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	l.z.Errorw(msg, extended...)
}

// Sync flushes buffered output. Call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// CronLogger adapts Logger to the robfig/cron Logger interface.
type CronLogger struct {
	L *Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...any) {
	c.L.Debug("cron: "+msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.L.Error("cron: "+msg, err, keysAndValues...)
}
