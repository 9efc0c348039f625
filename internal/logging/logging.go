package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Provides a structured logger interface for the application

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	With(keysAndValues ...any) Logger
}

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ZapLogger adapts a sugared zap logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

func (z ZapLogger) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z ZapLogger) Info(msg string, kv ...any) { z.s.Infow(msg, kv...) }
func (z ZapLogger) Warn(msg string, kv ...any) { z.s.Warnw(msg, kv...) }
func (z ZapLogger) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }

func (z ZapLogger) With(kv ...any) Logger { return ZapLogger{s: z.s.With(kv...)} }

// Sync flushes buffered entries.
func (z ZapLogger) Sync() error { return z.s.Sync() }

// FromZap wraps an existing zap logger, e.g. one built on an observer core.
func FromZap(l *zap.Logger) ZapLogger { return ZapLogger{s: l.Sugar()} }

// Nop discards everything.
func Nop() Logger { return FromZap(zap.NewNop()) }

// New builds a logger writing to out (stderr when nil).
func New(levelValue, formatValue string, out io.Writer) (ZapLogger, error) {
	level, err := ParseLevel(levelValue)
	if err != nil {
		return ZapLogger{}, err
	}
	format, err := ParseFormat(formatValue)
	if err != nil {
		return ZapLogger{}, err
	}
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	return FromZap(zap.New(core)), nil
}

func ParseLevel(value string) (zapcore.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
}

func ParseFormat(value string) (Format, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", string(FormatText):
		return FormatText, nil
	case string(FormatJSON):
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format %q", value)
	}
}
