// Package obs provides the structured logging adapter shared by every
// component. Components accept a Logger at construction rather than reaching
// for a package-level global, so tests can inject a no-op or observed logger.
package obs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the narrow logging surface components depend on.
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, err error, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

var _ Logger = (*zapLogger)(nil)

func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }

func (z *zapLogger) Error(msg string, err error, fields ...zap.Field) {
	z.l.Error(msg, append(fields, zap.Error(err))...)
}

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// NewStdLogger returns a production JSON logger writing to stderr.
func NewStdLogger() Logger {
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &zapLogger{l: l}
}

// NewFileLogger returns a logger backed by a size/age-rotated file, for
// long-running headless agent deployments where stderr isn't captured.
func NewFileLogger(filename string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) Logger {
	hook := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(hook),
		zapcore.DebugLevel,
	)
	return &zapLogger{l: zap.New(core, zap.AddCallerSkip(1))}
}

// NewNopLogger discards all log output. Used by tests and by components that
// weren't given a logger explicitly.
func NewNopLogger() Logger {
	return &zapLogger{l: zap.NewNop()}
}
