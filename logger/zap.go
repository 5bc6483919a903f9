package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to the key/value Logger interface.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger wraps l; a nil logger gets a production JSON logger at the given level.
func NewZapLogger(l *zap.Logger, level zapcore.Level) (*ZapLogger, error) {
	if l == nil {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		built, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			return nil, err
		}
		l = built
	}
	return &ZapLogger{l: l}, nil
}

func (z *ZapLogger) Debug(msg string, keyvals ...any) { z.l.Debug(msg, zapFields(keyvals)...) }
func (z *ZapLogger) Info(msg string, keyvals ...any)  { z.l.Info(msg, zapFields(keyvals)...) }
func (z *ZapLogger) Warn(msg string, keyvals ...any)  { z.l.Warn(msg, zapFields(keyvals)...) }
func (z *ZapLogger) Error(msg string, keyvals ...any) { z.l.Error(msg, zapFields(keyvals)...) }

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error { return z.l.Sync() }

func zapFields(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			fields = append(fields, zap.String(ks, vv))
		case bool:
			fields = append(fields, zap.Bool(ks, vv))
		case int:
			fields = append(fields, zap.Int(ks, vv))
		case error:
			fields = append(fields, zap.NamedError(ks, vv))
		case []string:
			fields = append(fields, zap.Strings(ks, vv))
		default:
			fields = append(fields, zap.Any(ks, vv))
		}
	}
	return fields
}
