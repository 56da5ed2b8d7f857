package log

import (
	"context"

	"go.uber.org/zap"
)

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// MLogger is a wrapper type of zap.Logger carried through contexts.
type MLogger struct {
	*zap.Logger
}

// With encapsulates zap.Logger With method to return MLogger instance.
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: l.Logger.With(fields...)}
}

// WithFields returns a context whose logger carries the given fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	var zlogger *zap.Logger
	if ctxLogger, ok := ctx.Value(ctxLogKey).(*MLogger); ok {
		zlogger = ctxLogger.Logger
	} else {
		zlogger = L().WithOptions(zap.AddCallerSkip(-1))
	}
	return context.WithValue(ctx, ctxLogKey, &MLogger{Logger: zlogger.With(fields...)})
}

// Ctx returns the logger stored in ctx, or the global logger if none is stored.
func Ctx(ctx context.Context) *MLogger {
	if ctx == nil {
		return &MLogger{Logger: L().WithOptions(zap.AddCallerSkip(-1))}
	}
	if ctxLogger, ok := ctx.Value(ctxLogKey).(*MLogger); ok {
		return ctxLogger
	}
	return &MLogger{Logger: L().WithOptions(zap.AddCallerSkip(-1))}
}
