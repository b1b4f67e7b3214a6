package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	connIDKey     ctxKey = "conn_id"
	roomIDKey     ctxKey = "room_id"
	mediatorIDKey ctxKey = "mediator_id"
)

// WithConnID stores the signaling connection id in ctx.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// WithRoomID stores the room id in ctx.
func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

// WithMediatorID stores the mediator id in ctx.
func WithMediatorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, mediatorIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds context fields to logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []ctxKey{connIDKey, roomIDKey, mediatorIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugar returns the context-enriched logger in sugared form.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
