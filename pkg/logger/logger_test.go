package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_RespectsLevel(t *testing.T) {
	l := New("warn")
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("chatty")
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsFieldsFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithConnID(context.Background(), "c1")
	ctx = WithRoomID(ctx, "R1")
	cl.WithContext(ctx).Info("routed")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "c1", fields["conn_id"])
		assert.Equal(t, "R1", fields["room_id"])
		assert.NotContains(t, fields, "mediator_id")
	}
}
