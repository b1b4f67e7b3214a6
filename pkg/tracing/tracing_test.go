package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "roomrelay", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))

	var nilProvider *TracerProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestTraceForward_RecordsAttributes(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceForward(context.Background(), "room-1", 3)
	AddSpanAttributes(ctx, TrackCountKey.Int(2))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "relay.forward", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), RoomIDKey.String("room-1"))
	assert.Contains(t, spans[0].Attributes(), SlotIndexKey.Int(3))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("relay.track_count", 2))
}

func TestRecordError_SetsStatus(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceRelay(context.Background(), "answer", "room-1", 0)
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "relay.answer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestTraceHTTPRequest(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/rooms/:id/forward")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "http.POST", rec.Ended()[0].Name())
}
