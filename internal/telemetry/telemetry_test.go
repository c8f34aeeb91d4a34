package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "imageiod", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{3, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{SampleRate: tt.rate}.sampleRatio())
	}
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())

	// Helpers are safe on the no-op tracer.
	ctx, span := StartImageSpan(ctx, "read", "t1", Offset(0), Length(10))
	defer span.End()
	assert.NotPanics(t, func() {
		AddEvent(ctx, "chunk")
		RecordError(ctx, nil)
		RecordError(ctx, errors.New("boom"))
		SetAttributes(ctx, Bytes(10))
	})
	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, SpanID(ctx))
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	setTracer(provider.Tracer("test"), true)
	t.Cleanup(func() { setTracer(DefaultTracer(), false) })

	ctx, span := StartImageSpan(context.Background(), "write", "t1", Offset(4096))
	assert.NotEmpty(t, TraceID(ctx))
	assert.NotEmpty(t, SpanID(ctx))

	_, inner := StartBackendSpan(ctx, "file", "write")
	inner.End()
	RecordError(ctx, errors.New("disk full"))
	span.End()

	_, ctl := StartTicketSpan(context.Background(), "add", "t2")
	ctl.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "backend.file.write", ended[0].Name())
	assert.Equal(t, "image.write", ended[1].Name())
	assert.Equal(t, "ticket.add", ended[2].Name())
	assert.Equal(t, ended[1].SpanContext().TraceID(), ended[0].Parent().TraceID())

	attrs := ended[1].Attributes()
	assert.Contains(t, attrs, attribute.String(AttrOp, "write"))
	assert.Contains(t, attrs, attribute.String(AttrTicketID, "t1"))
	assert.Contains(t, attrs, attribute.Int64(AttrOffset, 4096))
	assert.Equal(t, "disk full", ended[1].Status().Description)
}

func TestParseProfileType(t *testing.T) {
	for name := range profileTypes {
		_, err := parseProfileType(name)
		assert.NoError(t, err, name)
	}
	_, err := parseProfileType("heap")
	assert.Error(t, err)
}

func TestInitProfilingDisabled(t *testing.T) {
	stop, err := InitProfiling(ProfilingConfig{})
	require.NoError(t, err)
	assert.NoError(t, stop())
	assert.False(t, IsProfilingEnabled())
}

func TestInitProfilingRejectsUnknownType(t *testing.T) {
	_, err := InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"heap"}})
	assert.Error(t, err)
	assert.False(t, IsProfilingEnabled())
}
