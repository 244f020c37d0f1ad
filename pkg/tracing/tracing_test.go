package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "rillcast", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignalRequest_RecordsErrors(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceSignalRequest(context.Background(), "produce", "conn-1")
	AddSpanAttributes(ctx, StreamIDKey.String("s1"))
	RecordError(ctx, errors.New("transport not found"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.produce", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "conn-1", attrs["connection.id"])
	assert.Equal(t, "s1", attrs["stream.id"])
}

func TestSpanHelpers_Names(t *testing.T) {
	rec := withRecorder(t)

	_, s1 := TraceHTTPRequest(context.Background(), "GET", "/api/v1/streams/live")
	s1.End()
	_, s2 := TraceRelay(context.Background(), "create_router", "s1")
	s2.End()
	_, s3 := TraceStoreOperation(context.Background(), "get", "streams")
	s3.End()

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"http.GET", "relay.create_router", "store.get"}, names)
}
