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

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]string {
	out := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceDeviceCommand_RecordsError(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := TraceDeviceCommand(context.Background(), "10.0.0.5:5321", "get", "ZoneGain_0")
	RecordError(ctx, errors.New("timed out"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "device.get", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	got := attrs(ended[0].Attributes())
	assert.Equal(t, "10.0.0.5:5321", got[DeviceKey])
	assert.Equal(t, "ZoneGain_0", got[DeviceParamKey])
}

func TestTraceStreamSession_ParentsChildSpans(t *testing.T) {
	rec := recordSpans(t)

	ctx, parent := TraceStreamSession(context.Background(), "session-123", "10.0.0.5:5321")
	_, child := TraceMetadataFetch(ctx, "10.0.0.5:5321", "output")
	child.End()
	parent.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "metadata.fetch", ended[0].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, "output", attrs(ended[0].Attributes())[ChannelKindKey])
	assert.Equal(t, "session-123", attrs(ended[1].Attributes())[SessionIDKey])
}

func TestRecordError_NoSpanIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(context.Background(), errors.New("boom"))
	})
}

func TestTraceHTTPRequest(t *testing.T) {
	rec := recordSpans(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/meters/stream")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "http.GET", rec.Ended()[0].Name())
}
