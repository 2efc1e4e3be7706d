package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithDeviceID(ctx, "dsp-1")
	ctx = WithSessionID(ctx, "sess-1")
	cl.LogRequest(ctx, "GET", "/api/v1/devices/dsp-1/meters", 200, 3)
	cl.LogError(ctx, errors.New("boom"), "write failed")

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "dsp-1", fields["device_id"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, int64(200), fields["status_code"])
	assert.Equal(t, "boom", logs.All()[1].ContextMap()["error"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestContextLogger_EmptyContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))
	cl.LogWarn(context.Background(), "plain")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}
