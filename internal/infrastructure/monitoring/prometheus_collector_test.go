package monitoring

import (
	"errors"
	"testing"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/services"
	"dsplink/internal/infrastructure/pool"
	"dsplink/internal/infrastructure/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ pool.Metrics             = (*PrometheusCollector)(nil)
	_ protocol.CommandObserver = (*PrometheusCollector)(nil)
	_ services.MeterMetrics    = (*PrometheusCollector)(nil)
	_ services.MetadataMetrics = (*PrometheusCollector)(nil)
	_ services.StreamMetrics   = (*PrometheusCollector)(nil)
)

func TestCollector_PoolConnections(t *testing.T) {
	c := NewPrometheusCollectorWith(prometheus.NewRegistry())

	c.ConnectionOpened("dsp-1:5321")
	c.ConnectionOpened("dsp-2:5321")
	c.ConnectionClosed("dsp-1:5321", "idle")
	c.DialFailed("dsp-3:5321")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsClosed.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dialFailures))
}

func TestCollector_CommandErrorsByKind(t *testing.T) {
	c := NewPrometheusCollectorWith(prometheus.NewRegistry())

	c.ObserveCommand(domain.MethodGet, 2*time.Millisecond, nil)
	c.ObserveCommand(domain.MethodGet, 3*time.Second, &domain.TimeoutError{Op: "get", Param: "ZoneGain_0"})
	c.ObserveCommand(domain.MethodSet, time.Millisecond, &domain.DeviceError{Param: "ZoneGain_9", Code: -32602})
	c.ObserveCommand(domain.MethodGet, time.Millisecond, &domain.ProtocolError{Reason: "bad"})
	c.ObserveCommand(domain.MethodGet, time.Millisecond, errors.New("other"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandErrors.WithLabelValues("get", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandErrors.WithLabelValues("set", "device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandErrors.WithLabelValues("get", "protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandErrors.WithLabelValues("get", "other")))
}

func TestCollector_StreamAndMeters(t *testing.T) {
	c := NewPrometheusCollectorWith(prometheus.NewRegistry())

	c.ViewerOpened()
	c.ViewerOpened()
	c.ViewerClosed()
	c.EventSent("meters")
	c.SetActiveSubscriptions(3)
	c.FrameApplied(domain.ChannelOutput)
	c.MetadataFetch(domain.ChannelInput, services.FetchUnreachable)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.viewersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsSent.WithLabelValues("meters")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.subscriptionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesApplied.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metadataFetches.WithLabelValues("input", "unreachable")))
}
