package monitoring

import (
	"errors"
	"time"

	"dsplink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the pool, the protocol
// client and the services.
type PrometheusCollector struct {
	// Pool
	connectionsOpen   prometheus.Gauge
	connectionsOpened prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	dialFailures      prometheus.Counter

	// Protocol
	commandDuration *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec

	// Meters
	subscriptionsActive prometheus.Gauge
	framesApplied       *prometheus.CounterVec
	reconnects          *prometheus.CounterVec

	// Metadata
	metadataFetches   *prometheus.CounterVec
	metadataCacheHits *prometheus.CounterVec

	// Streams
	viewersActive prometheus.Gauge
	eventsSent    *prometheus.CounterVec
}

// NewPrometheusCollector registers on the default registry.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWith(prometheus.DefaultRegisterer)
}

func NewPrometheusCollectorWith(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		connectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsplink_pool_connections",
			Help: "Number of open device connections",
		}),
		connectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "dsplink_pool_connections_opened_total",
			Help: "Total number of device connections established",
		}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_pool_connections_closed_total",
			Help: "Total number of device connections closed, by reason",
		}, []string{"reason"}),
		dialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dsplink_pool_dial_failures_total",
			Help: "Total number of failed device connects",
		}),

		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsplink_command_duration_seconds",
			Help:    "Round-trip time of device commands",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		}, []string{"method"}),
		commandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_command_errors_total",
			Help: "Device command failures by kind",
		}, []string{"method", "kind"}),

		subscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsplink_meter_subscriptions",
			Help: "Number of active meter subscriptions",
		}),
		framesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_meter_frames_applied_total",
			Help: "Meter frames written to the cache, by channel kind",
		}, []string{"kind"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_meter_reconnects_total",
			Help: "Meter subscription reconnect attempts",
		}, []string{"device_id"}),

		metadataFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_metadata_fetches_total",
			Help: "Metadata refreshes by channel kind and outcome",
		}, []string{"kind", "outcome"}),
		metadataCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_metadata_cache_hits_total",
			Help: "Metadata reads served from cache",
		}, []string{"kind"}),

		viewersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsplink_stream_viewers",
			Help: "Number of connected stream viewers",
		}),
		eventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsplink_stream_events_sent_total",
			Help: "Stream events written to viewers",
		}, []string{"event"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(domain.DeviceKey) {
	p.connectionsOpen.Inc()
	p.connectionsOpened.Inc()
}

func (p *PrometheusCollector) ConnectionClosed(_ domain.DeviceKey, reason string) {
	p.connectionsOpen.Dec()
	p.connectionsClosed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) DialFailed(domain.DeviceKey) {
	p.dialFailures.Inc()
}

func (p *PrometheusCollector) ObserveCommand(method domain.Method, duration time.Duration, err error) {
	p.commandDuration.WithLabelValues(string(method)).Observe(duration.Seconds())
	if err != nil {
		p.commandErrors.WithLabelValues(string(method), errorKind(err)).Inc()
	}
}

func (p *PrometheusCollector) SetActiveSubscriptions(n int) {
	p.subscriptionsActive.Set(float64(n))
}

func (p *PrometheusCollector) FrameApplied(kind domain.ChannelKind) {
	p.framesApplied.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SubscriptionReconnect(id domain.DeviceID) {
	p.reconnects.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) MetadataFetch(kind domain.ChannelKind, outcome string) {
	p.metadataFetches.WithLabelValues(string(kind), outcome).Inc()
}

func (p *PrometheusCollector) MetadataCacheHit(kind domain.ChannelKind) {
	p.metadataCacheHits.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ViewerOpened() { p.viewersActive.Inc() }

func (p *PrometheusCollector) ViewerClosed() { p.viewersActive.Dec() }

func (p *PrometheusCollector) EventSent(event string) {
	p.eventsSent.WithLabelValues(event).Inc()
}

func errorKind(err error) string {
	var derr *domain.DeviceError
	switch {
	case domain.IsTimeout(err):
		return "timeout"
	case domain.IsProtocol(err):
		return "protocol"
	case domain.IsConnection(err):
		return "connection"
	case errors.As(err, &derr):
		return "device"
	}
	return "other"
}
