package services_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/infrastructure/pool"
	"dsplink/pkg/retry"

	"dsplink/internal/core/services"
)

var defaultCounts = domain.ChannelCounts{Inputs: 14, Outputs: 8, Groups: 8}

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.SweepInterval = 0
	cfg.BreakerEnabled = false
	p := pool.New(cfg, pool.ProtocolDialer(), nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func fastMeterConfig(mode services.MeterMode) services.MeterConfig {
	cfg := services.DefaultMeterConfig()
	cfg.Mode = mode
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Reconnect = retry.Config{
		Enabled:      true,
		MaxAttempts:  -1,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}
	cfg.StopTimeout = 500 * time.Millisecond
	return cfg
}

func idleMeterConfig(grace time.Duration) services.MeterConfig {
	cfg := fastMeterConfig(services.MeterModePush)
	cfg.IdleGrace = grace
	return cfg
}

// meterGauge records the active subscription count.
type meterGauge struct {
	active atomic.Int64
}

func (g *meterGauge) SetActiveSubscriptions(n int) { g.active.Store(int64(n)) }

func (g *meterGauge) FrameApplied(domain.ChannelKind) {}

func (g *meterGauge) SubscriptionReconnect(domain.DeviceID) {}

func (g *meterGauge) Active() int { return int(g.active.Load()) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentEvent struct {
	name string
	data any
	at   time.Time
}

// recordingSink is an EventSink that can be made to fail after n sends.
type recordingSink struct {
	mu        sync.Mutex
	events    []sentEvent
	failAfter int
}

var errSinkClosed = errors.New("transport closed")

func (s *recordingSink) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errSinkClosed
	}
	s.events = append(s.events, sentEvent{name: event, data: data, at: time.Now()})
	return nil
}

func (s *recordingSink) Events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}

func (s *recordingSink) Count(name string) int {
	n := 0
	for _, e := range s.Events() {
		if e.name == name {
			n++
		}
	}
	return n
}

type metadataCounter struct {
	mu      sync.Mutex
	fetches map[domain.ChannelKind]int
	hits    int
}

func (m *metadataCounter) MetadataFetch(kind domain.ChannelKind, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetches == nil {
		m.fetches = make(map[domain.ChannelKind]int)
	}
	m.fetches[kind]++
}

func (m *metadataCounter) MetadataCacheHit(domain.ChannelKind) {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *metadataCounter) Fetches(kind domain.ChannelKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[kind]
}
