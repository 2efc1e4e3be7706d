package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/pkg/retry"

	"go.uber.org/zap"
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("meter manager closed")

type MeterMode string

const (
	// MeterModePush subscribes to every meter and applies device-pushed frames.
	MeterModePush MeterMode = "push"
	// MeterModePoll reads every meter on a fixed interval.
	MeterModePoll MeterMode = "poll"
)

type MeterConfig struct {
	Mode         MeterMode
	PollInterval time.Duration
	Reconnect    retry.Config
	// StopTimeout bounds the unsub commands sent when a loop ends.
	StopTimeout time.Duration
	// IdleGrace is how long a loop outlives its last viewer.
	IdleGrace time.Duration
}

func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		Mode:         MeterModePush,
		PollInterval: 100 * time.Millisecond,
		Reconnect:    retry.ReconnectConfig(),
		StopTimeout:  2 * time.Second,
		IdleGrace:    30 * time.Second,
	}
}

// MeterMetrics receives subscription lifecycle events.
type MeterMetrics interface {
	SetActiveSubscriptions(n int)
	FrameApplied(kind domain.ChannelKind)
	SubscriptionReconnect(id domain.DeviceID)
}

// meterBank holds one slot per channel. Slots are replaced whole, so readers
// never see a partially written sample.
type meterBank struct {
	inputs  []atomic.Pointer[domain.MeterSample]
	outputs []atomic.Pointer[domain.MeterSample]
	groups  []atomic.Pointer[domain.MeterSample]
}

func newMeterBank(c domain.ChannelCounts) *meterBank {
	return &meterBank{
		inputs:  make([]atomic.Pointer[domain.MeterSample], c.Inputs),
		outputs: make([]atomic.Pointer[domain.MeterSample], c.Outputs),
		groups:  make([]atomic.Pointer[domain.MeterSample], c.Groups),
	}
}

func (b *meterBank) slots(kind domain.ChannelKind) []atomic.Pointer[domain.MeterSample] {
	switch kind {
	case domain.ChannelInput:
		return b.inputs
	case domain.ChannelGroup:
		return b.groups
	default:
		return b.outputs
	}
}

// store publishes s unless its index is unknown or a newer sample is
// already in place.
func (b *meterBank) store(s domain.MeterSample) bool {
	slots := b.slots(s.Kind)
	if s.Index < 0 || s.Index >= len(slots) {
		return false
	}
	slot := &slots[s.Index]
	for {
		old := slot.Load()
		if old != nil && old.CapturedAt.After(s.CapturedAt) {
			return false
		}
		if slot.CompareAndSwap(old, &s) {
			return true
		}
	}
}

func (b *meterBank) load(kind domain.ChannelKind, index int) *domain.MeterSample {
	slots := b.slots(kind)
	if index < 0 || index >= len(slots) {
		return nil
	}
	return slots[index].Load()
}

type subscription struct {
	endpoint domain.DeviceEndpoint
	bank     *meterBank
	cancel   context.CancelFunc
	done     chan struct{}
	// after is closed once the previous loop of the same key has ended.
	after <-chan struct{}

	// Guarded by MeterManager.mu.
	viewers int
	idle    *time.Timer
	idleGen uint64

	readyOnce sync.Once
	ready     chan struct{}
	firstErr  error

	connected  atomic.Bool
	frames     atomic.Uint64
	lastFrame  atomic.Int64
	reconnects atomic.Int32

	errMu   sync.Mutex
	lastErr string
}

func (s *subscription) markReady(err error) {
	s.readyOnce.Do(func() {
		s.firstErr = err
		close(s.ready)
	})
}

func (s *subscription) setError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

// MeterManager keeps one sampling loop and one meter cache per device
// endpoint, independent of how many viewers read it. A loop with no viewers
// is stopped after IdleGrace.
type MeterManager struct {
	pool    ports.ConnectionPool
	cfg     MeterConfig
	logger  *zap.SugaredLogger
	metrics MeterMetrics
	events  ports.LinkEventPublisher
	now     func() time.Time

	mu       sync.RWMutex
	subs     map[domain.DeviceKey]*subscription
	stopping map[domain.DeviceKey]chan struct{}
	closed   bool
}

type MeterOption func(*MeterManager)

func WithMeterMetrics(m MeterMetrics) MeterOption {
	return func(mm *MeterManager) { mm.metrics = m }
}

// WithLinkEvents publishes link up/down transitions of sampling loops.
func WithLinkEvents(p ports.LinkEventPublisher) MeterOption {
	return func(mm *MeterManager) { mm.events = p }
}

func WithMeterClock(now func() time.Time) MeterOption {
	return func(mm *MeterManager) { mm.now = now }
}

func NewMeterManager(pool ports.ConnectionPool, cfg MeterConfig, logger *zap.SugaredLogger, opts ...MeterOption) *MeterManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 30 * time.Second
	}
	m := &MeterManager{
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[domain.DeviceKey]*subscription),
		stopping: make(map[domain.DeviceKey]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe starts the sampling loop for ep unless one is already running,
// in which case it returns nil at once. It waits for the first connection
// attempt and returns its error, but the loop keeps reconnecting either way.
// Without a viewer the loop lives for IdleGrace after the last Subscribe.
func (m *MeterManager) Subscribe(ctx context.Context, ep domain.DeviceEndpoint) error {
	sub, started, err := m.attach(ep, false)
	if err != nil || !started {
		return err
	}
	return sub.wait(ctx)
}

// Watch subscribes like Subscribe and holds the loop open until release is
// called. release is safe to call more than once, and is non-nil on error.
func (m *MeterManager) Watch(ctx context.Context, ep domain.DeviceEndpoint) (release func(), err error) {
	sub, started, err := m.attach(ep, true)
	if err != nil {
		return func() {}, err
	}
	var once sync.Once
	release = func() { once.Do(func() { m.detach(sub) }) }
	if !started {
		return release, nil
	}
	return release, sub.wait(ctx)
}

func (s *subscription) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MeterManager) attach(ep domain.DeviceEndpoint, viewer bool) (sub *subscription, started bool, err error) {
	key := ep.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrManagerClosed
	}
	sub, ok := m.subs[key]
	if !ok {
		started = true
		loopCtx, cancel := context.WithCancel(context.Background())
		sub = &subscription{
			endpoint: ep,
			bank:     newMeterBank(ep.Channels),
			cancel:   cancel,
			done:     make(chan struct{}),
			after:    m.stopping[key],
			ready:    make(chan struct{}),
		}
		m.subs[key] = sub
		m.setActiveLocked()
		m.logger.Infow("meter subscription started", "device", key, "mode", m.cfg.Mode)
		go m.run(loopCtx, sub)
	}
	if viewer {
		sub.viewers++
		m.disarmLocked(sub)
	} else if sub.viewers == 0 {
		m.armLocked(key, sub)
	}
	return sub, started, nil
}

func (m *MeterManager) detach(sub *subscription) {
	key := sub.endpoint.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.viewers > 0 {
		sub.viewers--
	}
	if sub.viewers == 0 && m.subs[key] == sub {
		m.armLocked(key, sub)
	}
}

// armLocked (re)starts the idle timer of sub. Only the latest timer may reap.
func (m *MeterManager) armLocked(key domain.DeviceKey, sub *subscription) {
	m.disarmLocked(sub)
	gen := sub.idleGen
	sub.idle = time.AfterFunc(m.cfg.IdleGrace, func() { m.reap(key, sub, gen) })
}

func (m *MeterManager) disarmLocked(sub *subscription) {
	sub.idleGen++
	if sub.idle != nil {
		sub.idle.Stop()
		sub.idle = nil
	}
}

func (m *MeterManager) reap(key domain.DeviceKey, sub *subscription, gen uint64) {
	m.mu.Lock()
	if m.subs[key] != sub || sub.viewers > 0 || sub.idleGen != gen {
		m.mu.Unlock()
		return
	}
	m.removeLocked(key, sub)
	m.mu.Unlock()
	m.logger.Infow("meter subscription idle, stopped", "device", key, "grace", m.cfg.IdleGrace)
}

// removeLocked detaches sub from the manager and cancels its loop. A new
// loop for key waits until this one has released the connection.
func (m *MeterManager) removeLocked(key domain.DeviceKey, sub *subscription) {
	delete(m.subs, key)
	m.disarmLocked(sub)
	sub.cancel()
	m.stopping[key] = sub.done
	go func() {
		<-sub.done
		m.mu.Lock()
		if m.stopping[key] == sub.done {
			delete(m.stopping, key)
		}
		m.mu.Unlock()
	}()
	m.setActiveLocked()
}

func (m *MeterManager) setActiveLocked() {
	if m.metrics != nil {
		m.metrics.SetActiveSubscriptions(len(m.subs))
	}
}

func (m *MeterManager) IsSubscribed(key domain.DeviceKey) bool {
	return m.lookup(key) != nil
}

// Unsubscribe stops the loop of key, viewers or not, and waits for it to
// release its connection.
func (m *MeterManager) Unsubscribe(key domain.DeviceKey) error {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		m.removeLocked(key, sub)
	}
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotSubscribed
	}

	<-sub.done
	m.logger.Infow("meter subscription stopped", "device", key)
	return nil
}

func (m *MeterManager) Status(key domain.DeviceKey) domain.SubscriptionStatus {
	st := domain.SubscriptionStatus{Key: key, Mode: string(m.cfg.Mode)}
	m.mu.RLock()
	sub := m.subs[key]
	if sub != nil {
		st.Viewers = sub.viewers
	}
	m.mu.RUnlock()
	if sub == nil {
		return st
	}
	st.DeviceID = sub.endpoint.ID
	st.Subscribed = true
	st.Connected = sub.connected.Load()
	st.FramesApplied = sub.frames.Load()
	st.Reconnects = int(sub.reconnects.Load())
	if ns := sub.lastFrame.Load(); ns != 0 {
		st.LastFrameAt = time.Unix(0, ns).UnixMilli()
	}
	sub.errMu.Lock()
	st.LastError = sub.lastErr
	sub.errMu.Unlock()
	return st
}

func (m *MeterManager) GetInputMeters(key domain.DeviceKey, count int) []domain.MeterSample {
	return m.read(key, domain.ChannelInput, count)
}

func (m *MeterManager) GetOutputMeters(key domain.DeviceKey, count int) []domain.MeterSample {
	return m.read(key, domain.ChannelOutput, count)
}

func (m *MeterManager) GetGroupMeters(key domain.DeviceKey, count int) []domain.MeterSample {
	return m.read(key, domain.ChannelGroup, count)
}

// read returns exactly count samples. Channels without a sample, including
// every channel of an unsubscribed device, read as quiescent.
func (m *MeterManager) read(key domain.DeviceKey, kind domain.ChannelKind, count int) []domain.MeterSample {
	if count < 0 {
		count = 0
	}
	sub := m.lookup(key)
	out := make([]domain.MeterSample, count)
	for i := range out {
		if sub != nil {
			if s := sub.bank.load(kind, i); s != nil {
				out[i] = *s
				continue
			}
		}
		out[i] = domain.QuiescentSample(kind, i)
	}
	return out
}

// ApplyFrame decodes one meter frame into the cache of key. Frames for
// unknown parameters or channel indices are ignored.
func (m *MeterManager) ApplyFrame(key domain.DeviceKey, n domain.Notification) bool {
	sub := m.lookup(key)
	if sub == nil {
		return false
	}
	return m.apply(sub, n)
}

func (m *MeterManager) apply(sub *subscription, n domain.Notification) bool {
	kind, index, ok := domain.ParseMeterParam(n.Param)
	if !ok || !n.HasValue {
		return false
	}
	at := n.ReceivedAt
	if at.IsZero() {
		at = m.now()
	}
	peak := n.Value
	if n.Peak != nil {
		peak = *n.Peak
	}
	if !sub.bank.store(domain.MeterSample{
		Kind:       kind,
		Index:      index,
		Level:      n.Value,
		Peak:       peak,
		Clipping:   n.Clip,
		CapturedAt: at,
	}) {
		return false
	}
	sub.frames.Add(1)
	sub.lastFrame.Store(at.UnixNano())
	if m.metrics != nil {
		m.metrics.FrameApplied(kind)
	}
	return true
}

func (m *MeterManager) lookup(key domain.DeviceKey) *subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[key]
}

// Close stops every loop.
func (m *MeterManager) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for key, sub := range m.subs {
		subs = append(subs, sub)
		m.removeLocked(key, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
	return nil
}

func (m *MeterManager) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer sub.markReady(domain.ErrNotSubscribed)
	ep := sub.endpoint
	backoff := retry.NewBackoff(m.cfg.Reconnect)

	// The previous loop of this key may still be unsubscribing on the
	// shared connection. It is bounded by StopTimeout.
	if sub.after != nil {
		<-sub.after
	}
	if ctx.Err() != nil {
		return
	}

	for {
		established, err := m.session(ctx, sub)
		sub.markReady(err)
		sub.connected.Store(false)
		if established {
			m.publishDown(ep, err)
			backoff.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		sub.setError(err)

		delay := backoff.Next()
		m.logger.Warnw("meter subscription lost, reconnecting",
			"device", ep.Key(), "error", err, "attempt", backoff.Attempt(), "delay", delay)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
		sub.reconnects.Add(1)
		if m.metrics != nil {
			m.metrics.SubscriptionReconnect(ep.ID)
		}
	}
}

// session holds one pooled connection until the link or ctx ends.
// established reports whether sampling got going before it ended.
func (m *MeterManager) session(ctx context.Context, sub *subscription) (established bool, err error) {
	ep := sub.endpoint
	conn, err := m.pool.Acquire(ctx, ep)
	if err != nil {
		return false, err
	}
	defer m.pool.Release(ep.Key())

	if m.cfg.Mode == MeterModePoll {
		return m.poll(ctx, sub, conn)
	}
	return m.push(ctx, sub, conn)
}

func (m *MeterManager) push(ctx context.Context, sub *subscription, conn ports.DeviceConn) (bool, error) {
	unhook := conn.SetNotificationHandler(func(n domain.Notification) { m.apply(sub, n) })
	defer unhook()

	params := meterParams(sub.endpoint.Channels)
	for _, param := range params {
		if err := conn.Subscribe(ctx, param, domain.FormatValue); err != nil {
			var derr *domain.DeviceError
			if errors.As(err, &derr) {
				m.logger.Debugw("device refused meter subscription", "device", sub.endpoint.Key(), "param", param, "error", err)
				continue
			}
			return false, err
		}
	}
	m.established(sub, len(params))

	select {
	case <-ctx.Done():
		m.unsubscribeAll(conn, params)
		return true, ctx.Err()
	case <-conn.Done():
		return true, linkError(conn)
	}
}

func (m *MeterManager) poll(ctx context.Context, sub *subscription, conn ports.DeviceConn) (bool, error) {
	params := meterParams(sub.endpoint.Channels)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	first := true
	for {
		timeouts := 0
		for _, param := range params {
			reply, err := conn.Get(ctx, param, domain.FormatValue)
			if err != nil {
				if ctx.Err() != nil {
					return !first, ctx.Err()
				}
				if !conn.Alive() {
					return !first, linkError(conn)
				}
				if domain.IsTimeout(err) {
					timeouts++
				}
				continue
			}
			m.apply(sub, domain.Notification{
				Param:      reply.Param,
				Value:      reply.Value,
				HasValue:   true,
				Peak:       reply.Peak,
				Clip:       reply.Clip,
				ReceivedAt: m.now(),
			})
		}
		if len(params) > 0 && timeouts == len(params) {
			return !first, &domain.TimeoutError{Op: "poll", Param: params[0]}
		}
		if first {
			first = false
			m.established(sub, len(params))
		}

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-conn.Done():
			return true, linkError(conn)
		case <-ticker.C:
		}
	}
}

func (m *MeterManager) established(sub *subscription, channels int) {
	sub.connected.Store(true)
	sub.setError(nil)
	sub.markReady(nil)
	m.logger.Infow("meter subscription established",
		"device", sub.endpoint.Key(), "mode", m.cfg.Mode, "channels", channels)
	if m.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.events.PublishLinkUp(ctx, sub.endpoint); err != nil {
			m.logger.Debugw("publish link up failed", "device", sub.endpoint.ID, "error", err)
		}
	}
}

func (m *MeterManager) publishDown(ep domain.DeviceEndpoint, cause error) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.events.PublishLinkDown(ctx, ep, cause); err != nil {
		m.logger.Debugw("publish link down failed", "device", ep.ID, "error", err)
	}
}

// unsubscribeAll is best effort: the connection stays pooled for others.
func (m *MeterManager) unsubscribeAll(conn ports.DeviceConn, params []string) {
	if !conn.Alive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
	defer cancel()
	for _, param := range params {
		err := conn.Unsubscribe(ctx, param)
		var derr *domain.DeviceError
		if err != nil && !errors.As(err, &derr) {
			m.logger.Debugw("meter unsubscribe failed", "device", conn.Endpoint().ID, "param", param, "error", err)
			return
		}
	}
}

func meterParams(c domain.ChannelCounts) []string {
	params := make([]string, 0, c.Inputs+c.Outputs+c.Groups)
	for _, kind := range domain.ChannelKinds {
		for i := 0; i < c.Count(kind); i++ {
			params = append(params, domain.MeterParam(kind, i))
		}
	}
	return params
}

func linkError(conn ports.DeviceConn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	return fmt.Errorf("meter link: %w", domain.ErrLinkClosed)
}
