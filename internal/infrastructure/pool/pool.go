package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/pkg/circuitbreaker"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const keepAliveParam = "KeepAlive"

// Dialer opens a new session with a device.
type Dialer func(ctx context.Context, ep domain.DeviceEndpoint) (ports.DeviceConn, error)

// Metrics receives pool lifecycle events.
type Metrics interface {
	ConnectionOpened(key domain.DeviceKey)
	ConnectionClosed(key domain.DeviceKey, reason string)
	DialFailed(key domain.DeviceKey)
}

type Config struct {
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	KeepAliveInterval time.Duration
	BreakerEnabled    bool
	Breaker           circuitbreaker.Config
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		KeepAliveInterval: 60 * time.Second,
		BreakerEnabled:    true,
		Breaker: circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			Timeout:             5 * time.Second,
			MaxRequestsHalfOpen: 1,
		},
	}
}

type entry struct {
	endpoint domain.DeviceEndpoint
	conn     ports.DeviceConn
	refs     int
	lastUsed time.Time
}

// Pool keeps at most one live connection per device key. Connects are
// single-flight per key and connections are only closed by the sweeper,
// once unreferenced and idle.
type Pool struct {
	cfg     Config
	dial    Dialer
	logger  *zap.SugaredLogger
	metrics Metrics
	now     func() time.Time

	mu       sync.Mutex
	entries  map[domain.DeviceKey]*entry
	breakers map[domain.DeviceKey]*circuitbreaker.CircuitBreaker
	closed   bool

	inflight singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Pool)

func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock replaces time.Now for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(cfg Config, dial Dialer, logger *zap.SugaredLogger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pool{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[domain.DeviceKey]*entry),
		breakers: make(map[domain.DeviceKey]*circuitbreaker.CircuitBreaker),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

// Acquire returns the shared connection for ep, connecting if needed.
// Concurrent callers for an unconnected key share one connect attempt and
// all receive its error if it fails.
func (p *Pool) Acquire(ctx context.Context, ep domain.DeviceEndpoint) (ports.DeviceConn, error) {
	key := ep.Key()
	if conn, ok, err := p.take(key); err != nil || ok {
		return conn, err
	}

	ch := p.inflight.DoChan(string(key), func() (any, error) {
		return p.connect(ep)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, ok, err := p.take(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Died between connect and hand-out.
		return nil, &domain.ConnectionError{Address: ep.DialAddress(), Err: domain.ErrLinkClosed}
	}
	return conn, nil
}

// take increments the refcount of a live entry.
func (p *Pool) take(key domain.DeviceKey) (ports.DeviceConn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, domain.ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok || !e.conn.Alive() {
		return nil, false, nil
	}
	e.refs++
	e.lastUsed = p.now()
	return e.conn, true, nil
}

func (p *Pool) connect(ep domain.DeviceEndpoint) (any, error) {
	key := ep.Key()

	p.mu.Lock()
	if e, ok := p.entries[key]; ok && e.conn.Alive() {
		p.mu.Unlock()
		return e.conn, nil
	}
	breaker := p.breakerLocked(key)
	p.mu.Unlock()

	timeout := ep.ConnectTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	// Detached from any one caller: the attempt is shared.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var conn ports.DeviceConn
	dial := func() error {
		var err error
		conn, err = p.dial(ctx, ep)
		return err
	}

	var err error
	if breaker != nil {
		err = breaker.Execute(ctx, dial)
	} else {
		err = dial()
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.DialFailed(key)
		}
		var cerr *domain.ConnectionError
		if !errors.As(err, &cerr) {
			err = &domain.ConnectionError{Address: ep.DialAddress(), Err: err}
		}
		p.logger.Warnw("device connect failed", "device", key, "address", ep.DialAddress(), "error", err)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, domain.ErrPoolClosed
	}
	refs := 0
	old, ok := p.entries[key]
	if ok {
		// Holders of the dead connection still owe a Release for this key.
		refs = old.refs
		_ = old.conn.Close()
	}
	p.entries[key] = &entry{endpoint: ep, conn: conn, refs: refs, lastUsed: p.now()}
	p.mu.Unlock()

	if ok && p.metrics != nil {
		p.metrics.ConnectionClosed(key, "replaced")
	}

	if p.metrics != nil {
		p.metrics.ConnectionOpened(key)
	}
	p.logger.Infow("device connected", "device", key, "address", ep.DialAddress())
	return conn, nil
}

func (p *Pool) breakerLocked(key domain.DeviceKey) *circuitbreaker.CircuitBreaker {
	if !p.cfg.BreakerEnabled {
		return nil
	}
	cb, ok := p.breakers[key]
	if !ok {
		cb = circuitbreaker.New(p.cfg.Breaker)
		cb.OnStateChange(func(from, to circuitbreaker.State) {
			p.logger.Infow("device breaker state changed", "device", key, "from", from, "to", to)
		})
		p.breakers[key] = cb
	}
	return cb
}

// Release drops one reference. It never closes the connection; a release
// without a matching acquire is logged and ignored.
func (p *Pool) Release(key domain.DeviceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok || e.refs == 0 {
		p.logger.Warnw("release without matching acquire", "device", key)
		return
	}
	e.refs--
	e.lastUsed = p.now()
}

// Refs returns the reference count of key.
func (p *Pool) Refs(key domain.DeviceKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (p *Pool) Stats() []domain.PoolEntryStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	stats := make([]domain.PoolEntryStats, 0, len(p.entries))
	for key, e := range p.entries {
		stats = append(stats, domain.PoolEntryStats{
			Key:      key,
			Address:  e.endpoint.DialAddress(),
			Refs:     e.refs,
			Alive:    e.conn.Alive(),
			IdleMS:   now.Sub(e.lastUsed).Milliseconds(),
			InFlight: e.conn.InFlight(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stop:
			return
		}
	}
}

// Sweep closes unreferenced connections that are dead or idle past the
// threshold, and pings referenced ones that have been quiet.
func (p *Pool) Sweep() {
	now := p.now()
	var (
		evicted   []*entry
		keepAlive []ports.DeviceConn
	)

	p.mu.Lock()
	for key, e := range p.entries {
		alive := e.conn.Alive()
		if e.refs == 0 && (!alive || now.Sub(e.lastUsed) >= p.cfg.IdleTimeout) {
			evicted = append(evicted, e)
			delete(p.entries, key)
			continue
		}
		if alive && e.refs > 0 && p.cfg.KeepAliveInterval > 0 &&
			now.Sub(e.conn.LastActivity()) >= p.cfg.KeepAliveInterval && !e.conn.InFlight() {
			keepAlive = append(keepAlive, e.conn)
		}
	}
	p.mu.Unlock()

	for _, e := range evicted {
		reason := "idle"
		if !e.conn.Alive() {
			reason = "dead"
		}
		_ = e.conn.Close()
		if p.metrics != nil {
			p.metrics.ConnectionClosed(e.endpoint.Key(), reason)
		}
		p.logger.Infow("device connection evicted", "device", e.endpoint.Key(), "reason", reason)
	}
	for _, conn := range keepAlive {
		go p.keepAlive(conn)
	}
}

func (p *Pool) keepAlive(conn ports.DeviceConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Any well-formed answer proves the session is alive. The client
	// already retries a timeout once.
	_, err := conn.Get(ctx, keepAliveParam, domain.FormatAny)
	var derr *domain.DeviceError
	if err != nil && !errors.As(err, &derr) {
		p.logger.Debugw("keep-alive failed", "device", conn.Endpoint().Key(), "error", err)
	}
}

// Reset closes every connection and forgets all state.
func (p *Pool) Reset() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[domain.DeviceKey]*entry)
	p.breakers = make(map[domain.DeviceKey]*circuitbreaker.CircuitBreaker)
	p.mu.Unlock()
	for key, e := range entries {
		_ = e.conn.Close()
		if p.metrics != nil {
			p.metrics.ConnectionClosed(key, "reset")
		}
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.Reset()
	return nil
}
