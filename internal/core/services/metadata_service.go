package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/pkg/cache"
	"dsplink/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type MetadataConfig struct {
	TTL time.Duration
	// Parallelism caps concurrent per-channel queries of one refresh.
	Parallelism int
	// FetchTimeout bounds a whole refresh, connect included.
	FetchTimeout time.Duration
}

func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		TTL:          60 * time.Second,
		Parallelism:  4,
		FetchTimeout: 5 * time.Second,
	}
}

// Fetch outcomes reported to MetadataMetrics.
const (
	FetchOK          = "ok"
	FetchPartial     = "partial"
	FetchUnreachable = "unreachable"
)

type MetadataMetrics interface {
	MetadataFetch(kind domain.ChannelKind, outcome string)
	MetadataCacheHit(kind domain.ChannelKind)
}

// MetadataCache serves channel names and mute states with a short TTL.
// Refreshes for the same device and kind are coalesced into one fetch.
type MetadataCache struct {
	pool    ports.ConnectionPool
	cfg     MetadataConfig
	logger  *zap.SugaredLogger
	metrics MetadataMetrics
	now     func() time.Time

	entries *cache.TTL[*domain.ChannelMetadata]
	group   singleflight.Group
}

type MetadataOption func(*MetadataCache)

func WithMetadataMetrics(m MetadataMetrics) MetadataOption {
	return func(c *MetadataCache) { c.metrics = m }
}

// WithMetadataClock replaces time.Now for TTL accounting.
func WithMetadataClock(now func() time.Time) MetadataOption {
	return func(c *MetadataCache) { c.now = now }
}

func NewMetadataCache(pool ports.ConnectionPool, cfg MetadataConfig, logger *zap.SugaredLogger, opts ...MetadataOption) *MetadataCache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	c := &MetadataCache{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = cache.NewTTL[*domain.ChannelMetadata](cfg.TTL, cache.WithClock(c.now))
	return c
}

func (c *MetadataCache) FetchZoneMetadata(ctx context.Context, ep domain.DeviceEndpoint) *domain.ChannelMetadata {
	return c.fetch(ctx, ep, domain.ChannelOutput, ep.Channels.Outputs)
}

func (c *MetadataCache) FetchSourceMetadata(ctx context.Context, ep domain.DeviceEndpoint, count int) *domain.ChannelMetadata {
	return c.fetch(ctx, ep, domain.ChannelInput, count)
}

func (c *MetadataCache) FetchGroupMetadata(ctx context.Context, ep domain.DeviceEndpoint, count int) *domain.ChannelMetadata {
	return c.fetch(ctx, ep, domain.ChannelGroup, count)
}

// Cached never waits on the device. A stale or missing entry is returned
// as-is (or as defaults) while a refresh runs in the background.
func (c *MetadataCache) Cached(_ context.Context, ep domain.DeviceEndpoint, kind domain.ChannelKind) *domain.ChannelMetadata {
	count := ep.Channels.Count(kind)
	md, fresh, ok := c.entries.Peek(cacheKey(ep.Key(), kind))
	if ok && fresh && len(md.Names) == count {
		return md
	}
	c.refresh(ep, kind, count)
	if ok && len(md.Names) == count {
		return md
	}
	return domain.DefaultMetadata(kind, count, time.Time{})
}

// Invalidate drops every entry of a device.
func (c *MetadataCache) Invalidate(key domain.DeviceKey) {
	c.entries.DeletePrefix(string(key) + "|")
}

// RecordMute applies a confirmed mute write to the cached entry without
// resetting its age.
func (c *MetadataCache) RecordMute(ep domain.DeviceEndpoint, kind domain.ChannelKind, index int, muted bool) {
	c.entries.Update(cacheKey(ep.Key(), kind), func(md *domain.ChannelMetadata) *domain.ChannelMetadata {
		return md.WithMute(index, muted)
	})
}

func (c *MetadataCache) fetch(ctx context.Context, ep domain.DeviceEndpoint, kind domain.ChannelKind, count int) *domain.ChannelMetadata {
	if count < 0 {
		count = 0
	}
	key := cacheKey(ep.Key(), kind)
	if md, ok := c.entries.Get(key); ok && len(md.Names) == count {
		if c.metrics != nil {
			c.metrics.MetadataCacheHit(kind)
		}
		return md
	}

	select {
	case res := <-c.refresh(ep, kind, count):
		return res.Val.(*domain.ChannelMetadata)
	case <-ctx.Done():
		if md, _, ok := c.entries.Peek(key); ok && len(md.Names) == count {
			return md
		}
		return domain.DefaultMetadata(kind, count, c.now())
	}
}

// refresh joins or starts the load of one entry. The load is detached from
// any caller so an abandoned wait does not waste the fetch.
func (c *MetadataCache) refresh(ep domain.DeviceEndpoint, kind domain.ChannelKind, count int) <-chan singleflight.Result {
	flight := fmt.Sprintf("%s|%d", cacheKey(ep.Key(), kind), count)
	return c.group.DoChan(flight, func() (any, error) {
		return c.load(ep, kind, count), nil
	})
}

func (c *MetadataCache) load(ep domain.DeviceEndpoint, kind domain.ChannelKind, count int) *domain.ChannelMetadata {
	key := cacheKey(ep.Key(), kind)
	// A load that finished just before this one started already did the work.
	if md, ok := c.entries.Get(key); ok && len(md.Names) == count {
		return md
	}

	ctx, span := tracing.TraceMetadataFetch(context.Background(), string(ep.Key()), string(kind))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	md := domain.DefaultMetadata(kind, count, c.now())
	conn, err := c.pool.Acquire(ctx, ep)
	if err != nil {
		c.logger.Warnw("metadata fetch failed, using defaults", "device", ep.ID, "kind", kind, "error", err)
		tracing.RecordError(ctx, err)
		c.record(kind, FetchUnreachable)
		c.entries.Set(key, md)
		return md
	}
	defer c.pool.Release(ep.Key())

	failed := make([]bool, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			name, err := conn.Get(gctx, domain.NameParam(kind, i), domain.FormatString)
			if err == nil && strings.TrimSpace(name.Str) != "" {
				md.Names[i] = name.Str
			} else if err != nil {
				failed[i] = true
			}
			mute, err := conn.Get(gctx, domain.MuteParam(kind, i), domain.FormatValue)
			if err == nil {
				md.Muted[i] = mute.Value != 0
			} else {
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	misses := 0
	for _, f := range failed {
		if f {
			misses++
		}
	}
	outcome := FetchOK
	if misses > 0 {
		outcome = FetchPartial
		c.logger.Debugw("metadata fetch incomplete", "device", ep.ID, "kind", kind, "failed_channels", misses)
	}
	c.record(kind, outcome)
	c.entries.Set(key, md)
	return md
}

func (c *MetadataCache) record(kind domain.ChannelKind, outcome string) {
	if c.metrics != nil {
		c.metrics.MetadataFetch(kind, outcome)
	}
}

func cacheKey(key domain.DeviceKey, kind domain.ChannelKind) string {
	return string(key) + "|" + string(kind)
}
