package services

import (
	"context"
	"fmt"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stream event names.
const (
	EventConnected = "connected"
	EventMeters    = "meters"
)

type StreamConfig struct {
	TickInterval time.Duration
	// WarmupTimeout bounds the subscribe and metadata calls made on open.
	WarmupTimeout time.Duration
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		TickInterval:  100 * time.Millisecond,
		WarmupTimeout: 3 * time.Second,
	}
}

type StreamMetrics interface {
	ViewerOpened()
	ViewerClosed()
	EventSent(event string)
}

// ConnectedEvent is the payload of the first event of a stream.
type ConnectedEvent struct {
	SessionID  string               `json:"session_id"`
	DeviceID   domain.DeviceID      `json:"device_id"`
	Address    string               `json:"address"`
	Channels   domain.ChannelCounts `json:"channels"`
	IntervalMS int64                `json:"interval_ms"`
}

type streamService struct {
	meters   ports.MeterService
	metadata ports.MetadataService
	cfg      StreamConfig
	logger   *zap.SugaredLogger
	metrics  StreamMetrics
	now      func() time.Time
}

type StreamOption func(*streamService)

func WithStreamMetrics(m StreamMetrics) StreamOption {
	return func(s *streamService) { s.metrics = m }
}

func WithStreamClock(now func() time.Time) StreamOption {
	return func(s *streamService) { s.now = now }
}

func NewStreamService(meters ports.MeterService, metadata ports.MetadataService, cfg StreamConfig, logger *zap.SugaredLogger, opts ...StreamOption) ports.StreamService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 3 * time.Second
	}
	s := &streamService{
		meters:   meters,
		metadata: metadata,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run emits one connected event, then one meters event per tick. Device
// faults never end the stream; ctx ending returns nil and a failed write
// returns its error.
func (s *streamService) Run(ctx context.Context, ep domain.DeviceEndpoint, sink ports.EventSink) error {
	sessionID := uuid.NewString()
	ctx, span := tracing.TraceStreamSession(ctx, sessionID, string(ep.Key()))
	defer span.End()

	log := s.logger.With("session", sessionID, "device", ep.ID)
	if s.metrics != nil {
		s.metrics.ViewerOpened()
		defer s.metrics.ViewerClosed()
	}
	start := s.now()
	events := 0
	defer func() {
		log.Infow("stream closed", "events", events, "duration", s.now().Sub(start))
	}()

	release := s.warm(ctx, ep, log)
	defer release()
	if ctx.Err() != nil {
		return nil
	}

	if err := s.send(sink, EventConnected, ConnectedEvent{
		SessionID:  sessionID,
		DeviceID:   ep.ID,
		Address:    ep.DialAddress(),
		Channels:   ep.Channels,
		IntervalMS: s.cfg.TickInterval.Milliseconds(),
	}); err != nil {
		return err
	}
	events++
	log.Infow("stream opened", "interval", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// Both cases may be ready at once; cancellation wins.
		if ctx.Err() != nil {
			return nil
		}
		if err := s.send(sink, EventMeters, s.Snapshot(ctx, ep)); err != nil {
			log.Debugw("stream write failed", "error", err)
			tracing.RecordError(ctx, err)
			return err
		}
		events++
	}
}

func (s *streamService) send(sink ports.EventSink, event string, data any) error {
	if err := sink.Send(event, data); err != nil {
		return fmt.Errorf("send %s event: %w", event, err)
	}
	if s.metrics != nil {
		s.metrics.EventSent(event)
	}
	return nil
}

// warm makes sure the shared subscription exists and metadata is loaded.
// Failures only degrade the stream to quiescent meters and default names.
// The returned release drops this stream's hold on the subscription.
func (s *streamService) warm(ctx context.Context, ep domain.DeviceEndpoint, log *zap.SugaredLogger) (release func()) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WarmupTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		release, err = s.meters.Watch(ctx, ep)
		if err != nil {
			log.Warnw("meter subscription not ready, streaming cached values", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		s.metadata.FetchZoneMetadata(ctx, ep)
		return nil
	})
	g.Go(func() error {
		s.metadata.FetchSourceMetadata(ctx, ep, ep.Channels.Inputs)
		return nil
	})
	g.Go(func() error {
		s.metadata.FetchGroupMetadata(ctx, ep, ep.Channels.Groups)
		return nil
	})
	_ = g.Wait()
	if release == nil {
		release = func() {}
	}
	return release
}

// Snapshot merges cached meters with cached metadata. It never touches the
// network.
func (s *streamService) Snapshot(ctx context.Context, ep domain.DeviceEndpoint) domain.MeterSnapshot {
	key := ep.Key()
	now := s.now()
	linkDown := !s.meters.Status(key).Connected
	c := ep.Channels
	return domain.MeterSnapshot{
		Timestamp: now.UnixMilli(),
		Outputs: merge(s.meters.GetOutputMeters(key, c.Outputs),
			s.metadata.Cached(ctx, ep, domain.ChannelOutput), true, now, linkDown),
		Inputs: merge(s.meters.GetInputMeters(key, c.Inputs),
			s.metadata.Cached(ctx, ep, domain.ChannelInput), false, now, linkDown),
		Groups: merge(s.meters.GetGroupMeters(key, c.Groups),
			s.metadata.Cached(ctx, ep, domain.ChannelGroup), false, now, linkDown),
	}
}

func merge(samples []domain.MeterSample, md *domain.ChannelMetadata, withMute bool, now time.Time, linkDown bool) []domain.ChannelSnapshot {
	out := make([]domain.ChannelSnapshot, len(samples))
	for i, sample := range samples {
		ch := domain.ChannelSnapshot{
			Index:    sample.Index,
			Name:     md.Name(sample.Index),
			Level:    sample.Level,
			Peak:     sample.Peak,
			Clipping: sample.Clipping,
			// Samples taken before the link went down are stale.
			Stale: linkDown && sample.Stale(now, 0),
		}
		if withMute {
			muted := md.IsMuted(sample.Index)
			ch.Muted = &muted
		}
		out[i] = ch
	}
	return out
}
