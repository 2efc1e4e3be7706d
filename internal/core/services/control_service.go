package services

import (
	"context"
	"errors"
	"sync"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	apperrors "dsplink/pkg/errors"
	"dsplink/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ControlConfig struct {
	// WritesPerSecond throttles writes per device; zero disables throttling.
	WritesPerSecond float64
	Burst           int
}

func DefaultControlConfig() ControlConfig {
	return ControlConfig{WritesPerSecond: 20, Burst: 10}
}

// MuteRecorder is told about confirmed mute writes.
type MuteRecorder interface {
	RecordMute(ep domain.DeviceEndpoint, kind domain.ChannelKind, index int, muted bool)
}

type controlService struct {
	pool   ports.ConnectionPool
	cfg    ControlConfig
	mutes  MuteRecorder
	logger *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[domain.DeviceKey]*rate.Limiter
}

// NewControlService returns the write path. mutes may be nil.
func NewControlService(pool ports.ConnectionPool, cfg ControlConfig, mutes MuteRecorder, logger *zap.SugaredLogger) ports.ControlService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &controlService{
		pool:     pool,
		cfg:      cfg,
		mutes:    mutes,
		logger:   logger,
		limiters: make(map[domain.DeviceKey]*rate.Limiter),
	}
}

func (s *controlService) SetZoneGain(ctx context.Context, ep domain.DeviceEndpoint, zone int, gain float64) error {
	if err := validation.ValidateChannelIndex("zone", zone, ep.Channels.Outputs); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateGain(gain); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.write(ctx, ep, domain.GainParam(domain.ChannelOutput, zone), gain)
}

func (s *controlService) SetZoneMute(ctx context.Context, ep domain.DeviceEndpoint, zone int, muted bool) error {
	if err := validation.ValidateChannelIndex("zone", zone, ep.Channels.Outputs); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := s.write(ctx, ep, domain.MuteParam(domain.ChannelOutput, zone), muted); err != nil {
		return err
	}
	if s.mutes != nil {
		s.mutes.RecordMute(ep, domain.ChannelOutput, zone, muted)
	}
	return nil
}

// SetZoneSource routes an input to a zone; -1 disconnects the zone.
func (s *controlService) SetZoneSource(ctx context.Context, ep domain.DeviceEndpoint, zone, source int) error {
	if err := validation.ValidateChannelIndex("zone", zone, ep.Channels.Outputs); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if source != -1 {
		if err := validation.ValidateChannelIndex("source", source, ep.Channels.Inputs); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return s.write(ctx, ep, domain.SourceParam(zone), source)
}

func (s *controlService) SetSourceGain(ctx context.Context, ep domain.DeviceEndpoint, source int, gain float64) error {
	if err := validation.ValidateChannelIndex("source", source, ep.Channels.Inputs); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateGain(gain); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.write(ctx, ep, domain.GainParam(domain.ChannelInput, source), gain)
}

func (s *controlService) SetGroupGain(ctx context.Context, ep domain.DeviceEndpoint, group int, gain float64) error {
	if err := validation.ValidateChannelIndex("group", group, ep.Channels.Groups); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateGain(gain); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.write(ctx, ep, domain.GainParam(domain.ChannelGroup, group), gain)
}

func (s *controlService) write(ctx context.Context, ep domain.DeviceEndpoint, param string, value any) error {
	if lim := s.limiter(ep.Key()); lim != nil {
		if !lim.Allow() {
			return apperrors.NewRateLimitError().WithContext("device", string(ep.ID))
		}
	}

	conn, err := s.pool.Acquire(ctx, ep)
	if err != nil {
		s.logger.Warnw("control write failed", "device", ep.ID, "param", param, "error", err)
		return deviceError(ep, param, err)
	}
	defer s.pool.Release(ep.Key())

	if err := conn.Set(ctx, param, value); err != nil {
		s.logger.Warnw("control write failed", "device", ep.ID, "param", param, "error", err)
		return deviceError(ep, param, err)
	}
	s.logger.Infow("control write", "device", ep.ID, "param", param, "value", value)
	return nil
}

func (s *controlService) limiter(key domain.DeviceKey) *rate.Limiter {
	if s.cfg.WritesPerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.WritesPerSecond), burst)
		s.limiters[key] = lim
	}
	return lim
}

// deviceError classifies a device fault for the HTTP boundary. The domain
// error stays in the chain.
func deviceError(ep domain.DeviceEndpoint, param string, err error) error {
	var derr *domain.DeviceError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case domain.IsConnection(err), errors.Is(err, domain.ErrLinkClosed):
		return apperrors.NewDeviceUnreachableError(ep.DialAddress(), err)
	case domain.IsTimeout(err):
		return apperrors.NewDeviceTimeoutError(param, err)
	case domain.IsProtocol(err):
		return apperrors.NewDeviceProtocolError(err)
	case errors.As(err, &derr):
		return apperrors.NewDeviceRejectedError(param, err)
	}
	return err
}
