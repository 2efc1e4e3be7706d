package ports

import (
	"context"

	"dsplink/internal/core/domain"
)

// MeterService samples are keyed by endpoint, so two ports of one device
// are sampled independently.
type MeterService interface {
	Subscribe(ctx context.Context, ep domain.DeviceEndpoint) error
	// Watch holds the sampling loop of ep open until release is called.
	Watch(ctx context.Context, ep domain.DeviceEndpoint) (release func(), err error)
	Unsubscribe(key domain.DeviceKey) error
	IsSubscribed(key domain.DeviceKey) bool
	Status(key domain.DeviceKey) domain.SubscriptionStatus
	GetInputMeters(key domain.DeviceKey, count int) []domain.MeterSample
	GetOutputMeters(key domain.DeviceKey, count int) []domain.MeterSample
	GetGroupMeters(key domain.DeviceKey, count int) []domain.MeterSample
}

// MetadataService never fails: unreachable devices yield generated defaults.
type MetadataService interface {
	FetchZoneMetadata(ctx context.Context, ep domain.DeviceEndpoint) *domain.ChannelMetadata
	FetchSourceMetadata(ctx context.Context, ep domain.DeviceEndpoint, count int) *domain.ChannelMetadata
	FetchGroupMetadata(ctx context.Context, ep domain.DeviceEndpoint, count int) *domain.ChannelMetadata
	Cached(ctx context.Context, ep domain.DeviceEndpoint, kind domain.ChannelKind) *domain.ChannelMetadata
	Invalidate(key domain.DeviceKey)
}

// ControlService performs writes. Failures always reach the caller.
type ControlService interface {
	SetZoneGain(ctx context.Context, ep domain.DeviceEndpoint, zone int, gain float64) error
	SetZoneMute(ctx context.Context, ep domain.DeviceEndpoint, zone int, muted bool) error
	SetZoneSource(ctx context.Context, ep domain.DeviceEndpoint, zone, source int) error
	SetSourceGain(ctx context.Context, ep domain.DeviceEndpoint, source int, gain float64) error
	SetGroupGain(ctx context.Context, ep domain.DeviceEndpoint, group int, gain float64) error
}

// EventSink is the viewer side of a stream. Send returns an error once the
// transport is gone.
type EventSink interface {
	Send(event string, data any) error
}

type StreamService interface {
	// Run streams snapshots of ep to sink until ctx ends or a write fails.
	Run(ctx context.Context, ep domain.DeviceEndpoint, sink EventSink) error
	Snapshot(ctx context.Context, ep domain.DeviceEndpoint) domain.MeterSnapshot
}
