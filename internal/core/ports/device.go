package ports

import (
	"context"
	"time"

	"dsplink/internal/core/domain"
)

// DeviceConn is one live control session with a processor.
type DeviceConn interface {
	Endpoint() domain.DeviceEndpoint
	SendCommand(ctx context.Context, cmd domain.Command) (domain.Reply, error)
	Get(ctx context.Context, param string, format domain.Format) (domain.Reply, error)
	Set(ctx context.Context, param string, value any) error
	Subscribe(ctx context.Context, param string, format domain.Format) error
	Unsubscribe(ctx context.Context, param string) error
	// SetNotificationHandler returns a func that removes h only if it is
	// still the installed handler.
	SetNotificationHandler(h func(domain.Notification)) (unhook func())
	Alive() bool
	Done() <-chan struct{}
	Err() error
	LastActivity() time.Time
	InFlight() bool
	Close() error
}

// ConnectionPool shares one DeviceConn per device key. Every successful
// Acquire must be paired with exactly one Release of the same key.
type ConnectionPool interface {
	Acquire(ctx context.Context, ep domain.DeviceEndpoint) (DeviceConn, error)
	Release(key domain.DeviceKey)
	Stats() []domain.PoolEntryStats
	Close() error
}

// DeviceRegistry is the external inventory of processors. This service only
// reads from it.
type DeviceRegistry interface {
	GetByID(ctx context.Context, id domain.DeviceID) (domain.DeviceEndpoint, error)
	FindByAddress(ctx context.Context, address string, port int) (domain.DeviceEndpoint, error)
	List(ctx context.Context) ([]domain.DeviceEndpoint, error)
}

// LinkEventPublisher announces device link state changes to other instances.
type LinkEventPublisher interface {
	PublishLinkUp(ctx context.Context, ep domain.DeviceEndpoint) error
	PublishLinkDown(ctx context.Context, ep domain.DeviceEndpoint, cause error) error
}
