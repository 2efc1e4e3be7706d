package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dsplink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventLinkUp   EventType = "link.up"
	EventLinkDown EventType = "link.down"
)

const defaultChannel = "dsplink:events"

// Event is one link state change seen by some instance.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	DeviceID   domain.DeviceID `json:"device_id"`
	Address    string          `json:"address"`
	Port       int             `json:"port"`
	Error      string          `json:"error,omitempty"`
}

// EventBus fans link events out to every instance over redis pub/sub.
// It implements ports.LinkEventPublisher.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBus creates a new event bus. An empty instanceID gets a random one.
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    defaultChannel,
		logger:     logger,
		now:        time.Now,
	}
}

// DeviceKey is the pool key of the device the event is about.
func (e *Event) DeviceKey() domain.DeviceKey {
	return domain.NewDeviceKey(e.DeviceID, e.Port)
}

// Invalidator drops cached state of a device.
type Invalidator interface {
	Invalidate(key domain.DeviceKey)
}

// InvalidateOnLinkChange returns a Subscribe handler that drops cached
// metadata of devices another instance saw reconnect or drop; a device
// that rebooted may come back with different names.
func InvalidateOnLinkChange(inv Invalidator, logger *zap.SugaredLogger) func(*Event) error {
	return func(ev *Event) error {
		switch ev.Type {
		case EventLinkUp, EventLinkDown:
			inv.Invalidate(ev.DeviceKey())
			if logger != nil {
				logger.Debugw("remote link change", "type", ev.Type, "device_id", ev.DeviceID, "instance", ev.InstanceID)
			}
			return nil
		}
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"device_id", event.DeviceID,
	)
	return nil
}

func (eb *EventBus) PublishLinkUp(ctx context.Context, ep domain.DeviceEndpoint) error {
	return eb.Publish(ctx, &Event{
		Type:     EventLinkUp,
		DeviceID: ep.ID,
		Address:  ep.Address,
		Port:     ep.Port,
	})
}

func (eb *EventBus) PublishLinkDown(ctx context.Context, ep domain.DeviceEndpoint, cause error) error {
	ev := &Event{
		Type:     EventLinkDown,
		DeviceID: ep.ID,
		Address:  ep.Address,
		Port:     ep.Port,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return eb.Publish(ctx, ev)
}

// Subscribe delivers events from other instances to handler until ctx
// ends. Events this instance published are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	// Wait for the subscription to be confirmed so publishes that follow
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close ends an active Subscribe.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
