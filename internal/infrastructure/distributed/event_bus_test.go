package distributed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"dsplink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	keys []domain.DeviceKey
}

func (r *recordingInvalidator) Invalidate(key domain.DeviceKey) {
	r.keys = append(r.keys, key)
}

func TestInvalidateOnLinkChange(t *testing.T) {
	inv := &recordingInvalidator{}
	handle := InvalidateOnLinkChange(inv, nil)

	require.NoError(t, handle(&Event{Type: EventLinkDown, DeviceID: "lobby", Port: 5321}))
	require.NoError(t, handle(&Event{Type: EventLinkUp, DeviceID: "hall", Port: 6000}))
	assert.Error(t, handle(&Event{Type: "mesh.rebalance", DeviceID: "lobby"}))

	assert.Equal(t, []domain.DeviceKey{"lobby:5321", "hall:6000"}, inv.keys)
}

func TestNewEventBus_GeneratesInstanceID(t *testing.T) {
	a := NewEventBus(nil, "", nil)
	b := NewEventBus(nil, "", nil)
	assert.NotEmpty(t, a.InstanceID())
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
	assert.Equal(t, "fixed", NewEventBus(nil, "fixed", nil).InstanceID())
}

// Needs a disposable Redis; set DSPLINK_TEST_REDIS=host:port to run.
func TestEventBus_CrossInstance(t *testing.T) {
	addr := os.Getenv("DSPLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("DSPLINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })

	sender := NewEventBus(client, "sender", nil)
	receiver := NewEventBus(client, "receiver", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- receiver.Subscribe(ctx, func(ev *Event) error {
			got <- ev
			return nil
		})
	}()
	// Let the subscription settle.
	time.Sleep(200 * time.Millisecond)

	ep := domain.DeviceEndpoint{ID: "lobby", Address: "10.0.0.5", Port: 5321}
	require.NoError(t, receiver.PublishLinkUp(ctx, ep))
	require.NoError(t, sender.PublishLinkDown(ctx, ep, errors.New("connection reset")))

	select {
	case ev := <-got:
		assert.Equal(t, EventLinkDown, ev.Type)
		assert.Equal(t, "sender", ev.InstanceID)
		assert.Equal(t, "connection reset", ev.Error)
		assert.Equal(t, domain.DeviceKey("lobby:5321"), ev.DeviceKey())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	// own events are skipped
	select {
	case ev := <-got:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
