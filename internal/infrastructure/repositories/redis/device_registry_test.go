package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"dsplink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{
	Port:     domain.DefaultControlPort,
	Channels: domain.ChannelCounts{Inputs: 14, Outputs: 8, Groups: 8},
	Policy:   domain.ConnectionPolicy{ConnectTimeout: 3 * time.Second, CommandTimeout: 3 * time.Second, Retries: 1},
}

func TestDecodeDevice_AppliesDefaults(t *testing.T) {
	ep, err := decodeDevice([]byte(`{"id":"lobby","ip_address":"10.0.0.5"}`), testDefaults)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceID("lobby"), ep.ID)
	assert.Equal(t, 5321, ep.Port)
	assert.Equal(t, testDefaults.Channels, ep.Channels)
	assert.Equal(t, 3*time.Second, ep.CommandTimeout)
	assert.Equal(t, 1, ep.Retries)
}

func TestDecodeDevice_KeepsRecordValues(t *testing.T) {
	ep, err := decodeDevice([]byte(`{"id":"bar","ip_address":"10.0.0.6","port":6000,"inputs":4,"outputs":2,"groups":0}`), testDefaults)
	require.NoError(t, err)
	assert.Equal(t, 6000, ep.Port)
	assert.Equal(t, domain.ChannelCounts{Inputs: 4, Outputs: 2}, ep.Channels)
}

func TestDecodeDevice_Invalid(t *testing.T) {
	_, err := decodeDevice([]byte(`{"id":"bar"}`), testDefaults)
	assert.Error(t, err)
	_, err = decodeDevice([]byte(`not json`), testDefaults)
	assert.Error(t, err)
}

// Needs a disposable Redis; set DSPLINK_TEST_REDIS=host:port to run.
func TestRedisDeviceRegistry(t *testing.T) {
	addr := os.Getenv("DSPLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("DSPLINK_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() {
		client.FlushDB(ctx)
		_ = client.Close()
	})
	require.NoError(t, client.FlushDB(ctx).Err())

	client.Set(ctx, "dsplink:device:lobby", `{"id":"lobby","ip_address":"10.0.0.5"}`, 0)
	client.Set(ctx, "dsplink:device:addr:10.0.0.5:5321", "lobby", 0)
	client.SAdd(ctx, "dsplink:devices", "lobby", "gone")

	require.NoError(t, CheckSchema(ctx, client, nil))
	reg := NewRedisDeviceRegistry(client, testDefaults)

	ep, err := reg.FindByAddress(ctx, "10.0.0.5", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceID("lobby"), ep.ID)

	_, err = reg.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	client.Set(ctx, schemaVersionKey, 7, 0)
	assert.Error(t, CheckSchema(ctx, client, nil))
}
