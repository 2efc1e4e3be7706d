package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dsplink:"

// deviceRecord is the JSON stored under dsplink:device:<id>.
type deviceRecord struct {
	ID        string `json:"id"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port,omitempty"`
	Inputs    int    `json:"inputs,omitempty"`
	Outputs   int    `json:"outputs,omitempty"`
	Groups    int    `json:"groups,omitempty"`
}

// Defaults fills what an inventory record leaves out.
type Defaults = domain.EndpointDefaults

// RedisDeviceRegistry reads the device inventory. It never writes.
//
// Layout:
//
//	dsplink:devices                     set of device ids
//	dsplink:device:<id>                 JSON deviceRecord
//	dsplink:device:addr:<ip>:<port>     device id
type RedisDeviceRegistry struct {
	client   *redis.Client
	prefix   string
	defaults Defaults
}

func NewRedisDeviceRegistry(client *redis.Client, defaults Defaults) ports.DeviceRegistry {
	return &RedisDeviceRegistry{
		client:   client,
		prefix:   keyPrefix,
		defaults: defaults,
	}
}

func (r *RedisDeviceRegistry) deviceKey(id domain.DeviceID) string {
	return r.prefix + "device:" + string(id)
}

func (r *RedisDeviceRegistry) addressKey(address string, port int) string {
	return r.prefix + "device:addr:" + address + ":" + strconv.Itoa(port)
}

func (r *RedisDeviceRegistry) devicesKey() string {
	return r.prefix + "devices"
}

func (r *RedisDeviceRegistry) GetByID(ctx context.Context, id domain.DeviceID) (domain.DeviceEndpoint, error) {
	data, err := r.client.Get(ctx, r.deviceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DeviceEndpoint{}, domain.ErrDeviceNotFound
	}
	if err != nil {
		return domain.DeviceEndpoint{}, fmt.Errorf("failed to get device from Redis: %w", err)
	}
	return decodeDevice(data, r.defaults)
}

func (r *RedisDeviceRegistry) FindByAddress(ctx context.Context, address string, port int) (domain.DeviceEndpoint, error) {
	if port == 0 {
		port = r.defaults.Port
	}
	id, err := r.client.Get(ctx, r.addressKey(address, port)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.DeviceEndpoint{}, domain.ErrDeviceNotFound
	}
	if err != nil {
		return domain.DeviceEndpoint{}, fmt.Errorf("failed to look up device address in Redis: %w", err)
	}
	return r.GetByID(ctx, domain.DeviceID(id))
}

func (r *RedisDeviceRegistry) List(ctx context.Context) ([]domain.DeviceEndpoint, error) {
	ids, err := r.client.SMembers(ctx, r.devicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.DeviceEndpoint{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.deviceKey(domain.DeviceID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices from Redis: %w", err)
	}

	devices := make([]domain.DeviceEndpoint, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Listed but deleted since.
			continue
		}
		ep, err := decodeDevice([]byte(s), r.defaults)
		if err != nil {
			return nil, err
		}
		devices = append(devices, ep)
	}
	return devices, nil
}

func decodeDevice(data []byte, d Defaults) (domain.DeviceEndpoint, error) {
	var rec deviceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.DeviceEndpoint{}, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	if rec.ID == "" || rec.IPAddress == "" {
		return domain.DeviceEndpoint{}, fmt.Errorf("device record missing id or ip_address")
	}
	ep := domain.DeviceEndpoint{
		ID:       domain.DeviceID(rec.ID),
		Address:  rec.IPAddress,
		Port:     rec.Port,
		Channels: domain.ChannelCounts{Inputs: rec.Inputs, Outputs: rec.Outputs, Groups: rec.Groups},
	}
	return d.Complete(ep), nil
}
