package repositories

import (
	"context"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/internal/infrastructure/repositories/memory"
	redisrepo "dsplink/internal/infrastructure/repositories/redis"
	"dsplink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RegistryFactory picks the device inventory: redis when enabled and
// reachable, otherwise the static list from the config file.
type RegistryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	defaults    domain.EndpointDefaults
	static      []config.StaticDevice
	logger      *zap.SugaredLogger
}

func NewRegistryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RegistryFactory, error) {
	factory := &RegistryFactory{
		useRedis: cfg.Redis.Enabled,
		defaults: DefaultsFromConfig(cfg),
		static:   cfg.Device.Static,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to static device list",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis device registry")
		}
	}

	if !factory.useRedis {
		logger.Infow("using static device registry", "devices", len(cfg.Device.Static))
	}

	return factory, nil
}

// DefaultsFromConfig collects what a registry record may leave out.
func DefaultsFromConfig(cfg *config.Config) domain.EndpointDefaults {
	return domain.EndpointDefaults{
		Port: cfg.Device.Port,
		Channels: domain.ChannelCounts{
			Inputs:  cfg.Device.Channels.Inputs,
			Outputs: cfg.Device.Channels.Outputs,
			Groups:  cfg.Device.Channels.Groups,
		},
		Policy: domain.ConnectionPolicy{
			ConnectTimeout: cfg.Device.ConnectTimeout,
			CommandTimeout: cfg.Device.CommandTimeout,
			Retries:        cfg.Device.Retries,
		},
	}
}

// CreateDeviceRegistry returns the redis registry or a memory registry
// seeded from device.static.
func (f *RegistryFactory) CreateDeviceRegistry() ports.DeviceRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisDeviceRegistry(f.redisClient, f.defaults)
	}
	devices := make([]domain.DeviceEndpoint, 0, len(f.static))
	for _, d := range f.static {
		devices = append(devices, StaticEndpoint(d, f.defaults))
	}
	return memory.NewMemoryDeviceRegistry(devices...)
}

// StaticEndpoint fills a config entry with defaults.
func StaticEndpoint(d config.StaticDevice, defaults domain.EndpointDefaults) domain.DeviceEndpoint {
	ep := domain.DeviceEndpoint{
		ID:       domain.DeviceID(d.ID),
		Address:  d.Address,
		Port:     d.Port,
		Channels: domain.ChannelCounts{Inputs: d.Inputs, Outputs: d.Outputs, Groups: d.Groups},
	}
	return defaults.Complete(ep)
}

// RedisClient is nil unless the redis registry is in use.
func (f *RegistryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RegistryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RegistryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
