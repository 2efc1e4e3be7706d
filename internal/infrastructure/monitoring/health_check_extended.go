package monitoring

import (
	"context"
	"fmt"
	"time"

	"dsplink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis readiness check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:      "redis",
		Timeout:   timeout,
		Readiness: true,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}

// AddRegistryCheck verifies the device inventory can be listed.
func (h *HealthChecker) AddRegistryCheck(registry ports.DeviceRegistry, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:      "registry",
		Timeout:   timeout,
		Readiness: true,
		Check: func(ctx context.Context) error {
			_, err := registry.List(ctx)
			return err
		},
	})
}

// AddPoolCheck reports the pool unhealthy when more than maxDead of its
// connections are dead. Dead entries linger until the next sweep.
func (h *HealthChecker) AddPoolCheck(pool ports.ConnectionPool, maxDead int) {
	h.AddCheck(HealthCheck{
		Name: "device_pool",
		Check: func(context.Context) error {
			dead := 0
			for _, st := range pool.Stats() {
				if !st.Alive {
					dead++
				}
			}
			if dead > maxDead {
				return fmt.Errorf("%d dead device connections", dead)
			}
			return nil
		},
	})
}
