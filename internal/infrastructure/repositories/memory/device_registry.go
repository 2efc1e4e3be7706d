package memory

import (
	"context"
	"sort"
	"sync"

	"dsplink/internal/core/domain"
)

// MemoryDeviceRegistry serves a fixed device list, typically from the
// config file.
type MemoryDeviceRegistry struct {
	devices map[domain.DeviceID]domain.DeviceEndpoint
	mu      sync.RWMutex
}

func NewMemoryDeviceRegistry(devices ...domain.DeviceEndpoint) *MemoryDeviceRegistry {
	r := &MemoryDeviceRegistry{
		devices: make(map[domain.DeviceID]domain.DeviceEndpoint, len(devices)),
	}
	for _, d := range devices {
		r.devices[d.ID] = d
	}
	return r
}

// Put adds or replaces a device.
func (r *MemoryDeviceRegistry) Put(ep domain.DeviceEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[ep.ID] = ep
}

func (r *MemoryDeviceRegistry) GetByID(_ context.Context, id domain.DeviceID) (domain.DeviceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, exists := r.devices[id]
	if !exists {
		return domain.DeviceEndpoint{}, domain.ErrDeviceNotFound
	}
	return ep, nil
}

func (r *MemoryDeviceRegistry) FindByAddress(_ context.Context, address string, port int) (domain.DeviceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ep := range r.devices {
		if ep.Address == address && (port == 0 || ep.Port == port) {
			return ep, nil
		}
	}
	return domain.DeviceEndpoint{}, domain.ErrDeviceNotFound
}

func (r *MemoryDeviceRegistry) List(_ context.Context) ([]domain.DeviceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]domain.DeviceEndpoint, 0, len(r.devices))
	for _, ep := range r.devices {
		devices = append(devices, ep)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}
