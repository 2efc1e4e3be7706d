package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
	// Readiness checks gate /ready only; liveness stays up without them.
	Readiness bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = 2 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
	sort.SliceStable(h.checks, func(i, j int) bool { return h.checks[i].Name < h.checks[j].Name })
}

// Liveness runs the checks that are not readiness-only.
func (h *HealthChecker) Liveness(ctx context.Context) HealthStatus {
	return h.run(ctx, false)
}

// Readiness runs every check.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	return h.run(ctx, true)
}

func (h *HealthChecker) run(ctx context.Context, readiness bool) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		if check.Readiness && !readiness {
			continue
		}
		if err := runCheck(ctx, check); err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}
	return status
}

func runCheck(ctx context.Context, check HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}
