package monitoring

import (
	"context"
	"sync"
	"time"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range checks {
		healthy, err := runCheck(ctx, check)
		switch {
		case err != nil:
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		case !healthy:
			status.Status = "unhealthy"
			status.Checks[check.Name] = "check failed"
		default:
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

func runCheck(ctx context.Context, check HealthCheck) (bool, error) {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}

// StartBackgroundChecks runs every check on its interval until ctx is done.
// onResult may be nil.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, onResult func(name string, healthy bool, err error)) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.checks {
		if check.Interval <= 0 {
			continue
		}
		go h.runCheckPeriodically(ctx, check, onResult)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck, onResult func(string, bool, error)) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := runCheck(ctx, check)
			if onResult != nil {
				onResult(check.Name, healthy, err)
			}
		}
	}
}
