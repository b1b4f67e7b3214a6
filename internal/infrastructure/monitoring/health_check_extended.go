package monitoring

import (
	"context"
	"errors"
	"time"

	"roomrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errMediatorDisconnected = errors.New("mediator has no signaling channel")

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRegistryCheck verifies the room registry answers queries.
func (h *HealthChecker) AddRegistryCheck(registry ports.RoomRegistry, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) (bool, error) {
		if _, err := registry.Rooms(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddMediatorCheck reports unhealthy while the mediator is not registered
// with a router.
func (h *HealthChecker) AddMediatorCheck(connected func() bool, interval, timeout time.Duration) {
	h.AddCheck("mediator", func(ctx context.Context) (bool, error) {
		if !connected() {
			return false, errMediatorDisconnected
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
