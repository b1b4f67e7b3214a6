package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddRegistryCheck(memory.NewMemoryRoomRegistry(ports.RegistryLimits{}), time.Second, time.Second)
	h.AddMediatorCheck(func() bool { return true }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, map[string]string{"registry": "healthy", "mediator": "healthy"}, status.Checks)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_ReportsFailures(t *testing.T) {
	h := NewHealthChecker()
	h.AddMediatorCheck(func() bool { return false }, time.Second, time.Second)
	h.AddCheck("flaky", func(context.Context) (bool, error) { return false, nil }, time.Second, time.Second)
	h.AddCheck("broken", func(context.Context) (bool, error) { return false, errors.New("boom") }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, errMediatorDisconnected.Error(), status.Checks["mediator"])
	assert.Equal(t, "check failed", status.Checks["flaky"])
	assert.Equal(t, "boom", status.Checks["broken"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_AppliesTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, time.Second, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	h := NewHealthChecker()
	var runs atomic.Int32
	h.AddCheck("tick", func(context.Context) (bool, error) {
		runs.Add(1)
		return true, nil
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reported atomic.Int32
	h.StartBackgroundChecks(ctx, func(name string, healthy bool, err error) {
		if name == "tick" && healthy && err == nil {
			reported.Add(1)
		}
	})

	require.Eventually(t, func() bool { return reported.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}
