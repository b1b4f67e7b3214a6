package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/repositories/memory"
	"roomrelay/pkg/circuitbreaker"
	"roomrelay/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRedisDown = errors.New("dial tcp: connection refused")

// flakyRegistry fails the first n calls of every method with errRedisDown.
type flakyRegistry struct {
	ports.RoomRegistry
	failures int
	calls    int
}

func (f *flakyRegistry) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return errRedisDown
	}
	return nil
}

func (f *flakyRegistry) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.RoomRegistry.Rooms(ctx)
}

func (f *flakyRegistry) AddPublisher(ctx context.Context, roomID domain.RoomID, conn domain.ConnID) (domain.Assignment, error) {
	if err := f.fail(); err != nil {
		return domain.Assignment{}, err
	}
	return f.RoomRegistry.AddPublisher(ctx, roomID, conn)
}

func testRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func testBreaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	}
}

func newWrapper(inner ports.RoomRegistry) *RegistryWrapper {
	return NewRegistryWrapper(inner, testRetry(), testBreaker(), zap.NewNop().Sugar())
}

func TestRegistryWrapper_PassesThrough(t *testing.T) {
	ctx := context.Background()
	w := newWrapper(memory.NewMemoryRoomRegistry(ports.RegistryLimits{}))

	a, err := w.AddPublisher(ctx, "lobby", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotIndex(0), a.Slot.Index)

	rooms, err := w.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.RoomID("lobby"), rooms[0].ID)
}

func TestRegistryWrapper_RetriesLookups(t *testing.T) {
	inner := &flakyRegistry{RoomRegistry: memory.NewMemoryRoomRegistry(ports.RegistryLimits{}), failures: 2}
	w := newWrapper(inner)

	_, err := w.Rooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestRegistryWrapper_DoesNotRetryMutations(t *testing.T) {
	inner := &flakyRegistry{RoomRegistry: memory.NewMemoryRoomRegistry(ports.RegistryLimits{}), failures: 1}
	w := newWrapper(inner)

	_, err := w.AddPublisher(context.Background(), "lobby", "c1")
	assert.ErrorIs(t, err, errRedisDown)
	assert.Equal(t, 1, inner.calls)
}

func TestRegistryWrapper_DomainErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	w := newWrapper(memory.NewMemoryRoomRegistry(ports.RegistryLimits{MaxRooms: 1}))

	_, err := w.AddPublisher(ctx, "a", "c1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = w.AddPublisher(ctx, "b", "c2")
		assert.ErrorIs(t, err, domain.ErrRoomUnavailable)
	}
	_, err = w.Room(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.NotContains(t, err.Error(), "non-retryable")

	assert.Equal(t, circuitbreaker.StateClosed, w.BreakerStats().State)
}

func TestRegistryWrapper_OpensOnBackendFailures(t *testing.T) {
	inner := &flakyRegistry{RoomRegistry: memory.NewMemoryRoomRegistry(ports.RegistryLimits{}), failures: 100}
	w := newWrapper(inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = w.AddPublisher(ctx, "lobby", "c1")
	}
	assert.Equal(t, circuitbreaker.StateOpen, w.BreakerStats().State)

	calls := inner.calls
	_, err := w.Rooms(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, inner.calls)
}
