package reliability

import (
	"context"
	"errors"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/pkg/circuitbreaker"
	"roomrelay/pkg/retry"

	"go.uber.org/zap"
)

// domainErrors are answers from the registry, not backend failures. They
// never trip the breaker and are never retried.
var domainErrors = []error{
	domain.ErrRoomUnavailable,
	domain.ErrRoomNotFound,
	domain.ErrSlotNotFound,
	domain.ErrMediatorNotFound,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RegistryWrapper guards a remote RoomRegistry with a circuit breaker.
// Lookups are retried; mutations are not, since a slot allocation that
// timed out may still have happened.
type RegistryWrapper struct {
	registry ports.RoomRegistry
	breaker  *circuitbreaker.CircuitBreaker
	retry    retry.Config
	logger   *zap.SugaredLogger
}

var _ ports.RoomRegistry = (*RegistryWrapper)(nil)

func NewRegistryWrapper(
	registry ports.RoomRegistry,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RegistryWrapper {
	cbConfig.IsFailure = func(err error) bool { return !isDomainError(err) }
	retryConfig.NonRetryableErrors = append(append([]error{}, domainErrors...), circuitbreaker.ErrOpen, context.Canceled)

	w := &RegistryWrapper{
		registry: registry,
		breaker:  circuitbreaker.New(cbConfig),
		retry:    retryConfig,
		logger:   logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("registry circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func guard[T any](ctx context.Context, w *RegistryWrapper, fn func() (T, error)) (T, error) {
	return circuitbreaker.Do(ctx, w.breaker, fn)
}

func lookup[T any](ctx context.Context, w *RegistryWrapper, fn func() (T, error)) (T, error) {
	v, err := retry.RetryWithResult(ctx, w.retry, func() (T, error) {
		return guard(ctx, w, fn)
	})
	if err != nil && isDomainError(err) {
		// Drop the retry wrapping; callers see what the registry said.
		if inner := errors.Unwrap(err); inner != nil {
			return v, inner
		}
	}
	return v, err
}

func (w *RegistryWrapper) AddPublisher(ctx context.Context, roomID domain.RoomID, conn domain.ConnID) (domain.Assignment, error) {
	return guard(ctx, w, func() (domain.Assignment, error) {
		return w.registry.AddPublisher(ctx, roomID, conn)
	})
}

func (w *RegistryWrapper) AddSubscriber(ctx context.Context, roomID domain.RoomID, conn domain.ConnID, excludeSlot *domain.SlotIndex) (domain.Assignment, error) {
	return guard(ctx, w, func() (domain.Assignment, error) {
		return w.registry.AddSubscriber(ctx, roomID, conn, excludeSlot)
	})
}

func (w *RegistryWrapper) RemoveConn(ctx context.Context, conn domain.ConnID) ([]domain.Assignment, error) {
	return guard(ctx, w, func() ([]domain.Assignment, error) {
		return w.registry.RemoveConn(ctx, conn)
	})
}

func (w *RegistryWrapper) AddMediator(ctx context.Context, id domain.MediatorID, conn domain.ConnID) ([]domain.Assignment, error) {
	return guard(ctx, w, func() ([]domain.Assignment, error) {
		return w.registry.AddMediator(ctx, id, conn)
	})
}

func (w *RegistryWrapper) RemoveMediator(ctx context.Context, id domain.MediatorID) ([]domain.Assignment, error) {
	return guard(ctx, w, func() ([]domain.Assignment, error) {
		return w.registry.RemoveMediator(ctx, id)
	})
}

func (w *RegistryWrapper) MediatorConn(ctx context.Context, id domain.MediatorID) (domain.ConnID, error) {
	return lookup(ctx, w, func() (domain.ConnID, error) {
		return w.registry.MediatorConn(ctx, id)
	})
}

func (w *RegistryWrapper) Publisher(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	return lookup(ctx, w, func() (domain.Assignment, error) {
		return w.registry.Publisher(ctx, slot)
	})
}

func (w *RegistryWrapper) Subscriber(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	return lookup(ctx, w, func() (domain.Assignment, error) {
		return w.registry.Subscriber(ctx, slot)
	})
}

func (w *RegistryWrapper) Room(ctx context.Context, roomID domain.RoomID) ([]domain.Assignment, error) {
	return lookup(ctx, w, func() ([]domain.Assignment, error) {
		return w.registry.Room(ctx, roomID)
	})
}

func (w *RegistryWrapper) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	return lookup(ctx, w, func() ([]domain.RoomInfo, error) {
		return w.registry.Rooms(ctx)
	})
}

func (w *RegistryWrapper) BreakerStats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}
