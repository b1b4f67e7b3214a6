package repositories

import (
	"context"
	"time"

	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/reliability"
	"roomrelay/internal/infrastructure/repositories/memory"
	redisrepo "roomrelay/internal/infrastructure/repositories/redis"
	"roomrelay/pkg/circuitbreaker"
	"roomrelay/pkg/config"
	"roomrelay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	limits      ports.RegistryLimits
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled. An unreachable Redis
// is logged and the factory falls back to memory repositories.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		limits: ports.RegistryLimits{
			MaxRooms:        cfg.Registry.MaxRooms,
			MaxSlotsPerRoom: cfg.Registry.MaxSlotsPerRoom,
		},
		logger: logger,
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
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// CreateRoomRegistry creates a room registry (Redis or memory with fallback).
// The Redis registry sits behind a circuit breaker.
func (f *RepositoryFactory) CreateRoomRegistry() ports.RoomRegistry {
	if f.useRedis && f.redisClient != nil {
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = 2
		retryCfg.MaxDelay = 500 * time.Millisecond

		return reliability.NewRegistryWrapper(
			redisrepo.NewRedisRoomRegistry(f.redisClient, f.limits),
			retryCfg,
			circuitbreaker.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryRoomRegistry(f.limits)
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
