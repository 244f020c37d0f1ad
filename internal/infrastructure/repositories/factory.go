package repositories

import (
	"context"
	"time"

	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/distributed"
	"rillcast/internal/infrastructure/repositories/memory"
	redisrepo "rillcast/internal/infrastructure/repositories/redis"
	"rillcast/pkg/config"
	distlock "rillcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates Redis-backed stores when Redis is reachable and
// in-memory ones otherwise.
type RepositoryFactory struct {
	redisClient   *redis.Client
	presenceLease time.Duration
	instanceID    string
	localHub      *distributed.LocalHub
	logger        *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		presenceLease: cfg.Redis.PresenceLease,
		instanceID:    instanceID,
		logger:        logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx,
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
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
			return factory
		}
	}

	factory.localHub = distributed.NewLocalHub()
	logger.Info("using memory repositories")
	return factory
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.redisClient != nil
}

func (f *RepositoryFactory) CreateStreamRepository() ports.StreamRepository {
	if f.redisClient != nil {
		return redisrepo.NewStreamRepository(f.redisClient)
	}
	return memory.NewStreamRepository()
}

// CreatePresenceRepository renews the Redis repository's leases until ctx
// is done.
func (f *RepositoryFactory) CreatePresenceRepository(ctx context.Context) ports.PresenceRepository {
	if f.redisClient != nil {
		repo := redisrepo.NewPresenceRepository(f.redisClient, f.presenceLease)
		go repo.KeepAlive(ctx, f.logger)
		return repo
	}
	return memory.NewPresenceRepository()
}

func (f *RepositoryFactory) CreateLikeRepository() ports.LikeRepository {
	if f.redisClient != nil {
		return redisrepo.NewLikeRepository(f.redisClient)
	}
	return memory.NewLikeRepository()
}

// CreateEventBus returns the cross-instance bus. Without Redis there are no
// other instances and the bus is process local.
func (f *RepositoryFactory) CreateEventBus() ports.EventBus {
	if f.redisClient != nil {
		return distributed.NewEventBus(f.redisClient, f.instanceID, f.logger)
	}
	return f.localHub.Bus(f.instanceID, f.logger)
}

// LockManager returns nil without Redis.
func (f *RepositoryFactory) LockManager() *distlock.LockManager {
	if f.redisClient == nil {
		return nil
	}
	return distlock.NewLockManager(f.redisClient, "rillcast:lock:")
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
