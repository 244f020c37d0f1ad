package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presencePrefix = keyPrefix + "presence:"

	DefaultPresenceLease = 30 * time.Second
)

// PresenceRepository keeps a sorted set of connection ids per stream, scored
// by lease deadline, and a hash from connection id to user id. Viewer counts
// are shared across instances behind the same Redis. Records of an instance
// that stops renewing them expire after one lease.
type PresenceRepository struct {
	client *redis.Client
	lease  time.Duration
	now    func() time.Time

	mu    sync.Mutex
	owned map[domain.StreamID]map[domain.ConnectionID]struct{}
}

func NewPresenceRepository(client *redis.Client, lease time.Duration) *PresenceRepository {
	if lease <= 0 {
		lease = DefaultPresenceLease
	}
	return &PresenceRepository{
		client: client,
		lease:  lease,
		now:    time.Now,
		owned:  make(map[domain.StreamID]map[domain.ConnectionID]struct{}),
	}
}

var _ ports.PresenceRepository = (*PresenceRepository)(nil)

func presenceKey(id domain.StreamID) string      { return presencePrefix + string(id) }
func presenceUsersKey(id domain.StreamID) string { return presencePrefix + string(id) + ":users" }

func (r *PresenceRepository) deadline() float64 {
	return float64(r.now().Add(r.lease).UnixMilli())
}

func (r *PresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) (bool, error) {
	var added *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.ZAdd(ctx, presenceKey(record.StreamID), redis.Z{
			Score:  r.deadline(),
			Member: string(record.ConnectionID),
		})
		pipe.HSet(ctx, presenceUsersKey(record.StreamID), string(record.ConnectionID), string(record.UserID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to store presence: %w", err)
	}

	r.mu.Lock()
	conns, ok := r.owned[record.StreamID]
	if !ok {
		conns = make(map[domain.ConnectionID]struct{})
		r.owned[record.StreamID] = conns
	}
	conns[record.ConnectionID] = struct{}{}
	r.mu.Unlock()

	return added.Val() > 0, nil
}

func (r *PresenceRepository) Remove(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (bool, error) {
	r.mu.Lock()
	if conns, ok := r.owned[streamID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.owned, streamID)
		}
	}
	r.mu.Unlock()

	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, presenceKey(streamID), string(connID))
		pipe.HDel(ctx, presenceUsersKey(streamID), string(connID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove presence: %w", err)
	}
	return removed.Val() > 0, nil
}

// Count drops expired records, then counts the distinct users of the rest.
func (r *PresenceRepository) Count(ctx context.Context, streamID domain.StreamID) (int64, error) {
	now := strconv.FormatInt(r.now().UnixMilli(), 10)

	expired, err := r.client.ZRangeByScore(ctx, presenceKey(streamID), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(expired) > 0 {
		members := make([]interface{}, len(expired))
		for i, m := range expired {
			members[i] = m
		}
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, presenceKey(streamID), members...)
			pipe.HDel(ctx, presenceUsersKey(streamID), expired...)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to expire presence: %w", err)
		}
	}

	live, err := r.client.ZRangeByScore(ctx, presenceKey(streamID), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(live) == 0 {
		return 0, nil
	}
	userIDs, err := r.client.HMGet(ctx, presenceUsersKey(streamID), live...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read presence users: %w", err)
	}

	users := make(map[string]struct{}, len(userIDs))
	for _, v := range userIDs {
		if id, ok := v.(string); ok {
			users[id] = struct{}{}
		}
	}
	return int64(len(users)), nil
}

// Renew extends the lease of every record this instance stored.
func (r *PresenceRepository) Renew(ctx context.Context) error {
	r.mu.Lock()
	owned := make(map[domain.StreamID][]redis.Z, len(r.owned))
	deadline := r.deadline()
	for streamID, conns := range r.owned {
		for connID := range conns {
			owned[streamID] = append(owned[streamID], redis.Z{Score: deadline, Member: string(connID)})
		}
	}
	r.mu.Unlock()

	if len(owned) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for streamID, members := range owned {
			pipe.ZAddArgs(ctx, presenceKey(streamID), redis.ZAddArgs{XX: true, Members: members})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to renew presence: %w", err)
	}
	return nil
}

// KeepAlive renews leases at a third of the lease until ctx is done.
func (r *PresenceRepository) KeepAlive(ctx context.Context, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Renew(ctx); err != nil && ctx.Err() == nil {
				logger.Warnw("presence renewal failed", "error", err)
			}
		}
	}
}
