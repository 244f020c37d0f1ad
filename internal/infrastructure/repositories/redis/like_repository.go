package redis

import (
	"context"
	"fmt"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type LikeRepository struct {
	client *redis.Client
}

func NewLikeRepository(client *redis.Client) ports.LikeRepository {
	return &LikeRepository{client: client}
}

func likesKey(id domain.StreamID) string { return keyPrefix + "likes:" + string(id) }

func (r *LikeRepository) Like(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error {
	if err := r.client.SAdd(ctx, likesKey(streamID), string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to like stream: %w", err)
	}
	return nil
}

func (r *LikeRepository) Unlike(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error {
	if err := r.client.SRem(ctx, likesKey(streamID), string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to unlike stream: %w", err)
	}
	return nil
}

func (r *LikeRepository) Count(ctx context.Context, streamID domain.StreamID) (int64, error) {
	n, err := r.client.SCard(ctx, likesKey(streamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count likes: %w", err)
	}
	return n, nil
}
