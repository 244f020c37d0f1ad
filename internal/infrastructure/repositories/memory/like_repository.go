package memory

import (
	"context"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

// LikeRepository stores at most one like per user and stream.
type LikeRepository struct {
	likes map[domain.StreamID]map[domain.UserID]struct{}
	mu    sync.RWMutex
}

func NewLikeRepository() ports.LikeRepository {
	return &LikeRepository{likes: make(map[domain.StreamID]map[domain.UserID]struct{})}
}

func (r *LikeRepository) Like(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.likes[streamID]
	if !ok {
		users = make(map[domain.UserID]struct{})
		r.likes[streamID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (r *LikeRepository) Unlike(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.likes[streamID], userID)
	return nil
}

func (r *LikeRepository) Count(ctx context.Context, streamID domain.StreamID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.likes[streamID])), nil
}
