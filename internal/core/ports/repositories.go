package ports

import (
	"context"

	"rillcast/internal/core/domain"
)

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	Update(ctx context.Context, stream *domain.Stream) error
	ListByHost(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error)
	ListLive(ctx context.Context) ([]*domain.Stream, error)
}

// PresenceRepository stores which connections are watching which stream.
// Records are kept per connection and counted per user.
type PresenceRepository interface {
	// Upsert reports whether the connection's record was new.
	Upsert(ctx context.Context, record *domain.PresenceRecord) (bool, error)
	// Remove reports whether a record existed.
	Remove(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (bool, error)
	// Count returns the number of distinct users with at least one record.
	Count(ctx context.Context, streamID domain.StreamID) (int64, error)
}

type LikeRepository interface {
	Like(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error
	Unlike(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error
	Count(ctx context.Context, streamID domain.StreamID) (int64, error)
}
