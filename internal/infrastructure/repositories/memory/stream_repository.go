package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

// StreamRepository keeps streams in process memory. Callers get copies.
type StreamRepository struct {
	streams map[domain.StreamID]domain.Stream
	mu      sync.RWMutex
}

func NewStreamRepository() ports.StreamRepository {
	return &StreamRepository{
		streams: make(map[domain.StreamID]domain.Stream),
	}
}

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; exists {
		return fmt.Errorf("%w: stream %s", domain.ErrDuplicateID, stream.ID)
	}
	r.streams[stream.ID] = *stream
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}
	return &stream, nil
}

func (r *StreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[stream.ID]; !exists {
		return domain.ErrStreamNotFound
	}
	r.streams[stream.ID] = *stream
	return nil
}

// ListByHost returns the host's streams, newest first.
func (r *StreamRepository) ListByHost(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error) {
	out := r.collect(func(s domain.Stream) bool { return s.HostID == hostID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListLive returns live streams, most recently started first.
func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	out := r.collect(func(s domain.Stream) bool { return s.IsLive })
	sort.Slice(out, func(i, j int) bool { return startedAt(out[i]).After(startedAt(out[j])) })
	return out, nil
}

func (r *StreamRepository) collect(match func(domain.Stream) bool) []*domain.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Stream, 0)
	for _, s := range r.streams {
		if match(s) {
			s := s
			out = append(out, &s)
		}
	}
	return out
}

func startedAt(s *domain.Stream) time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return *s.StartedAt
}
