package services

import (
	"context"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/cache"
)

const (
	liveListKey   = "streams:live"
	hostListKeyPf = "streams:host:"
)

// CachedStreamService serves the public stream listings from a short-lived
// cache. Lifecycle changes made through it invalidate the affected lists.
type CachedStreamService struct {
	ports.StreamService
	live  *cache.Cache[[]*domain.StreamDetails]
	hosts *cache.Cache[[]*domain.Stream]
}

func NewCachedStreamService(base ports.StreamService, ttl time.Duration) *CachedStreamService {
	return &CachedStreamService{
		StreamService: base,
		live:          cache.New[[]*domain.StreamDetails](ttl),
		hosts:         cache.New[[]*domain.Stream](ttl),
	}
}

func (s *CachedStreamService) CreateStream(ctx context.Context, hostID domain.UserID, title string, scheduledAt *time.Time) (*domain.Stream, error) {
	stream, err := s.StreamService.CreateStream(ctx, hostID, title, scheduledAt)
	if err == nil {
		s.hosts.Invalidate(hostListKeyPf + string(hostID))
	}
	return stream, err
}

func (s *CachedStreamService) StartStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID, rtmpURL string) (*domain.Stream, error) {
	stream, err := s.StreamService.StartStream(ctx, streamID, hostID, rtmpURL)
	if err == nil {
		s.invalidate(hostID)
	}
	return stream, err
}

func (s *CachedStreamService) StopStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID) (*domain.Stream, error) {
	stream, err := s.StreamService.StopStream(ctx, streamID, hostID)
	if err == nil {
		s.invalidate(hostID)
	}
	return stream, err
}

func (s *CachedStreamService) ListLiveStreams(ctx context.Context) ([]*domain.StreamDetails, error) {
	return s.live.GetOrLoad(ctx, liveListKey, s.StreamService.ListLiveStreams)
}

func (s *CachedStreamService) ListHostStreams(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error) {
	return s.hosts.GetOrLoad(ctx, hostListKeyPf+string(hostID), func(ctx context.Context) ([]*domain.Stream, error) {
		return s.StreamService.ListHostStreams(ctx, hostID)
	})
}

// Invalidate drops the live listing, e.g. after another instance changed it.
func (s *CachedStreamService) Invalidate() {
	s.live.Invalidate(liveListKey)
}

func (s *CachedStreamService) invalidate(hostID domain.UserID) {
	s.live.Invalidate(liveListKey)
	s.hosts.Invalidate(hostListKeyPf + string(hostID))
}

func (s *CachedStreamService) Stop() {
	s.live.Stop()
	s.hosts.Stop()
}
