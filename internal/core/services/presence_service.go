package services

import (
	"context"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"go.uber.org/zap"
)

const EventViewerCount = "viewer-count"

type presenceService struct {
	repo        ports.PresenceRepository
	broadcaster ports.Broadcaster
	metrics     ports.RelayMetrics
	logger      *zap.SugaredLogger
	now         func() time.Time
}

func NewPresenceService(repo ports.PresenceRepository, broadcaster ports.Broadcaster, metrics ports.RelayMetrics, logger *zap.SugaredLogger) ports.PresenceService {
	return &presenceService{
		repo:        repo,
		broadcaster: broadcaster,
		metrics:     metricsOrNop(metrics),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *presenceService) Join(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, userID domain.UserID) (int64, error) {
	if userID == "" {
		return s.Count(ctx, streamID)
	}

	added, err := s.repo.Upsert(ctx, &domain.PresenceRecord{
		StreamID:     streamID,
		ConnectionID: connID,
		UserID:       userID,
		JoinedAt:     s.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record viewer: %w", err)
	}
	if !added {
		return s.Count(ctx, streamID)
	}
	return s.recount(ctx, streamID)
}

func (s *presenceService) Leave(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (int64, error) {
	removed, err := s.repo.Remove(ctx, streamID, connID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove viewer: %w", err)
	}
	if !removed {
		return s.Count(ctx, streamID)
	}
	return s.recount(ctx, streamID)
}

func (s *presenceService) Count(ctx context.Context, streamID domain.StreamID) (int64, error) {
	n, err := s.repo.Count(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("failed to count viewers: %w", err)
	}
	return n, nil
}

func (s *presenceService) recount(ctx context.Context, streamID domain.StreamID) (int64, error) {
	n, err := s.Count(ctx, streamID)
	if err != nil {
		return 0, err
	}
	s.metrics.ViewerCount(streamID, n)
	s.broadcaster.BroadcastToStream(streamID, EventViewerCount, map[string]interface{}{
		"streamId": streamID,
		"count":    n,
	}, "")
	s.logger.Debugw("viewer count changed", "stream_id", streamID, "count", n)
	return n, nil
}
