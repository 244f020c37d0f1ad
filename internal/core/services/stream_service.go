package services

import (
	"context"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const EventStreamEnded = "stream-ended"

type streamService struct {
	streamRepo  ports.StreamRepository
	likeRepo    ports.LikeRepository
	presence    ports.PresenceService
	media       ports.MediaService
	broadcaster ports.Broadcaster
	restreamer  ports.Restreamer
	bus         ports.EventBus
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewStreamService wires the stream lifecycle. restreamer and bus may be nil.
func NewStreamService(
	streamRepo ports.StreamRepository,
	likeRepo ports.LikeRepository,
	presence ports.PresenceService,
	media ports.MediaService,
	broadcaster ports.Broadcaster,
	restreamer ports.Restreamer,
	bus ports.EventBus,
	logger *zap.SugaredLogger,
) ports.StreamService {
	return &streamService{
		streamRepo:  streamRepo,
		likeRepo:    likeRepo,
		presence:    presence,
		media:       media,
		broadcaster: broadcaster,
		restreamer:  restreamer,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *streamService) CreateStream(ctx context.Context, hostID domain.UserID, title string, scheduledAt *time.Time) (*domain.Stream, error) {
	if hostID == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := validation.ValidateStreamTitle(title); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	stream := &domain.Stream{
		ID:          domain.StreamID(uuid.NewString()),
		HostID:      hostID,
		Title:       title,
		StreamKey:   uuid.NewString(),
		ScheduledAt: scheduledAt,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.streamRepo.Create(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	s.logger.Infow("stream created", "stream_id", stream.ID, "host_id", hostID)
	return stream, nil
}

// hostedStream loads a stream the caller hosts. Other callers see NotFound.
func (s *streamService) hostedStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID) (*domain.Stream, error) {
	stream, err := s.streamRepo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !stream.IsHostedBy(hostID) {
		return nil, domain.ErrStreamNotFound
	}
	return stream, nil
}

func (s *streamService) StartStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID, rtmpURL string) (*domain.Stream, error) {
	if rtmpURL != "" {
		if err := validation.ValidateRTMPURL(rtmpURL); err != nil {
			return nil, apperrors.NewInvalidInputError(err.Error())
		}
	}

	stream, err := s.hostedStream(ctx, streamID, hostID)
	if err != nil {
		return nil, err
	}
	if stream.Ended() {
		return nil, domain.ErrStreamEnded
	}

	now := s.now().UTC()
	stream.IsLive = true
	stream.StartedAt = &now
	if err := s.streamRepo.Update(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	s.publish(ctx, domain.EventStreamStarted, streamID)

	if rtmpURL != "" && s.restreamer != nil {
		if err := s.restreamer.Start(ctx, streamID, rtmpURL); err != nil {
			s.logger.Warnw("failed to start restream", "stream_id", streamID, "error", err)
		}
	}

	s.logger.Infow("stream started", "stream_id", streamID, "restream", rtmpURL != "")
	return stream, nil
}

func (s *streamService) StopStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID) (*domain.Stream, error) {
	stream, err := s.hostedStream(ctx, streamID, hostID)
	if err != nil {
		return nil, err
	}
	if stream.Ended() {
		return stream, nil
	}

	now := s.now().UTC()
	stream.IsLive = false
	stream.EndedAt = &now
	if err := s.streamRepo.Update(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to stop stream: %w", err)
	}

	if s.restreamer != nil && s.restreamer.Active(streamID) {
		if err := s.restreamer.Stop(streamID); err != nil {
			s.logger.Warnw("failed to stop restream", "stream_id", streamID, "error", err)
		}
	}
	EndStreamLocally(ctx, streamID, s.media, s.broadcaster)
	s.publish(ctx, domain.EventStreamEnded, streamID)

	s.logger.Infow("stream stopped", "stream_id", streamID)
	return stream, nil
}

func (s *streamService) GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamDetails, error) {
	stream, err := s.streamRepo.GetByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, stream)
}

func (s *streamService) ListHostStreams(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error) {
	return s.streamRepo.ListByHost(ctx, hostID)
}

func (s *streamService) ListLiveStreams(ctx context.Context) ([]*domain.StreamDetails, error) {
	streams, err := s.streamRepo.ListLive(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.StreamDetails, 0, len(streams))
	for _, stream := range streams {
		d, err := s.details(ctx, stream)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *streamService) LikeStream(ctx context.Context, streamID domain.StreamID, userID domain.UserID) (int64, error) {
	if _, err := s.streamRepo.GetByID(ctx, streamID); err != nil {
		return 0, err
	}
	if err := s.likeRepo.Like(ctx, streamID, userID); err != nil {
		return 0, fmt.Errorf("failed to like stream: %w", err)
	}
	return s.likeRepo.Count(ctx, streamID)
}

func (s *streamService) UnlikeStream(ctx context.Context, streamID domain.StreamID, userID domain.UserID) (int64, error) {
	if _, err := s.streamRepo.GetByID(ctx, streamID); err != nil {
		return 0, err
	}
	if err := s.likeRepo.Unlike(ctx, streamID, userID); err != nil {
		return 0, fmt.Errorf("failed to unlike stream: %w", err)
	}
	return s.likeRepo.Count(ctx, streamID)
}

func (s *streamService) details(ctx context.Context, stream *domain.Stream) (*domain.StreamDetails, error) {
	viewers, err := s.presence.Count(ctx, stream.ID)
	if err != nil {
		return nil, err
	}
	likes, err := s.likeRepo.Count(ctx, stream.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count likes: %w", err)
	}
	return &domain.StreamDetails{Stream: stream, ViewerCount: viewers, LikeCount: likes}, nil
}

func (s *streamService) publish(ctx context.Context, eventType domain.EventType, streamID domain.StreamID) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, &domain.Event{Type: eventType, StreamID: streamID}); err != nil {
		s.logger.Warnw("failed to publish stream event", "type", eventType, "stream_id", streamID, "error", err)
	}
}

// EndStreamLocally tells this instance's participants that the stream ended
// and releases its media resources.
func EndStreamLocally(ctx context.Context, streamID domain.StreamID, media ports.MediaService, broadcaster ports.Broadcaster) {
	broadcaster.BroadcastToStream(streamID, EventStreamEnded, map[string]interface{}{
		"streamId": streamID,
	}, "")
	media.EndStream(ctx, streamID)
}

// NewStreamEventHandler applies stream events published by other instances.
func NewStreamEventHandler(media ports.MediaService, broadcaster ports.Broadcaster, logger *zap.SugaredLogger) func(*domain.Event) error {
	return func(evt *domain.Event) error {
		switch evt.Type {
		case domain.EventStreamEnded:
			logger.Infow("stream ended on another instance", "stream_id", evt.StreamID, "instance_id", evt.InstanceID)
			EndStreamLocally(context.Background(), evt.StreamID, media, broadcaster)
		case domain.EventStreamStarted:
			logger.Debugw("stream started on another instance", "stream_id", evt.StreamID)
		}
		return nil
	}
}
