package ports

import (
	"context"
	"io"
	"time"

	"rillcast/internal/core/domain"
)

type StreamService interface {
	CreateStream(ctx context.Context, hostID domain.UserID, title string, scheduledAt *time.Time) (*domain.Stream, error)
	StartStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID, rtmpURL string) (*domain.Stream, error)
	StopStream(ctx context.Context, streamID domain.StreamID, hostID domain.UserID) (*domain.Stream, error)
	GetStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamDetails, error)
	ListHostStreams(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error)
	ListLiveStreams(ctx context.Context) ([]*domain.StreamDetails, error)
	LikeStream(ctx context.Context, streamID domain.StreamID, userID domain.UserID) (int64, error)
	UnlikeStream(ctx context.Context, streamID domain.StreamID, userID domain.UserID) (int64, error)
}

type PresenceService interface {
	// Join records a viewer. An empty userID marks an anonymous viewer that
	// is never counted.
	Join(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, userID domain.UserID) (int64, error)
	Leave(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (int64, error)
	Count(ctx context.Context, streamID domain.StreamID) (int64, error)
}

type MediaService interface {
	RouterCapabilities(ctx context.Context, streamID domain.StreamID) (domain.RTPCapabilities, error)
	CreateTransport(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, direction domain.Direction) (domain.TransportParams, error)
	ConnectTransport(ctx context.Context, connID domain.ConnectionID, transportID domain.TransportID, params domain.ConnectParams) error
	Produce(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters domain.RTPParameters) (domain.ProducerInfo, error)
	Consume(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerParams, error)
	PauseProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error
	ResumeProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error
	ResumeConsumer(ctx context.Context, connID domain.ConnectionID, consumerID domain.ConsumerID) error
	ListProducers(ctx context.Context, streamID domain.StreamID) ([]domain.ProducerInfo, error)
	// TapProducer forwards one producer of the stream to a UDP address and
	// returns the producer's RTP parameters.
	TapProducer(ctx context.Context, streamID domain.StreamID, producerID domain.ProducerID, addr string) (domain.RTPParameters, io.Closer, error)
	CleanupConnection(ctx context.Context, connID domain.ConnectionID)
	EndStream(ctx context.Context, streamID domain.StreamID)
}

// Broadcaster delivers server events to the connections joined to a stream.
type Broadcaster interface {
	BroadcastToStream(streamID domain.StreamID, event string, data interface{}, except domain.ConnectionID)
}

// Restreamer pushes a live stream to an external RTMP endpoint.
type Restreamer interface {
	Start(ctx context.Context, streamID domain.StreamID, rtmpURL string) error
	Stop(streamID domain.StreamID) error
	Active(streamID domain.StreamID) bool
}

type EventBus interface {
	Publish(ctx context.Context, event *domain.Event) error
	Subscribe(ctx context.Context, handler func(*domain.Event) error) error
	Close() error
}

// RelayMetrics receives resource lifecycle and signaling observations.
type RelayMetrics interface {
	WorkerStarted()
	WorkerDied()
	ResourceOpened(kind string)
	ResourceClosed(kind string)
	ViewerCount(streamID domain.StreamID, count int64)
	SignalRequest(event string, code string, duration time.Duration)
}
