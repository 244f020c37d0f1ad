package ports

import (
	"context"
	"io"

	"rillcast/internal/core/domain"
)

// RelayEngine starts relay workers. A worker hosts routers and does the
// actual media forwarding.
type RelayEngine interface {
	CreateWorker(ctx context.Context) (RelayWorker, error)
}

type RelayWorker interface {
	ID() domain.WorkerID
	CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (RelayRouter, error)
	// Died delivers the cause when the worker stops unexpectedly. A clean
	// Close closes it without a value.
	Died() <-chan error
	Close() error
}

type RelayRouter interface {
	ID() domain.RouterID
	WorkerID() domain.WorkerID
	RTPCapabilities() domain.RTPCapabilities
	// CanConsume reports whether a consumer with caps can receive the
	// producer. Unknown producers are never consumable.
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	CreateWebRTCTransport(ctx context.Context, opts domain.TransportOptions) (RelayTransport, error)
	// TapProducer forwards the producer's RTP to a plain UDP address.
	TapProducer(ctx context.Context, producerID domain.ProducerID, addr string) (io.Closer, error)
	Close() error
}

type RelayTransport interface {
	ID() domain.TransportID
	Params() domain.TransportParams
	Connect(ctx context.Context, params domain.ConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, rtpParameters domain.RTPParameters) (RelayProducer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (RelayConsumer, error)
	// OnClose registers fn to run once when the transport closes or its
	// connection fails. On an already closed transport fn runs immediately.
	OnClose(fn func())
	Close() error
}

type RelayProducer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Pause() error
	Resume() error
	Paused() bool
	OnClose(fn func())
	Close() error
}

type RelayConsumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Paused() bool
	Resume() error
	// OnClose also fires when the consumed producer goes away.
	OnClose(fn func())
	Close() error
}
