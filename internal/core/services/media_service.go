package services

import (
	"context"
	"fmt"
	"io"
	"sort"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/tracing"

	"go.uber.org/zap"
)

const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
)

type transportEntry struct {
	streamID  domain.StreamID
	connID    domain.ConnectionID
	direction domain.Direction
	transport ports.RelayTransport
}

type producerEntry struct {
	streamID    domain.StreamID
	connID      domain.ConnectionID
	transportID domain.TransportID
	producer    ports.RelayProducer
}

type consumerEntry struct {
	streamID    domain.StreamID
	connID      domain.ConnectionID
	transportID domain.TransportID
	consumer    ports.RelayConsumer
}

// TransportDefaults are applied to every WebRTC transport.
type TransportDefaults struct {
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
}

type mediaService struct {
	routers     *RouterRegistry
	broadcaster ports.Broadcaster
	defaults    TransportDefaults
	metrics     ports.RelayMetrics
	logger      *zap.SugaredLogger

	transports *connStore[domain.TransportID, *transportEntry]
	producers  *connStore[domain.ProducerID, *producerEntry]
	consumers  *connStore[domain.ConsumerID, *consumerEntry]
}

func NewMediaService(
	routers *RouterRegistry,
	broadcaster ports.Broadcaster,
	defaults TransportDefaults,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) ports.MediaService {
	return &mediaService{
		routers:     routers,
		broadcaster: broadcaster,
		defaults:    defaults,
		metrics:     metricsOrNop(metrics),
		logger:      logger,
		transports:  newConnStore[domain.TransportID, *transportEntry](),
		producers:   newConnStore[domain.ProducerID, *producerEntry](),
		consumers:   newConnStore[domain.ConsumerID, *consumerEntry](),
	}
}

func (s *mediaService) RouterCapabilities(ctx context.Context, streamID domain.StreamID) (domain.RTPCapabilities, error) {
	router, err := s.routers.GetOrCreateRouter(ctx, streamID)
	if err != nil {
		return domain.RTPCapabilities{}, err
	}
	return router.RTPCapabilities(), nil
}

func (s *mediaService) CreateTransport(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, direction domain.Direction) (domain.TransportParams, error) {
	if !direction.Valid() {
		return domain.TransportParams{}, fmt.Errorf("%w: %q", domain.ErrInvalidDirection, direction)
	}

	router, err := s.routers.GetOrCreateRouter(ctx, streamID)
	if err != nil {
		return domain.TransportParams{}, err
	}

	ctx, span := tracing.TraceRelay(ctx, "create_transport", string(streamID))
	defer span.End()

	transport, err := router.CreateWebRTCTransport(ctx, domain.TransportOptions{
		Direction: direction,
		EnableUDP: s.defaults.EnableUDP,
		EnableTCP: s.defaults.EnableTCP,
		PreferUDP: s.defaults.PreferUDP,
		AppData: map[string]string{
			"connectionId": string(connID),
			"streamId":     string(streamID),
		},
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.TransportParams{}, fmt.Errorf("failed to create transport: %w", err)
	}

	entry := &transportEntry{streamID: streamID, connID: connID, direction: direction, transport: transport}
	if !s.transports.insert(connID, transport.ID(), entry) {
		_ = transport.Close()
		return domain.TransportParams{}, fmt.Errorf("%w: transport %s", domain.ErrDuplicateID, transport.ID())
	}
	s.metrics.ResourceOpened(resourceTransport)

	transportID := transport.ID()
	transport.OnClose(func() { s.dropTransport(connID, transportID) })

	s.logger.Debugw("transport created",
		"stream_id", streamID,
		"connection_id", connID,
		"transport_id", transportID,
		"direction", direction,
	)
	return transport.Params(), nil
}

func (s *mediaService) ConnectTransport(ctx context.Context, connID domain.ConnectionID, transportID domain.TransportID, params domain.ConnectParams) error {
	entry, ok := s.transports.get(connID, transportID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}

	ctx, span := tracing.TraceRelay(ctx, "connect_transport", string(entry.streamID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.TransportIDKey.String(string(transportID)))

	if err := entry.transport.Connect(ctx, params); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to connect transport %s: %w", transportID, err)
	}
	return nil
}

func (s *mediaService) Produce(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, transportID domain.TransportID, kind domain.MediaKind, rtpParameters domain.RTPParameters) (domain.ProducerInfo, error) {
	if !kind.Valid() {
		return domain.ProducerInfo{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}

	entry, ok := s.transports.get(connID, transportID)
	if !ok || entry.streamID != streamID {
		return domain.ProducerInfo{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if entry.direction != domain.DirectionSend {
		return domain.ProducerInfo{}, fmt.Errorf("%w: cannot produce on a %s transport", domain.ErrInvalidDirection, entry.direction)
	}

	ctx, span := tracing.TraceRelay(ctx, "produce", string(streamID))
	defer span.End()

	producer, err := entry.transport.Produce(ctx, kind, rtpParameters)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.ProducerInfo{}, fmt.Errorf("failed to produce: %w", err)
	}

	producerID := producer.ID()
	if _, taken := s.findProducer(streamID, producerID); taken {
		_ = producer.Close()
		return domain.ProducerInfo{}, fmt.Errorf("%w: producer %s", domain.ErrDuplicateID, producerID)
	}
	pe := &producerEntry{streamID: streamID, connID: connID, transportID: transportID, producer: producer}
	if !s.producers.insert(connID, producerID, pe) {
		_ = producer.Close()
		return domain.ProducerInfo{}, fmt.Errorf("%w: producer %s", domain.ErrDuplicateID, producerID)
	}
	s.metrics.ResourceOpened(resourceProducer)
	producer.OnClose(func() { s.dropProducer(connID, producerID) })

	info := domain.ProducerInfo{ID: producerID, Kind: producer.Kind()}
	s.broadcaster.BroadcastToStream(streamID, EventNewProducer, map[string]interface{}{
		"producerId": producerID,
		"kind":       info.Kind,
	}, connID)

	s.logger.Infow("producer created",
		"stream_id", streamID,
		"connection_id", connID,
		"producer_id", producerID,
		"kind", kind,
	)
	return info, nil
}

func (s *mediaService) Consume(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (domain.ConsumerParams, error) {
	if _, ok := s.findProducer(streamID, producerID); !ok {
		return domain.ConsumerParams{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}

	router, ok := s.routers.Get(streamID)
	if !ok {
		return domain.ConsumerParams{}, fmt.Errorf("%w: stream %s", domain.ErrRouterNotFound, streamID)
	}
	if !router.CanConsume(producerID, caps) {
		return domain.ConsumerParams{}, domain.ErrIncompatibleCapabilities
	}

	entry, ok := s.transports.get(connID, transportID)
	if !ok || entry.streamID != streamID {
		return domain.ConsumerParams{}, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, transportID)
	}
	if entry.direction != domain.DirectionRecv {
		return domain.ConsumerParams{}, fmt.Errorf("%w: cannot consume on a %s transport", domain.ErrInvalidDirection, entry.direction)
	}

	ctx, span := tracing.TraceRelay(ctx, "consume", string(streamID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(producerID)))

	consumer, err := entry.transport.Consume(ctx, producerID, caps, true)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.ConsumerParams{}, fmt.Errorf("failed to consume producer %s: %w", producerID, err)
	}

	consumerID := consumer.ID()
	ce := &consumerEntry{streamID: streamID, connID: connID, transportID: transportID, consumer: consumer}
	if !s.consumers.insert(connID, consumerID, ce) {
		_ = consumer.Close()
		return domain.ConsumerParams{}, fmt.Errorf("%w: consumer %s", domain.ErrDuplicateID, consumerID)
	}
	s.metrics.ResourceOpened(resourceConsumer)
	consumer.OnClose(func() { s.dropConsumer(connID, consumerID) })

	producerPaused := false
	if pe, ok := s.findProducer(streamID, producerID); ok {
		producerPaused = pe.producer.Paused()
	}

	return domain.ConsumerParams{
		ID:             consumerID,
		ProducerID:     producerID,
		Kind:           consumer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
		ProducerPaused: producerPaused,
	}, nil
}

func (s *mediaService) PauseProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error {
	entry, ok := s.producers.get(connID, producerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	return entry.producer.Pause()
}

func (s *mediaService) ResumeProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error {
	entry, ok := s.producers.get(connID, producerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	return entry.producer.Resume()
}

func (s *mediaService) ResumeConsumer(ctx context.Context, connID domain.ConnectionID, consumerID domain.ConsumerID) error {
	entry, ok := s.consumers.get(connID, consumerID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, consumerID)
	}
	return entry.consumer.Resume()
}

func (s *mediaService) ListProducers(ctx context.Context, streamID domain.StreamID) ([]domain.ProducerInfo, error) {
	entries := s.producers.filter(func(e *producerEntry) bool { return e.streamID == streamID })
	out := make([]domain.ProducerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.ProducerInfo{ID: e.producer.ID(), Kind: e.producer.Kind()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *mediaService) TapProducer(ctx context.Context, streamID domain.StreamID, producerID domain.ProducerID, addr string) (domain.RTPParameters, io.Closer, error) {
	entry, ok := s.findProducer(streamID, producerID)
	if !ok {
		return domain.RTPParameters{}, nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	router, ok := s.routers.Get(streamID)
	if !ok {
		return domain.RTPParameters{}, nil, fmt.Errorf("%w: stream %s", domain.ErrRouterNotFound, streamID)
	}
	tap, err := router.TapProducer(ctx, producerID, addr)
	if err != nil {
		return domain.RTPParameters{}, nil, fmt.Errorf("failed to tap producer %s: %w", producerID, err)
	}
	return entry.producer.RTPParameters(), tap, nil
}

// CleanupConnection closes and forgets everything the connection owns.
// Calling it again is a no-op.
func (s *mediaService) CleanupConnection(ctx context.Context, connID domain.ConnectionID) {
	consumers := s.consumers.removeAll(connID)
	for _, e := range consumers {
		s.metrics.ResourceClosed(resourceConsumer)
		_ = e.consumer.Close()
	}

	producers := s.producers.removeAll(connID)
	for _, e := range producers {
		s.metrics.ResourceClosed(resourceProducer)
		_ = e.producer.Close()
		s.announceProducerClosed(e)
	}

	transports := s.transports.removeAll(connID)
	for _, e := range transports {
		s.metrics.ResourceClosed(resourceTransport)
		if err := e.transport.Close(); err != nil {
			s.logger.Debugw("transport close failed", "transport_id", e.transport.ID(), "error", err)
		}
	}

	if n := len(consumers) + len(producers) + len(transports); n > 0 {
		s.logger.Infow("connection media cleaned up",
			"connection_id", connID,
			"transports", len(transports),
			"producers", len(producers),
			"consumers", len(consumers),
		)
	}
}

// EndStream closes every resource of the stream and retires its router.
func (s *mediaService) EndStream(ctx context.Context, streamID domain.StreamID) {
	for _, e := range s.consumers.filter(func(e *consumerEntry) bool { return e.streamID == streamID }) {
		_ = e.consumer.Close()
		s.dropConsumer(e.connID, e.consumer.ID())
	}
	for _, e := range s.producers.filter(func(e *producerEntry) bool { return e.streamID == streamID }) {
		_ = e.producer.Close()
		s.dropProducer(e.connID, e.producer.ID())
	}
	for _, e := range s.transports.filter(func(e *transportEntry) bool { return e.streamID == streamID }) {
		_ = e.transport.Close()
		s.dropTransport(e.connID, e.transport.ID())
	}
	s.routers.Detach(streamID)
}

func (s *mediaService) findProducer(streamID domain.StreamID, producerID domain.ProducerID) (*producerEntry, bool) {
	return s.producers.find(func(e *producerEntry) bool {
		return e.streamID == streamID && e.producer.ID() == producerID
	})
}

// dropTransport runs when a transport closes on its own. Its producers and
// consumers die with it.
func (s *mediaService) dropTransport(connID domain.ConnectionID, transportID domain.TransportID) {
	if _, ok := s.transports.remove(connID, transportID); !ok {
		return
	}
	s.metrics.ResourceClosed(resourceTransport)

	for _, e := range s.consumers.filter(func(e *consumerEntry) bool {
		return e.connID == connID && e.transportID == transportID
	}) {
		_ = e.consumer.Close()
		s.dropConsumer(connID, e.consumer.ID())
	}
	for _, e := range s.producers.filter(func(e *producerEntry) bool {
		return e.connID == connID && e.transportID == transportID
	}) {
		_ = e.producer.Close()
		s.dropProducer(connID, e.producer.ID())
	}
	s.logger.Debugw("transport closed", "connection_id", connID, "transport_id", transportID)
}

func (s *mediaService) dropProducer(connID domain.ConnectionID, producerID domain.ProducerID) {
	e, ok := s.producers.remove(connID, producerID)
	if !ok {
		return
	}
	s.metrics.ResourceClosed(resourceProducer)
	s.announceProducerClosed(e)
}

func (s *mediaService) dropConsumer(connID domain.ConnectionID, consumerID domain.ConsumerID) {
	if _, ok := s.consumers.remove(connID, consumerID); ok {
		s.metrics.ResourceClosed(resourceConsumer)
	}
}

func (s *mediaService) announceProducerClosed(e *producerEntry) {
	s.broadcaster.BroadcastToStream(e.streamID, EventProducerClosed, map[string]interface{}{
		"producerId": e.producer.ID(),
	}, e.connID)
}
