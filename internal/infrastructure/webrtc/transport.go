package webrtc

import (
	"context"
	"fmt"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	apperrors "rillcast/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Transport is one ICE+DTLS association with a client.
type Transport struct {
	id       domain.TransportID
	router   *Router
	opts     domain.TransportOptions
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams
	logger   *zap.SugaredLogger
	life     lifecycle

	// ready is closed once DTLS is up and SRTP keys exist.
	ready chan struct{}

	mu         sync.Mutex
	connecting bool
	producers  map[domain.ProducerID]*Producer
	consumers  map[domain.ConsumerID]*Consumer
}

// newTransport gathers local candidates before returning so the params
// handed to the client are complete.
func newTransport(ctx context.Context, r *Router, api *webrtc.API, id domain.TransportID, opts domain.TransportOptions) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.engine.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var gatheredOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatheredOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	localICE, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	localDTLS, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &Transport{
		id:       id,
		router:   r,
		opts:     opts,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: domain.TransportParams{
			ID:             id,
			ICEParameters:  iceParameters(localICE),
			ICECandidates:  rankCandidates(iceCandidates(candidates), opts.PreferUDP),
			DTLSParameters: dtlsParameters(localDTLS),
		},
		logger:    r.logger.With("transport_id", id, "direction", opts.Direction),
		ready:     make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debugw("ice state changed", "state", state.String())
		if state == webrtc.ICETransportStateFailed || state == webrtc.ICETransportStateClosed {
			r.worker.spawn("transport-close", func() { _ = t.Close() })
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debugw("dtls state changed", "state", state.String())
		if state == webrtc.DTLSTransportStateFailed || state == webrtc.DTLSTransportStateClosed {
			r.worker.spawn("transport-close", func() { _ = t.Close() })
		}
	})

	t.logger.Debugw("transport gathered", "candidates", len(candidates))
	return t, nil
}

func (t *Transport) ID() domain.TransportID         { return t.id }
func (t *Transport) Params() domain.TransportParams { return t.params }
func (t *Transport) OnClose(fn func())              { t.life.onClose(fn) }

// Connect validates the remote parameters and starts ICE (as the controlled
// agent) and then DTLS in the background.
func (t *Transport) Connect(ctx context.Context, params domain.ConnectParams) error {
	if t.life.isClosed() {
		return domain.ErrTransportClosed
	}
	if params.ICEParameters == nil || params.ICEParameters.UsernameFragment == "" || params.ICEParameters.Password == "" {
		return apperrors.NewInvalidInputError("iceParameters are required")
	}
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return apperrors.NewInvalidInputError("dtlsParameters.fingerprints are required")
	}
	candidates, err := remoteCandidates(params.ICECandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.connecting {
		t.mu.Unlock()
		return apperrors.NewConflictError("transport already connected")
	}
	t.connecting = true
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("failed to set remote candidates: %w", err)
	}

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
		ICELite:          params.ICEParameters.ICELite,
	}
	dtls := remoteDTLS(params.DTLSParameters)
	t.router.worker.spawn("transport-connect", func() { t.start(remoteICE, dtls) })
	return nil
}

func (t *Transport) start(remoteICE webrtc.ICEParameters, remote webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		if !t.life.isClosed() {
			t.logger.Warnw("ice failed to start", "error", err)
		}
		_ = t.Close()
		return
	}
	if err := t.dtls.Start(remote); err != nil {
		if !t.life.isClosed() {
			t.logger.Warnw("dtls handshake failed", "error", err)
		}
		_ = t.Close()
		return
	}
	close(t.ready)
	t.logger.Infow("transport connected")
}

// waitReady blocks until DTLS is up. It reports false when the transport
// closed first.
func (t *Transport) waitReady() bool {
	select {
	case <-t.ready:
		return true
	case <-t.life.doneChan():
		return false
	}
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.RelayProducer, error) {
	if t.life.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	if err := domain.SupportedCodecs(params, t.router.codecs); err != nil {
		return nil, err
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, apperrors.NewInvalidInputError("rtpParameters.encodings must carry an ssrc")
	}

	p, err := newProducer(t, domain.ProducerID(uuid.NewString()), kind, params)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	t.router.worker.engine.stats.producers.Add(1)
	p.OnClose(func() {
		t.mu.Lock()
		delete(t.producers, p.id)
		t.mu.Unlock()
		t.router.removeProducer(p.id)
		t.router.worker.engine.stats.producers.Add(-1)
	})

	t.router.worker.spawn("producer", p.run)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (ports.RelayConsumer, error) {
	if t.life.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	producer, ok := t.router.producer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	c, err := newConsumer(t, domain.ConsumerID(uuid.NewString()), producer, caps, paused)
	if err != nil {
		return nil, err
	}
	if !producer.addConsumer(c) {
		_ = c.sender.Stop()
		return nil, domain.ErrProducerNotFound
	}

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	t.router.worker.engine.stats.consumers.Add(1)
	c.OnClose(func() {
		producer.removeConsumer(c.id)
		t.mu.Lock()
		delete(t.consumers, c.id)
		t.mu.Unlock()
		t.router.worker.engine.stats.consumers.Add(-1)
	})

	t.router.worker.spawn("consumer", c.run)
	return c, nil
}

func (t *Transport) Close() error {
	if !t.life.close() {
		return nil
	}

	t.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	if err := t.dtls.Stop(); err != nil {
		t.logger.Debugw("dtls stop", "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debugw("ice stop", "error", err)
	}
	_ = t.gatherer.Close()
	t.logger.Debugw("transport closed")
	return nil
}
