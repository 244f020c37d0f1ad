package webrtc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	apperrors "rillcast/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Router groups the transports of one stream. Producers are looked up
// router-wide so any transport on the router can consume them.
type Router struct {
	id     domain.RouterID
	worker *Worker
	codecs []domain.RTPCodecCapability
	caps   domain.RTPCapabilities
	media  *webrtc.MediaEngine
	logger *zap.SugaredLogger
	life   lifecycle

	mu         sync.RWMutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

func newRouter(w *Worker, id domain.RouterID, codecs []domain.RTPCodecCapability) (*Router, error) {
	media := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := media.RegisterCodec(routerCodec(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("failed to register router codec %s: %w", c.MimeType, err)
		}
	}
	return &Router{
		id:         id,
		worker:     w,
		codecs:     codecs,
		caps:       domain.NewRTPCapabilities(codecs),
		media:      media,
		logger:     w.logger.With("router_id", id),
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}, nil
}

func (r *Router) ID() domain.RouterID                     { return r.id }
func (r *Router) WorkerID() domain.WorkerID               { return r.worker.id }
func (r *Router) RTPCapabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return domain.CanConsume(p.params, caps)
}

// transportAPI narrows the worker's network types to what opts allow.
func (r *Router) transportAPI(opts domain.TransportOptions) (*webrtc.API, error) {
	settings := r.worker.settings
	var networks []webrtc.NetworkType
	if opts.EnableUDP && r.worker.engine.cfg.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP && r.worker.engine.cfg.EnableTCP {
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	if len(networks) == 0 {
		return nil, apperrors.NewInvalidInputError("transport enables neither udp nor tcp")
	}
	settings.SetNetworkTypes(networks)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settings), webrtc.WithMediaEngine(r.media)), nil
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts domain.TransportOptions) (ports.RelayTransport, error) {
	if r.life.isClosed() {
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	api, err := r.transportAPI(opts)
	if err != nil {
		return nil, err
	}

	t, err := newTransport(ctx, r, api, domain.TransportID(uuid.NewString()), opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	r.worker.engine.stats.transports.Add(1)
	t.OnClose(func() {
		r.mu.Lock()
		delete(r.transports, t.id)
		r.mu.Unlock()
		r.worker.engine.stats.transports.Add(-1)
	})
	return t, nil
}

func (r *Router) TapProducer(ctx context.Context, producerID domain.ProducerID, addr string) (io.Closer, error) {
	p, ok := r.producer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	conn, err := r.worker.engine.net.Dial("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open rtp tap to %s: %w", addr, err)
	}
	return p.addTap(conn), nil
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	p, ok := r.producers[id]
	r.mu.RUnlock()
	if !ok || p.life.isClosed() {
		return nil, false
	}
	return p, true
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	if !r.life.close() {
		return nil
	}
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	r.logger.Debugw("router closed", "transports", len(transports))
	return nil
}
