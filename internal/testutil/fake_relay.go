// Package testutil provides an in-memory relay engine and helpers for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

type lifecycle struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

func (l *lifecycle) onClose(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn()
		return
	}
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *lifecycle) close() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	fns := l.fns
	l.fns = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// FakeEngine is a deterministic ports.RelayEngine. Ids are sequential.
type FakeEngine struct {
	// CreateWorkerErr makes CreateWorker fail.
	CreateWorkerErr error

	seq            atomic.Uint64
	routersCreated atomic.Int64
	openTransports atomic.Int64

	mu      sync.Mutex
	workers []*FakeWorker
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (e *FakeEngine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *FakeEngine) CreateWorker(ctx context.Context) (ports.RelayWorker, error) {
	if e.CreateWorkerErr != nil {
		return nil, e.CreateWorkerErr
	}
	w := &FakeWorker{
		engine: e,
		id:     domain.WorkerID(e.nextID("worker")),
		died:   make(chan error, 1),
	}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

func (e *FakeEngine) Workers() []*FakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeWorker(nil), e.workers...)
}

// RoutersCreated counts routers across all workers.
func (e *FakeEngine) RoutersCreated() int64 {
	return e.routersCreated.Load()
}

// OpenTransports counts transports that were created and not closed yet.
func (e *FakeEngine) OpenTransports() int64 {
	return e.openTransports.Load()
}

type FakeWorker struct {
	engine *FakeEngine
	id     domain.WorkerID
	died   chan error
	once   sync.Once

	// RouterHook runs inside CreateRouter, before the router is returned.
	RouterHook func()

	routers atomic.Int64
}

func (w *FakeWorker) ID() domain.WorkerID { return w.id }

func (w *FakeWorker) Died() <-chan error { return w.died }

func (w *FakeWorker) RoutersCreated() int64 { return w.routers.Load() }

func (w *FakeWorker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.RelayRouter, error) {
	if w.RouterHook != nil {
		w.RouterHook()
	}
	w.routers.Add(1)
	w.engine.routersCreated.Add(1)
	return &FakeRouter{
		engine:    w.engine,
		id:        domain.RouterID(w.engine.nextID("router")),
		workerID:  w.id,
		caps:      domain.NewRTPCapabilities(codecs),
		producers: make(map[domain.ProducerID]*FakeProducer),
	}, nil
}

// Kill simulates the worker process dying.
func (w *FakeWorker) Kill(cause error) {
	w.once.Do(func() {
		w.died <- cause
		close(w.died)
	})
}

func (w *FakeWorker) Close() error {
	w.once.Do(func() { close(w.died) })
	return nil
}

type FakeRouter struct {
	engine   *FakeEngine
	id       domain.RouterID
	workerID domain.WorkerID
	caps     domain.RTPCapabilities
	life     lifecycle

	mu         sync.Mutex
	producers  map[domain.ProducerID]*FakeProducer
	transports []*FakeTransport
	taps       []string
}

func (r *FakeRouter) ID() domain.RouterID                     { return r.id }
func (r *FakeRouter) WorkerID() domain.WorkerID               { return r.workerID }
func (r *FakeRouter) RTPCapabilities() domain.RTPCapabilities { return r.caps }

func (r *FakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.life.isClosed() {
		return false
	}
	return domain.CanConsume(p.params, caps)
}

func (r *FakeRouter) CreateWebRTCTransport(ctx context.Context, opts domain.TransportOptions) (ports.RelayTransport, error) {
	if r.life.isClosed() {
		return nil, errors.New("router closed")
	}
	id := domain.TransportID(r.engine.nextID("transport"))
	t := &FakeTransport{
		router: r,
		id:     id,
		opts:   opts,
		params: domain.TransportParams{
			ID:            id,
			ICEParameters: domain.ICEParameters{UsernameFragment: "ufrag-" + string(id), Password: "pwd-" + string(id), ICELite: true},
			ICECandidates: []domain.ICECandidate{{
				Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Address: "127.0.0.1",
				Protocol: "udp", Port: 40000, Type: "host",
			}},
			DTLSParameters: domain.DTLSParameters{
				Role:         "auto",
				Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
			},
		},
	}
	r.engine.openTransports.Add(1)
	t.life.onClose(func() { r.engine.openTransports.Add(-1) })
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *FakeRouter) TapProducer(ctx context.Context, producerID domain.ProducerID, addr string) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[producerID]; !ok {
		return nil, domain.ErrProducerNotFound
	}
	r.taps = append(r.taps, addr)
	return io.NopCloser(nil), nil
}

// Transport returns a transport created on this router, or nil.
func (r *FakeRouter) Transport(id domain.TransportID) *FakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Taps lists the UDP addresses producers were tapped to.
func (r *FakeRouter) Taps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.taps...)
}

func (r *FakeRouter) Close() error {
	if !r.life.close() {
		return nil
	}
	r.mu.Lock()
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (r *FakeRouter) Closed() bool { return r.life.isClosed() }

type FakeTransport struct {
	router *FakeRouter
	id     domain.TransportID
	opts   domain.TransportOptions
	params domain.TransportParams
	life   lifecycle

	mu        sync.Mutex
	connected *domain.ConnectParams
	producers []*FakeProducer
	consumers []*FakeConsumer
}

func (t *FakeTransport) ID() domain.TransportID           { return t.id }
func (t *FakeTransport) Params() domain.TransportParams   { return t.params }
func (t *FakeTransport) Options() domain.TransportOptions { return t.opts }
func (t *FakeTransport) OnClose(fn func())                { t.life.onClose(fn) }
func (t *FakeTransport) Closed() bool                     { return t.life.isClosed() }

func (t *FakeTransport) Connect(ctx context.Context, params domain.ConnectParams) error {
	if t.life.isClosed() {
		return domain.ErrTransportClosed
	}
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return errors.New("dtls fingerprints required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected != nil {
		return errors.New("transport already connected")
	}
	t.connected = &params
	return nil
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected != nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.RelayProducer, error) {
	if t.life.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	if err := domain.SupportedCodecs(params, t.router.caps.Codecs); err != nil {
		return nil, err
	}
	p := &FakeProducer{
		id:     domain.ProducerID(t.router.engine.nextID("producer")),
		kind:   kind,
		params: params,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	p.life.onClose(func() {
		t.router.mu.Lock()
		delete(t.router.producers, p.id)
		t.router.mu.Unlock()
	})

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities, paused bool) (ports.RelayConsumer, error) {
	if t.life.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	params, err := domain.ConsumerRTPParameters(p.params, caps, 1000+uint32(t.router.engine.seq.Load()))
	if err != nil {
		return nil, err
	}
	c := &FakeConsumer{
		id:         domain.ConsumerID(t.router.engine.nextID("consumer")),
		producerID: producerID,
		kind:       p.kind,
		params:     params,
	}
	c.paused.Store(paused)
	p.life.onClose(func() { _ = c.Close() })

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Fail simulates the ICE/DTLS connection reaching a failed state.
func (t *FakeTransport) Fail() {
	_ = t.Close()
}

func (t *FakeTransport) Close() error {
	if !t.life.close() {
		return nil
	}
	t.mu.Lock()
	producers, consumers := t.producers, t.consumers
	t.producers, t.consumers = nil, nil
	t.mu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

type FakeProducer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RTPParameters
	paused atomic.Bool
	life   lifecycle
}

func (p *FakeProducer) ID() domain.ProducerID               { return p.id }
func (p *FakeProducer) Kind() domain.MediaKind              { return p.kind }
func (p *FakeProducer) RTPParameters() domain.RTPParameters { return p.params }
func (p *FakeProducer) Paused() bool                        { return p.paused.Load() }
func (p *FakeProducer) OnClose(fn func())                   { p.life.onClose(fn) }
func (p *FakeProducer) Closed() bool                        { return p.life.isClosed() }

func (p *FakeProducer) Pause() error {
	if p.life.isClosed() {
		return domain.ErrProducerNotFound
	}
	p.paused.Store(true)
	return nil
}

func (p *FakeProducer) Resume() error {
	if p.life.isClosed() {
		return domain.ErrProducerNotFound
	}
	p.paused.Store(false)
	return nil
}

func (p *FakeProducer) Close() error {
	p.life.close()
	return nil
}

type FakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RTPParameters
	paused     atomic.Bool
	life       lifecycle
}

func (c *FakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *FakeConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *FakeConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *FakeConsumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *FakeConsumer) Paused() bool                        { return c.paused.Load() }
func (c *FakeConsumer) OnClose(fn func())                   { c.life.onClose(fn) }
func (c *FakeConsumer) Closed() bool                        { return c.life.isClosed() }

func (c *FakeConsumer) Resume() error {
	if c.life.isClosed() {
		return domain.ErrConsumerNotFound
	}
	c.paused.Store(false)
	return nil
}

func (c *FakeConsumer) Close() error {
	c.life.close()
	return nil
}
