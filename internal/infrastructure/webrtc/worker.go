package webrtc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Worker owns the goroutines of the routers it hosts. A panic in any of
// them kills the worker.
type Worker struct {
	id       domain.WorkerID
	engine   *Engine
	settings webrtc.SettingEngine
	logger   *zap.SugaredLogger

	died     chan error
	diedOnce sync.Once

	mu      sync.Mutex
	routers map[domain.RouterID]*Router
	closed  bool
}

func newWorker(e *Engine, id domain.WorkerID, settings webrtc.SettingEngine) *Worker {
	return &Worker{
		id:       id,
		engine:   e,
		settings: settings,
		logger:   e.logger.With("worker_id", id),
		died:     make(chan error, 1),
		routers:  make(map[domain.RouterID]*Router),
	}
}

func (w *Worker) ID() domain.WorkerID { return w.id }

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.RelayRouter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, domain.ErrWorkerFatal
	}

	r, err := newRouter(w, domain.RouterID(uuid.NewString()), codecs)
	if err != nil {
		return nil, err
	}
	w.routers[r.id] = r
	w.engine.stats.routers.Add(1)
	return r, nil
}

func (w *Worker) removeRouter(id domain.RouterID) {
	w.mu.Lock()
	if _, ok := w.routers[id]; ok {
		delete(w.routers, id)
		w.engine.stats.routers.Add(-1)
	}
	w.mu.Unlock()
}

// spawn runs fn on its own goroutine. A recovered panic is fatal for the
// worker.
func (w *Worker) spawn(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Errorw("relay goroutine panicked",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				w.fail(fmt.Errorf("%w: panic in %s: %v", domain.ErrWorkerFatal, name, r))
			}
		}()
		fn()
	}()
}

func (w *Worker) fail(cause error) {
	w.diedOnce.Do(func() {
		w.died <- cause
		close(w.died)
	})
	w.shutdown()
}

func (w *Worker) Close() error {
	w.diedOnce.Do(func() { close(w.died) })
	w.shutdown()
	return nil
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	w.engine.removeWorker(w.id)
	w.logger.Infow("relay worker stopped", "routers", len(routers))
}
