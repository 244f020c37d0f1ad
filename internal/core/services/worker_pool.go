package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"go.uber.org/zap"
)

// FatalSupervisor turns a worker death into a bounded process shutdown:
// it logs, flips into draining so new requests are refused, and after the
// grace period calls exit(1). Only the first death counts.
type FatalSupervisor struct {
	grace    time.Duration
	exit     func(code int)
	logger   *zap.SugaredLogger
	draining atomic.Bool
	once     sync.Once

	mu        sync.Mutex
	listeners []func(error)
}

func NewFatalSupervisor(grace time.Duration, exit func(code int), logger *zap.SugaredLogger) *FatalSupervisor {
	return &FatalSupervisor{grace: grace, exit: exit, logger: logger}
}

// OnFatal registers fn to run when draining starts.
func (s *FatalSupervisor) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *FatalSupervisor) Draining() bool {
	return s.draining.Load()
}

// Fatal starts the shutdown sequence.
func (s *FatalSupervisor) Fatal(workerID domain.WorkerID, cause error) {
	s.once.Do(func() {
		s.draining.Store(true)
		s.logger.Errorw("relay worker died, exiting",
			"worker_id", workerID,
			"error", cause,
			"grace", s.grace,
		)

		s.mu.Lock()
		listeners := append([]func(error){}, s.listeners...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(cause)
		}

		time.AfterFunc(s.grace, func() { s.exit(1) })
	})
}

// WorkerPool owns the fixed set of relay workers.
type WorkerPool struct {
	engine     ports.RelayEngine
	supervisor *FatalSupervisor
	metrics    ports.RelayMetrics
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	workers []ports.RelayWorker
}

func NewWorkerPool(engine ports.RelayEngine, supervisor *FatalSupervisor, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *WorkerPool {
	return &WorkerPool{
		engine:     engine,
		supervisor: supervisor,
		metrics:    metricsOrNop(metrics),
		logger:     logger,
	}
}

// Initialize starts n workers. Already started workers are closed if any
// of them fails to start.
func (p *WorkerPool) Initialize(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("worker count must be > 0, got %d", n)
	}

	workers := make([]ports.RelayWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := p.engine.CreateWorker(ctx)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return fmt.Errorf("failed to create relay worker %d: %w", i, err)
		}
		workers = append(workers, w)
		p.metrics.WorkerStarted()
		p.logger.Infow("relay worker started", "worker_id", w.ID())
	}

	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	for _, w := range workers {
		go p.watch(w)
	}
	return nil
}

func (p *WorkerPool) watch(w ports.RelayWorker) {
	err, ok := <-w.Died()
	if !ok {
		return
	}
	if err == nil {
		err = domain.ErrWorkerFatal
	}
	p.metrics.WorkerDied()
	if p.supervisor != nil {
		p.supervisor.Fatal(w.ID(), err)
	}
}

// PickWorker returns a uniformly random worker.
func (p *WorkerPool) PickWorker() (ports.RelayWorker, error) {
	if p.supervisor != nil && p.supervisor.Draining() {
		return nil, domain.ErrWorkerFatal
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.workers) == 0 {
		return nil, domain.ErrNoWorkers
	}

	i := rand.IntN(len(p.workers))
	return p.workers[i], nil
}

func (p *WorkerPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Close stops every worker. Deaths caused by Close are not fatal.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
