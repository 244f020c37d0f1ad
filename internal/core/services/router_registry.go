package services

import (
	"context"
	"fmt"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RouterRegistry maps each active stream to its single router.
type RouterRegistry struct {
	pool    *WorkerPool
	codecs  []domain.RTPCodecCapability
	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	routers map[domain.StreamID]ports.RelayRouter
	ended   map[domain.StreamID]struct{}
	group   singleflight.Group
}

func NewRouterRegistry(pool *WorkerPool, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RouterRegistry {
	return &RouterRegistry{
		pool:    pool,
		codecs:  domain.RouterCodecs(),
		metrics: metricsOrNop(metrics),
		logger:  logger,
		routers: make(map[domain.StreamID]ports.RelayRouter),
		ended:   make(map[domain.StreamID]struct{}),
	}
}

// Get returns the router of a stream without creating one.
func (r *RouterRegistry) Get(streamID domain.StreamID) (ports.RelayRouter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router, ok := r.routers[streamID]
	return router, ok
}

// GetOrCreateRouter returns the stream's router, creating it on first use.
// Concurrent callers for the same stream share a single creation. Streams
// that were ended get ErrStreamEnded.
func (r *RouterRegistry) GetOrCreateRouter(ctx context.Context, streamID domain.StreamID) (ports.RelayRouter, error) {
	if router, ok := r.Get(streamID); ok {
		return router, nil
	}

	// Creation outlives the caller that triggered it.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(string(streamID), func() (interface{}, error) {
		if router, ok := r.Get(streamID); ok {
			return router, nil
		}
		if r.isEnded(streamID) {
			return nil, domain.ErrStreamEnded
		}

		worker, err := r.pool.PickWorker()
		if err != nil {
			return nil, err
		}

		ctx, span := tracing.TraceRelay(ctx, "create_router", string(streamID))
		defer span.End()
		tracing.AddSpanAttributes(ctx, tracing.WorkerIDKey.String(string(worker.ID())))

		router, err := worker.CreateRouter(ctx, r.codecs)
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to create router for stream %s: %w", streamID, err)
		}

		r.mu.Lock()
		if _, ended := r.ended[streamID]; ended {
			r.mu.Unlock()
			_ = router.Close()
			return nil, domain.ErrStreamEnded
		}
		r.routers[streamID] = router
		r.mu.Unlock()
		r.metrics.ResourceOpened(resourceRouter)

		r.logger.Infow("router created",
			"stream_id", streamID,
			"router_id", router.ID(),
			"worker_id", worker.ID(),
		)
		return router, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ports.RelayRouter), nil
}

func (r *RouterRegistry) isEnded(streamID domain.StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ended[streamID]
	return ok
}

// Detach forgets the stream's router, closes it, and refuses to create
// another one for the stream.
func (r *RouterRegistry) Detach(streamID domain.StreamID) {
	r.mu.Lock()
	router, ok := r.routers[streamID]
	delete(r.routers, streamID)
	r.ended[streamID] = struct{}{}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.metrics.ResourceClosed(resourceRouter)
	if err := router.Close(); err != nil {
		r.logger.Warnw("failed to close router", "stream_id", streamID, "error", err)
	}
	r.logger.Infow("router detached", "stream_id", streamID, "router_id", router.ID())
}

func (r *RouterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routers)
}
