package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"go.uber.org/zap"
)

// LocalHub fans events out between buses in the same process. Each bus
// behaves like one instance on the Redis bus.
type LocalHub struct {
	mu   sync.RWMutex
	subs map[*localBus]chan *domain.Event
}

func NewLocalHub() *LocalHub {
	return &LocalHub{subs: make(map[*localBus]chan *domain.Event)}
}

// Bus returns an event bus attached to the hub as instanceID.
func (h *LocalHub) Bus(instanceID string, logger *zap.SugaredLogger) ports.EventBus {
	return &localBus{
		hub:        h,
		instanceID: instanceID,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

type localBus struct {
	hub        *LocalHub
	instanceID string
	logger     *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
}

func (b *localBus) Publish(ctx context.Context, event *domain.Event) error {
	event.InstanceID = b.instanceID
	event.Timestamp = time.Now().UTC()

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for sub, ch := range b.hub.subs {
		if sub.instanceID == b.instanceID {
			continue
		}
		evt := *event
		select {
		case ch <- &evt:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warnw("dropping event for slow subscriber",
				"type", event.Type,
				"instance_id", sub.instanceID,
			)
		}
	}
	return nil
}

func (b *localBus) Subscribe(ctx context.Context, handler func(*domain.Event) error) error {
	ch := make(chan *domain.Event, 64)

	b.hub.mu.Lock()
	if _, exists := b.hub.subs[b]; exists {
		b.hub.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	b.hub.subs[b] = ch
	b.hub.mu.Unlock()

	defer func() {
		b.hub.mu.Lock()
		delete(b.hub.subs, b)
		b.hub.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case evt := <-ch:
			if err := handler(evt); err != nil {
				b.logger.Warnw("error handling event",
					"type", evt.Type,
					"error", err,
				)
			}
		}
	}
}

func (b *localBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
