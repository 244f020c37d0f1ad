package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const streamPrefix = keyPrefix + "stream:"

// StreamRepository stores each stream as JSON with sorted-set indexes for
// host listings (by creation time) and live listings (by start time).
type StreamRepository struct {
	client *redis.Client
}

func NewStreamRepository(client *redis.Client) ports.StreamRepository {
	return &StreamRepository{client: client}
}

func streamKey(id domain.StreamID) string  { return streamPrefix + string(id) }
func hostIndexKey(id domain.UserID) string { return streamPrefix + "host:" + string(id) }
func liveIndexKey() string                 { return streamPrefix + "live" }

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "create", "streams")
	defer span.End()

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	ok, err := r.client.SetNX(ctx, streamKey(stream.ID), data, 0).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store stream: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: stream %s", domain.ErrDuplicateID, stream.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, hostIndexKey(stream.HostID), redis.Z{
			Score:  float64(stream.CreatedAt.UnixNano()),
			Member: string(stream.ID),
		})
		r.indexLive(ctx, pipe, stream)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index stream: %w", err)
	}
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "get", "streams")
	defer span.End()

	data, err := r.client.Get(ctx, streamKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

func (r *StreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "update", "streams")
	defer span.End()

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	ok, err := r.client.SetXX(ctx, streamKey(stream.ID), data, redis.KeepTTL).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to update stream: %w", err)
	}
	if !ok {
		return domain.ErrStreamNotFound
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.indexLive(ctx, pipe, stream)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index stream: %w", err)
	}
	return nil
}

func (r *StreamRepository) indexLive(ctx context.Context, pipe redis.Pipeliner, stream *domain.Stream) {
	if stream.IsLive && stream.StartedAt != nil {
		pipe.ZAdd(ctx, liveIndexKey(), redis.Z{
			Score:  float64(stream.StartedAt.UnixNano()),
			Member: string(stream.ID),
		})
		return
	}
	pipe.ZRem(ctx, liveIndexKey(), string(stream.ID))
}

func (r *StreamRepository) ListByHost(ctx context.Context, hostID domain.UserID) ([]*domain.Stream, error) {
	return r.listIndex(ctx, hostIndexKey(hostID), func(*domain.Stream) bool { return true })
}

func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	return r.listIndex(ctx, liveIndexKey(), func(s *domain.Stream) bool { return s.IsLive })
}

// listIndex loads the members of a sorted-set index, newest first, skipping
// ids whose stream record is gone.
func (r *StreamRepository) listIndex(ctx context.Context, key string, keep func(*domain.Stream) bool) ([]*domain.Stream, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "list", "streams")
	defer span.End()

	ids, err := r.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to read stream index: %w", err)
	}

	streams := make([]*domain.Stream, 0, len(ids))
	if len(ids) == 0 {
		return streams, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = streamKey(domain.StreamID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load streams: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var stream domain.Stream
		if err := json.Unmarshal([]byte(raw), &stream); err != nil {
			continue
		}
		if keep(&stream) {
			streams = append(streams, &stream)
		}
	}
	return streams, nil
}
