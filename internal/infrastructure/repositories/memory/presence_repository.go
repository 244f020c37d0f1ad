package memory

import (
	"context"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

// PresenceRepository holds one record per connection. A user watching from
// several connections counts once.
type PresenceRepository struct {
	records map[domain.StreamID]map[domain.ConnectionID]domain.PresenceRecord
	mu      sync.RWMutex
}

func NewPresenceRepository() ports.PresenceRepository {
	return &PresenceRepository{
		records: make(map[domain.StreamID]map[domain.ConnectionID]domain.PresenceRecord),
	}
}

func (r *PresenceRepository) Upsert(ctx context.Context, record *domain.PresenceRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConn, ok := r.records[record.StreamID]
	if !ok {
		byConn = make(map[domain.ConnectionID]domain.PresenceRecord)
		r.records[record.StreamID] = byConn
	}
	_, existed := byConn[record.ConnectionID]
	byConn[record.ConnectionID] = *record
	return !existed, nil
}

func (r *PresenceRepository) Remove(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byConn, ok := r.records[streamID]
	if !ok {
		return false, nil
	}
	if _, ok := byConn[connID]; !ok {
		return false, nil
	}
	delete(byConn, connID)
	if len(byConn) == 0 {
		delete(r.records, streamID)
	}
	return true, nil
}

func (r *PresenceRepository) Count(ctx context.Context, streamID domain.StreamID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[domain.UserID]struct{}, len(r.records[streamID]))
	for _, rec := range r.records[streamID] {
		users[rec.UserID] = struct{}{}
	}
	return int64(len(users)), nil
}
