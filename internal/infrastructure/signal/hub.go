package signal

import (
	"encoding/json"
	"sync"

	"rillcast/internal/core/domain"

	"go.uber.org/zap"
)

// Hub tracks which connections joined which stream and fans server events
// out to them. It implements ports.Broadcaster.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[domain.StreamID]map[domain.ConnectionID]*client
	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms:  make(map[domain.StreamID]map[domain.ConnectionID]*client),
		logger: logger,
	}
}

func (h *Hub) join(streamID domain.StreamID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[streamID]
	if !ok {
		room = make(map[domain.ConnectionID]*client)
		h.rooms[streamID] = room
	}
	room[c.id] = c
}

func (h *Hub) leave(streamID domain.StreamID, connID domain.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[streamID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, streamID)
	}
}

// BroadcastToStream sends event to every connection in the stream's room
// except the given one. Slow receivers are dropped, never waited for.
func (h *Hub) BroadcastToStream(streamID domain.StreamID, event string, data interface{}, except domain.ConnectionID) {
	msg, err := json.Marshal(Push{Event: event, Data: data})
	if err != nil {
		h.logger.Errorw("failed to encode broadcast", "event", event, "stream_id", streamID, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*client, 0, len(h.rooms[streamID]))
	for id, c := range h.rooms[streamID] {
		if id != except {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.enqueue(msg)
	}
}

// RoomSize returns the number of connections joined to a stream.
func (h *Hub) RoomSize(streamID domain.StreamID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[streamID])
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
