package signal

import (
	"encoding/json"
	"testing"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func queuedClient(id domain.ConnectionID, queue int) *client {
	return newClient(id, domain.User{}, nil, queue, nil, zap.NewNop().Sugar())
}

func TestHub_BroadcastSkipsExcept(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	a := queuedClient("a", 4)
	b := queuedClient("b", 4)
	outsider := queuedClient("c", 4)
	hub.join("s1", a)
	hub.join("s1", b)
	hub.join("s2", outsider)

	hub.BroadcastToStream("s1", "new-producer", map[string]string{"producerId": "p1"}, "a")

	assert.Len(t, a.send, 0)
	assert.Len(t, outsider.send, 0)
	require.Len(t, b.send, 1)

	var push struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-b.send, &push))
	assert.Equal(t, "new-producer", push.Event)
	assert.Equal(t, "p1", push.Data["producerId"])
}

func TestHub_FullQueueDropsClient(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	slow := queuedClient("slow", 1)
	hub.join("s1", slow)

	hub.BroadcastToStream("s1", "viewer-count", map[string]int{"count": 1}, "")
	hub.BroadcastToStream("s1", "viewer-count", map[string]int{"count": 2}, "")

	select {
	case <-slow.done:
	default:
		t.Fatal("slow client should have been closed")
	}
	assert.False(t, slow.enqueue([]byte("{}")))
}

func TestHub_LeaveRemovesEmptyRooms(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	a := queuedClient("a", 1)
	hub.join("s1", a)
	assert.Equal(t, 1, hub.RoomSize("s1"))
	assert.Equal(t, 1, hub.Rooms())

	hub.leave("s1", "a")
	hub.leave("s1", "a")
	assert.Equal(t, 0, hub.RoomSize("s1"))
	assert.Equal(t, 0, hub.Rooms())
}
