package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventStreamStarted EventType = "stream.started"
	EventStreamEnded   EventType = "stream.ended"
)

// Event is published between instances sharing a store.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StreamID   StreamID        `json:"stream_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
