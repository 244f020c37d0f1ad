package domain

import (
	"time"
)

type StreamID string

type Stream struct {
	ID          StreamID   `json:"id"`
	HostID      UserID     `json:"host_id"`
	Title       string     `json:"title"`
	StreamKey   string     `json:"stream_key"`
	IsLive      bool       `json:"is_live"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StreamDetails is a stream together with its live counters.
type StreamDetails struct {
	*Stream
	ViewerCount int64 `json:"viewer_count"`
	LikeCount   int64 `json:"like_count"`
}

// IsHostedBy reports whether userID owns the stream.
func (s *Stream) IsHostedBy(userID UserID) bool {
	return userID != "" && s.HostID == userID
}

// Ended reports whether the host has stopped the stream.
func (s *Stream) Ended() bool {
	return s.EndedAt != nil
}
