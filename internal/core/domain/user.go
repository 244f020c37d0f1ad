package domain

import "time"

type UserID string

type User struct {
	ID       UserID
	Username string
}

// Role is the part a signaling connection plays in a stream.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleViewer
}

// PresenceRecord marks one connection as currently watching a stream.
type PresenceRecord struct {
	StreamID     StreamID     `json:"stream_id"`
	ConnectionID ConnectionID `json:"connection_id"`
	UserID       UserID       `json:"user_id"`
	JoinedAt     time.Time    `json:"joined_at"`
}
