package repository

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Subscription is one live socket's membership of a topic. Refs are unique
// per join, not per user.
type Subscription struct {
	Conn  *websocket.Conn
	Topic string
	Ref   string
	Key   string
}

type Room struct {
	HostID    string `redis:"host_id"`
	CreatedAt int64  `redis:"created_at"`
}

type Participant struct {
	UserID   string `redis:"user_id"`
	Username string `redis:"username"`
	IsHost   bool   `redis:"is_host"`
	JoinedAt int64  `redis:"joined_at"`
}

// PresenceRecord is one tracked connection ref on a topic, with the raw
// metadata blob the client supplied.
type PresenceRecord struct {
	Ref  string          `json:"ref"`
	Key  string          `json:"key"`
	Meta json.RawMessage `json:"meta"`
}
