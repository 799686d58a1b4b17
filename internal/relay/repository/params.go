package repository

import "encoding/json"

type SetRoomParams struct {
	RoomID    string
	HostID    string
	CreatedAt int64
}

type AddParticipantParams struct {
	RoomID   string
	UserID   string
	Username string
	IsHost   bool
	JoinedAt int64
}

type RemoveParticipantParams struct {
	RoomID string
	UserID string
}

type SetPresenceParams struct {
	Topic string
	Ref   string
	Key   string
	Meta  json.RawMessage
}

type RemovePresenceParams struct {
	Topic string
	Ref   string
}
