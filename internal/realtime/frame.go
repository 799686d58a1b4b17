package realtime

import "encoding/json"

// Frame is the wire envelope every message on the socket travels in, both
// directions. Topic names are opaque, stable contract surfaces.
const (
	FrameJoin          = "join"
	FrameJoined        = "joined"
	FrameLeave         = "leave"
	FrameLeft          = "left"
	FrameBroadcast     = "broadcast"
	FrameTrack         = "track"
	FrameUntrack       = "untrack"
	FramePresenceState = "presence_state"
	FramePresenceDiff  = "presence_diff"
	FrameHeartbeat     = "heartbeat"
	FrameError         = "error"
)

type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Key     string          `json:"key,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceState is the payload of a presence_state frame: the full set of
// refs currently tracked on the topic, sent once after a successful join.
type PresenceState struct {
	Entries []PresenceEntry `json:"entries"`
}

// PresenceDiff is the payload of a presence_diff frame.
type PresenceDiff struct {
	Joins  []PresenceEntry `json:"joins"`
	Leaves []PresenceEntry `json:"leaves"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
