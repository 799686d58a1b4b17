package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrMalformedMessage = errors.New("malformed sync message")

type Kind string

const (
	KindPlay         Kind = "play"
	KindPause        Kind = "pause"
	KindSeek         Kind = "seek"
	KindChat         Kind = "chat"
	KindStreamSelect Kind = "stream-select"
	KindHeartbeat    Kind = "heartbeat"
)

func (k Kind) valid() bool {
	switch k {
	case KindPlay, KindPause, KindSeek, KindChat, KindStreamSelect, KindHeartbeat:
		return true
	}
	return false
}

// StreamSelector identifies the stream a sender switched the party to.
type StreamSelector struct {
	InfoHash    string
	FileIdx     int
	Quality     string
	UnlockedURL string
}

// Message is a decoded sync event. Position is relative to the sender's
// clock at OriginTimestamp; receivers only ever reason about elapsed-time
// deltas, never wall-clock equality across machines.
type Message struct {
	Kind            Kind
	SenderID        string
	OriginTimestamp float64 // sender unix seconds
	Position        float64 // playback offset, seconds
	IsPlaying       bool
	ChatText        string
	ChatUsername    string
	Stream          *StreamSelector
	IsPremium       bool
}

// wireMessage is the dynamic-dictionary shape kept only at the
// serialization edge. Field order here is the deterministic wire order.
type wireMessage struct {
	Type         string  `json:"type"`
	Timestamp    float64 `json:"timestamp"`
	Position     float64 `json:"position"`
	IsPlaying    bool    `json:"isPlaying"`
	SenderID     string  `json:"senderId"`
	ChatText     string  `json:"chatText,omitempty"`
	ChatUsername string  `json:"chatUsername,omitempty"`
	InfoHash     string  `json:"infoHash,omitempty"`
	FileIdx      *int    `json:"fileIdx,omitempty"`
	Quality      string  `json:"quality,omitempty"`
	UnlockedURL  string  `json:"unlockedURL,omitempty"`
	IsPremium    bool    `json:"isPremium,omitempty"`
}

// EncodeMessage serializes a Message to the wire envelope. Field ordering is
// fixed so payload diffs stay stable while debugging.
func EncodeMessage(msg *Message) ([]byte, error) {
	if !msg.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, msg.Kind)
	}

	w := wireMessage{
		Type:         string(msg.Kind),
		Timestamp:    msg.OriginTimestamp,
		Position:     msg.Position,
		IsPlaying:    msg.IsPlaying,
		SenderID:     msg.SenderID,
		ChatText:     msg.ChatText,
		ChatUsername: msg.ChatUsername,
		IsPremium:    msg.IsPremium,
	}
	if msg.Stream != nil {
		w.InfoHash = msg.Stream.InfoHash
		fileIdx := msg.Stream.FileIdx
		w.FileIdx = &fileIdx
		w.Quality = msg.Stream.Quality
		w.UnlockedURL = msg.Stream.UnlockedURL
	}

	return json.Marshal(&w)
}

// DecodeMessage parses the wire envelope into a Message. The dynamic shape
// is validated once here; everything past this boundary works with the
// typed Message.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}

	kind := Kind(w.Type)
	if !kind.valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, w.Type)
	}
	if w.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing senderId", ErrMalformedMessage)
	}

	msg := Message{
		Kind:            kind,
		SenderID:        w.SenderID,
		OriginTimestamp: w.Timestamp,
		Position:        w.Position,
		IsPlaying:       w.IsPlaying,
		ChatText:        w.ChatText,
		ChatUsername:    w.ChatUsername,
		IsPremium:       w.IsPremium,
	}
	if w.InfoHash != "" || w.FileIdx != nil || w.Quality != "" || w.UnlockedURL != "" {
		stream := StreamSelector{
			InfoHash:    w.InfoHash,
			Quality:     w.Quality,
			UnlockedURL: w.UnlockedURL,
		}
		if w.FileIdx != nil {
			stream.FileIdx = *w.FileIdx
		}
		msg.Stream = &stream
	}

	return msg, nil
}

// payloadKeys lists the top-level keys of a raw payload, for logging
// malformed events without dumping their values.
func payloadKeys(data []byte) []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
