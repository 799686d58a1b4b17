package realtime

import "context"

// PresenceMeta is the metadata tracked for one connection ref on a topic.
type PresenceMeta struct {
	Username              string `json:"username"`
	Status                string `json:"status,omitempty"`
	LastSeen              string `json:"last_seen"`
	IsPremium             bool   `json:"is_premium,omitempty"`
	SubscriptionExpiresAt string `json:"subscription_expires_at,omitempty"`
	WatchingTitle         string `json:"watching_title,omitempty"`
	WatchingType          string `json:"watching_type,omitempty"`
	WatchingID            string `json:"watching_id,omitempty"`
	RoomID                string `json:"room_id,omitempty"`
	StartedAt             string `json:"started_at,omitempty"`
}

// PresenceEntry is one tracked connection ref. Key identifies the logical
// user; a user may hold several refs at once (one per app instance).
type PresenceEntry struct {
	Key  string       `json:"key"`
	Ref  string       `json:"ref"`
	Meta PresenceMeta `json:"meta"`
}

type (
	BroadcastFunc = func(event string, payload []byte)
	PresenceFunc  = func(joins, leaves []PresenceEntry)
)

// Handlers are registered at join time, before the join request goes out on
// the wire, so no event delivered after the join ack can be missed.
type Handlers struct {
	OnBroadcast BroadcastFunc
	OnPresence  PresenceFunc
}

// Subscription is one joined topic on a connected transport.
type Subscription interface {
	Topic() string
	// Ref is the connection ref of this subscription, unique per join.
	Ref() string
	Broadcast(ctx context.Context, event string, payload []byte) error
	Track(ctx context.Context, meta PresenceMeta) error
	Untrack(ctx context.Context) error
	Leave(ctx context.Context) error
}

// Transport is the pub/sub socket the sync engine runs over. Implementations
// deliver broadcast and presence events best-effort and unordered.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Join(ctx context.Context, topic, key string, handlers Handlers) (Subscription, error)
	// OnStateChange registers a connectivity listener under the given id,
	// replacing any previous listener with the same id.
	OnStateChange(id string, fn func(connected bool))
	RemoveStateChange(id string)
}
