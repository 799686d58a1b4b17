package engine

import (
	"log/slog"
	"time"

	"github.com/streamparty/watchsync/internal/realtime"
)

// SyncEvent is the broadcast event name sync messages travel under.
const SyncEvent = "sync"

// Router sits at the wire boundary of one session: it decodes inbound
// broadcast frames, feeds the latency estimator, applies compensation and
// hands typed messages onward. Malformed payloads are logged and dropped,
// never fatal.
type Router struct {
	logger    *slog.Logger
	estimator *LatencyEstimator
	ownID     string
	now       func() time.Time

	onMessage  func(Message)
	onPresence func(joins, leaves []realtime.PresenceEntry)
	external   map[string]func(payload []byte)
}

func NewRouter(estimator *LatencyEstimator, logger *slog.Logger) *Router {
	return &Router{
		logger:    logger,
		estimator: estimator,
		now:       time.Now,
		external:  make(map[string]func(payload []byte)),
	}
}

// Bind points the router at its consumers for one session generation.
func (r *Router) Bind(ownID string, onMessage func(Message), onPresence func(joins, leaves []realtime.PresenceEntry)) {
	r.ownID = ownID
	r.onMessage = onMessage
	r.onPresence = onPresence
}

// HandleExternal registers a listener for a broadcast event other than sync
// messages, e.g. topic-scoped backend change feeds.
func (r *Router) HandleExternal(event string, fn func(payload []byte)) {
	r.external[event] = fn
}

// HandleBroadcast decodes one inbound broadcast frame. A message's reported
// position is already stale by transit time when it arrives, so it is
// projected forward by the current latency estimate before delivery.
func (r *Router) HandleBroadcast(event string, payload []byte) {
	if event != SyncEvent {
		if fn, ok := r.external[event]; ok {
			fn(payload)
			return
		}
		r.logger.Debug("ignoring unrouted broadcast event", "event", event)
		return
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		r.logger.Warn("dropping malformed sync payload",
			"error", err,
			"payload_keys", payloadKeys(payload),
		)
		return
	}

	if msg.SenderID == r.ownID {
		return
	}

	oneWay := float64(r.now().UnixNano())/float64(time.Second) - msg.OriginTimestamp
	r.estimator.Record(oneWay)

	msg.Position += r.estimator.Estimate()

	if r.onMessage != nil {
		r.onMessage(msg)
	}
}

// HandlePresence forwards raw presence joins/leaves for the session's topic.
func (r *Router) HandlePresence(joins, leaves []realtime.PresenceEntry) {
	if r.onPresence != nil {
		r.onPresence(joins, leaves)
	}
}
