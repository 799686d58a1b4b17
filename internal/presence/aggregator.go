package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streamparty/watchsync/internal/realtime"
)

// Watching is a pointer to what a user is currently watching, advertised
// through presence metadata.
type Watching struct {
	Title      string
	Type       string
	ExternalID string
	RoomID     string
	StartedAt  string
	IsJoinable bool
}

// Activity is the merged view of one user across all of their connection
// refs. It is always projected from the single ref with the most recent
// last_seen, never stitched together from several refs.
type Activity struct {
	UserID    string
	Username  string
	Status    string
	LastSeen  time.Time
	IsPremium bool
	Watching  *Watching
}

// ChangeFunc is invoked after every recompute for the affected user. A nil
// activity means the user went offline.
type ChangeFunc func(userID string, activity *Activity)

// Aggregator merges simultaneous presence entries for the same logical user
// (one per app instance) into one activity record, recomputed on every join
// and leave.
type Aggregator struct {
	logger   *slog.Logger
	onChange ChangeFunc

	mu         sync.Mutex
	refs       map[string]map[string]realtime.PresenceMeta // userID -> ref -> meta
	activities map[string]*Activity
}

func NewAggregator(onChange ChangeFunc, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:     logger,
		onChange:   onChange,
		refs:       make(map[string]map[string]realtime.PresenceMeta),
		activities: make(map[string]*Activity),
	}
}

// HandlePresence applies one batch of transport presence events.
func (a *Aggregator) HandlePresence(joins, leaves []realtime.PresenceEntry) {
	for _, entry := range joins {
		a.OnJoin(entry)
	}
	for _, entry := range leaves {
		a.OnLeave(entry)
	}
}

// OnJoin inserts or overwrites the entry's ref metadata and recomputes the
// user's aggregate.
func (a *Aggregator) OnJoin(entry realtime.PresenceEntry) {
	if entry.Key == "" || entry.Ref == "" {
		a.logger.Warn("ignoring presence join without key or ref", "key", entry.Key, "ref", entry.Ref)
		return
	}

	a.mu.Lock()
	userRefs, ok := a.refs[entry.Key]
	if !ok {
		userRefs = make(map[string]realtime.PresenceMeta)
		a.refs[entry.Key] = userRefs
	}
	userRefs[entry.Ref] = entry.Meta
	activity := snapshot(a.recompute(entry.Key))
	a.mu.Unlock()

	a.emit(entry.Key, activity)
}

// OnLeave removes the entry's ref and recomputes. Some transports deliver
// leave events without the original key; in that case every user's ref set
// is swept for the ref.
func (a *Aggregator) OnLeave(entry realtime.PresenceEntry) {
	type change struct {
		userID   string
		activity *Activity
	}
	var changes []change

	a.mu.Lock()
	if entry.Key != "" {
		if userRefs, ok := a.refs[entry.Key]; ok {
			if _, held := userRefs[entry.Ref]; held {
				delete(userRefs, entry.Ref)
				changes = append(changes, change{entry.Key, snapshot(a.recompute(entry.Key))})
			}
		}
	} else {
		for userID, userRefs := range a.refs {
			if _, ok := userRefs[entry.Ref]; ok {
				delete(userRefs, entry.Ref)
				changes = append(changes, change{userID, snapshot(a.recompute(userID))})
			}
		}
	}
	a.mu.Unlock()

	for _, c := range changes {
		a.emit(c.userID, c.activity)
	}
}

// recompute rebuilds the cached activity for a user from their current ref
// set. Caller holds the lock. An empty ref set means offline: the cached
// activity is purged.
func (a *Aggregator) recompute(userID string) *Activity {
	userRefs := a.refs[userID]
	if len(userRefs) == 0 {
		delete(a.refs, userID)
		delete(a.activities, userID)
		return nil
	}

	var bestMeta realtime.PresenceMeta
	var bestSeen time.Time
	first := true
	for _, meta := range userRefs {
		seen := parseLastSeen(meta.LastSeen)
		if first || seen.After(bestSeen) {
			bestMeta = meta
			bestSeen = seen
			first = false
		}
	}

	activity := &Activity{
		UserID:    userID,
		Username:  bestMeta.Username,
		Status:    bestMeta.Status,
		LastSeen:  bestSeen,
		IsPremium: bestMeta.IsPremium,
	}
	if bestMeta.WatchingTitle != "" || bestMeta.RoomID != "" {
		activity.Watching = &Watching{
			Title:      bestMeta.WatchingTitle,
			Type:       bestMeta.WatchingType,
			ExternalID: bestMeta.WatchingID,
			RoomID:     bestMeta.RoomID,
			StartedAt:  bestMeta.StartedAt,
			IsJoinable: bestMeta.RoomID != "",
		}
	}

	a.activities[userID] = activity
	return activity
}

func (a *Aggregator) emit(userID string, activity *Activity) {
	if a.onChange != nil {
		a.onChange(userID, activity)
	}
}

// snapshot deep-copies an activity so emitted records never alias the
// cached one. Caller holds the lock.
func snapshot(activity *Activity) *Activity {
	if activity == nil {
		return nil
	}

	out := *activity
	if activity.Watching != nil {
		w := *activity.Watching
		out.Watching = &w
	}
	return &out
}

// Activity returns the cached aggregate for a user, or nil if offline.
func (a *Aggregator) Activity(userID string) *Activity {
	a.mu.Lock()
	defer a.mu.Unlock()

	return snapshot(a.activities[userID])
}

// Online returns the user ids with at least one live ref.
func (a *Aggregator) Online() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.activities))
	for userID := range a.activities {
		out = append(out, userID)
	}
	return out
}

// SetJoinable flips only the joinability flag on a user's cached watching
// pointer, leaving the rest of the record intact.
func (a *Aggregator) SetJoinable(userID string, joinable bool) {
	a.mu.Lock()
	activity, ok := a.activities[userID]
	if !ok || activity.Watching == nil {
		a.mu.Unlock()
		return
	}
	changed := activity.Watching.IsJoinable != joinable
	activity.Watching.IsJoinable = joinable
	var updated *Activity
	if changed {
		updated = snapshot(activity)
	}
	a.mu.Unlock()

	if changed {
		a.emit(userID, updated)
	}
}

func parseLastSeen(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
