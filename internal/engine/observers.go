package engine

import (
	"log/slog"

	"github.com/streamparty/watchsync/internal/realtime"
)

// Observer is one internal consumer of a shared session. All callbacks are
// optional; an observer registers only for the events it cares about.
// Observers do not own the session lifecycle.
type Observer struct {
	ID         string
	OnSync     func(Message)
	OnPresence func(joins, leaves []realtime.PresenceEntry)
	OnState    func(ChannelState)
}

// ObserverMux fans session events out to every registered observer and keeps
// the reference count that gates teardown. It is owned by the session's
// command loop, so no locking is needed.
type ObserverMux struct {
	logger    *slog.Logger
	observers map[string]Observer
	refs      int
}

func NewObserverMux(logger *slog.Logger) *ObserverMux {
	return &ObserverMux{
		logger:    logger,
		observers: make(map[string]Observer),
	}
}

// Register adds or replaces the observer with the given id. The reference
// count moves only on a genuinely new id.
func (m *ObserverMux) Register(obs Observer) {
	if _, exists := m.observers[obs.ID]; !exists {
		m.refs++
	}
	m.observers[obs.ID] = obs
	m.logger.Debug("observer registered", "observer_id", obs.ID, "refs", m.refs)
}

// Unregister removes the observer with the given id. Unknown ids are a
// no-op. Returns true on the transition to zero observers.
func (m *ObserverMux) Unregister(id string) bool {
	if _, exists := m.observers[id]; !exists {
		return false
	}

	delete(m.observers, id)
	m.refs--
	m.logger.Debug("observer unregistered", "observer_id", id, "refs", m.refs)
	return m.refs == 0
}

func (m *ObserverMux) Count() int {
	return m.refs
}

// Delivery order across observers is unspecified; every currently registered
// observer sees every event delivered while it is registered.

func (m *ObserverMux) EmitSync(msg Message) {
	for _, obs := range m.observers {
		if obs.OnSync != nil {
			obs.OnSync(msg)
		}
	}
}

func (m *ObserverMux) EmitPresence(joins, leaves []realtime.PresenceEntry) {
	for _, obs := range m.observers {
		if obs.OnPresence != nil {
			obs.OnPresence(joins, leaves)
		}
	}
}

func (m *ObserverMux) EmitState(state ChannelState) {
	for _, obs := range m.observers {
		if obs.OnState != nil {
			obs.OnState(state)
		}
	}
}
