package engine

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserverRefcount(t *testing.T) {
	m := NewObserverMux(slog.Default())
	assert.Zero(t, m.Count())

	m.Register(Observer{ID: "player"})
	m.Register(Observer{ID: "lobby"})
	assert.Equal(t, 2, m.Count())

	// re-registering the same id replaces the callbacks without another ref
	m.Register(Observer{ID: "player"})
	assert.Equal(t, 2, m.Count())

	assert.False(t, m.Unregister("player"), "refs remain")
	assert.True(t, m.Unregister("lobby"), "the last unregister reports the zero transition")
	assert.False(t, m.Unregister("lobby"), "unknown ids are a no-op")
	assert.Zero(t, m.Count())
}

func TestObserverOptionalCallbacks(t *testing.T) {
	m := NewObserverMux(slog.Default())

	var syncs, states int
	m.Register(Observer{ID: "sync-only", OnSync: func(Message) { syncs++ }})
	m.Register(Observer{ID: "state-only", OnState: func(ChannelState) { states++ }})

	m.EmitSync(Message{Kind: KindPlay})
	m.EmitState(StateConnected)
	m.EmitPresence(nil, nil)

	assert.Equal(t, 1, syncs)
	assert.Equal(t, 1, states)
}

func TestReplacedObserverCallbacksApply(t *testing.T) {
	m := NewObserverMux(slog.Default())

	var old, current int
	m.Register(Observer{ID: "player", OnSync: func(Message) { old++ }})
	m.Register(Observer{ID: "player", OnSync: func(Message) { current++ }})

	m.EmitSync(Message{Kind: KindPause})

	assert.Zero(t, old)
	assert.Equal(t, 1, current)
}
