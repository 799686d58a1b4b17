package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamparty/watchsync/internal/realtime"
)

// fakeTransport is an in-process hub: broadcasts loop back synchronously to
// every subscription on the topic, the sender's included, matching the
// relay's bus semantics.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	failConnect bool
	joins       int
	subs        map[string][]*fakeSub
	listeners   map[string]func(bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:      make(map[string][]*fakeSub),
		listeners: make(map[string]func(bool)),
	}
}

func (t *fakeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	if t.failConnect {
		t.mu.Unlock()
		return errors.New("connection refused")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()

	t.notify(true)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.subs = make(map[string][]*fakeSub)
	t.mu.Unlock()

	if was {
		t.notify(false)
	}
	return nil
}

// drop simulates the link failing out from under every subscription.
func (t *fakeTransport) drop() {
	t.Close()
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Join(_ context.Context, topic, key string, handlers realtime.Handlers) (realtime.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, errors.New("not connected")
	}

	sub := &fakeSub{
		transport: t,
		topic:     topic,
		key:       key,
		ref:       uuid.NewString(),
		handlers:  handlers,
	}
	t.subs[topic] = append(t.subs[topic], sub)
	t.joins++
	return sub, nil
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

func (t *fakeTransport) OnStateChange(id string, fn func(bool)) {
	t.mu.Lock()
	t.listeners[id] = fn
	t.mu.Unlock()
}

func (t *fakeTransport) RemoveStateChange(id string) {
	t.mu.Lock()
	delete(t.listeners, id)
	t.mu.Unlock()
}

func (t *fakeTransport) notify(connected bool) {
	t.mu.Lock()
	fns := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

type fakeSub struct {
	transport *fakeTransport
	topic     string
	key       string
	ref       string
	handlers  realtime.Handlers

	mu        sync.Mutex
	tracked   []realtime.PresenceMeta
	untracked int
	left      bool
	sent      [][]byte
}

func (s *fakeSub) Topic() string { return s.topic }
func (s *fakeSub) Ref() string   { return s.ref }

func (s *fakeSub) Broadcast(_ context.Context, event string, payload []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()

	s.transport.mu.Lock()
	subs := append([]*fakeSub(nil), s.transport.subs[s.topic]...)
	s.transport.mu.Unlock()

	for _, sub := range subs {
		if sub.handlers.OnBroadcast != nil {
			sub.handlers.OnBroadcast(event, payload)
		}
	}
	return nil
}

func (s *fakeSub) Track(_ context.Context, meta realtime.PresenceMeta) error {
	s.mu.Lock()
	s.tracked = append(s.tracked, meta)
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) Untrack(_ context.Context) error {
	s.mu.Lock()
	s.untracked++
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) Leave(_ context.Context) error {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()

	s.transport.mu.Lock()
	subs := s.transport.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.transport.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.transport.mu.Unlock()
	return nil
}

func (s *fakeSub) wasLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

func (t *fakeTransport) topicSub(topic string, i int) *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[topic][i]
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ReconnectDelay:    20 * time.Millisecond,
		FlushDelay:        time.Millisecond,
		HeartbeatInterval: -1,
	}
}

func newTestSession(t *testing.T, ft *fakeTransport) *ChannelSession {
	t.Helper()
	s := NewChannelSession(ft, testSessionConfig(), slog.Default())
	t.Cleanup(s.Close)
	return s
}

func TestSetupJoinsAndTracksPresence(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	err := s.Setup(ctx, SetupParams{
		RoomID:   "r1",
		UserID:   "alice",
		Username: "Alice",
		IsHost:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, StateConnected, s.State(ctx))
	require.Equal(t, 1, ft.joinCount())

	sub := ft.topicSub("watch-party:r1", 0)
	assert.Equal(t, "alice", sub.key)
	require.Len(t, sub.tracked, 1)
	assert.Equal(t, "Alice", sub.tracked[0].Username)
	assert.Equal(t, "host", sub.tracked[0].Status)
	assert.Equal(t, "r1", sub.tracked[0].RoomID)
	assert.NotEmpty(t, sub.tracked[0].LastSeen)
}

func TestSetupFailsWithoutTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.failConnect = true
	s := newTestSession(t, ft)
	ctx := context.Background()

	err := s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"})
	require.ErrorIs(t, err, ErrSetupFailed)
	assert.Equal(t, StateFailed, s.State(ctx))
}

func TestDuplicateSetupAbsorbed(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	params := SetupParams{RoomID: "R1", UserID: "Alice", Username: "Alice"}
	require.NoError(t, s.Setup(ctx, params))

	var states []ChannelState
	var mu sync.Mutex
	require.NoError(t, s.RegisterObserver(ctx, Observer{
		ID: "lobby",
		OnState: func(state ChannelState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	}))

	// same room and user, different case: absorbed, state re-emitted
	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))

	assert.Equal(t, 1, ft.joinCount(), "duplicate setup must not perform a second join")
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states, "waiting observer must see the connected state again")
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestInboundPositionCompensated(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	fixed := time.Unix(1700000000, 0)
	s.router.now = func() time.Time { return fixed }

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "bob", Username: "Bob"}))

	var mu sync.Mutex
	var received []Message
	require.NoError(t, s.RegisterObserver(ctx, Observer{
		ID: "player",
		OnSync: func(msg Message) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		},
	}))

	// every inbound message arrives exactly 50ms after it was sent, so the
	// estimator settles at exactly 0.05
	inject := func(position float64) {
		payload, err := EncodeMessage(&Message{
			Kind:            KindSeek,
			SenderID:        "alice",
			OriginTimestamp: unixSeconds(fixed) - 0.05,
			Position:        position,
		})
		require.NoError(t, err)
		ft.topicSub("watch-party:r1", 0).handlers.OnBroadcast(SyncEvent, payload)
	}

	for i := 0; i < latencyWindow; i++ {
		inject(1.0)
	}
	inject(100.0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == latencyWindow+1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.InDelta(t, 100.05, received[len(received)-1].Position, 1e-4,
		"position must be projected forward by the latency estimate")
}

func TestOwnMessagesFiltered(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))

	var mu sync.Mutex
	var received []Message
	require.NoError(t, s.RegisterObserver(ctx, Observer{
		ID: "player",
		OnSync: func(msg Message) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		},
	}))

	// the fake hub loops broadcasts back to the sender too
	require.NoError(t, s.SendSyncMessage(ctx, Message{Kind: KindPlay, Position: 5}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, received, "a session must not deliver its own echoes")
}

func TestSendSyncMessageDroppedWhenNotConnected(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	err := s.SendSyncMessage(ctx, Message{Kind: KindSeek, Position: 10})
	assert.NoError(t, err, "sends while disconnected are dropped, not errors")
	assert.Equal(t, 0, ft.joinCount())
}

func TestCleanupGatedByObservers(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))
	sub := ft.topicSub("watch-party:r1", 0)

	require.NoError(t, s.RegisterObserver(ctx, Observer{ID: "player"}))

	// hand-off case: one surface cleans up while another still listens
	require.NoError(t, s.Cleanup(ctx, true, false))
	assert.False(t, sub.wasLeft(), "cleanup must be refused while observers are registered")
	assert.Equal(t, StateConnected, s.State(ctx))

	require.NoError(t, s.UnregisterObserver(ctx, "player"))
	require.NoError(t, s.Cleanup(ctx, true, false))
	assert.True(t, sub.wasLeft())
	assert.Equal(t, StateDisconnected, s.State(ctx))

	sub.mu.Lock()
	untracked := sub.untracked
	sub.mu.Unlock()
	assert.Equal(t, 1, untracked, "presence must be untracked before leaving")

	// double cleanup is a no-op
	require.NoError(t, s.Cleanup(ctx, true, false))
}

func TestCleanupKeepsSharedTransportWhileObserved(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))
	require.NoError(t, s.RegisterObserver(ctx, Observer{ID: "player"}))

	// closing the client is a last-observer operation too: other sessions
	// may ride the same socket
	require.NoError(t, s.Cleanup(ctx, false, true))
	assert.True(t, ft.Connected(), "shared transport must stay open while an observer is registered")
	assert.Equal(t, StateConnected, s.State(ctx))

	require.NoError(t, s.UnregisterObserver(ctx, "player"))
	require.NoError(t, s.Cleanup(ctx, false, true))
	assert.False(t, ft.Connected())
}

func TestAutoReconnect(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))
	require.Equal(t, 1, ft.joinCount())

	ft.drop()

	require.Eventually(t, func() bool {
		return s.State(ctx) == StateConnected
	}, time.Second, time.Millisecond, "session must reconnect after an unexpected drop")
	assert.Equal(t, 2, ft.joinCount())

	// no further reconnect attempts once connected again
	time.Sleep(5 * testSessionConfig().ReconnectDelay)
	assert.Equal(t, 2, ft.joinCount())
}

func TestReconnectSkippedAfterCleanup(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))
	ft.drop()

	// the cleanup races ahead of the armed reconnect timer
	require.NoError(t, s.Cleanup(ctx, true, false))

	time.Sleep(5 * testSessionConfig().ReconnectDelay)
	assert.Equal(t, 1, ft.joinCount(), "an intentionally disconnected session must stay down")
	assert.Equal(t, StateDisconnected, s.State(ctx))
}

func TestTwoSessionsSeekScenario(t *testing.T) {
	ft := newFakeTransport()
	a := newTestSession(t, ft)
	b := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, a.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice", IsHost: true}))
	require.NoError(t, b.Setup(ctx, SetupParams{RoomID: "r1", UserID: "bob", Username: "Bob"}))

	var mu sync.Mutex
	var received []Message
	var bStates []ChannelState
	require.NoError(t, b.RegisterObserver(ctx, Observer{
		ID: "player",
		OnSync: func(msg Message) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		},
		OnState: func(state ChannelState) {
			mu.Lock()
			bStates = append(bStates, state)
			mu.Unlock()
		},
	}))

	require.NoError(t, a.SendSyncMessage(ctx, Message{Kind: KindSeek, Position: 42.0}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, KindSeek, received[0].Kind)
	assert.Equal(t, "alice", received[0].SenderID)
	assert.GreaterOrEqual(t, received[0].Position, 42.0, "delivered position is compensated forward")
	assert.LessOrEqual(t, received[0].Position, 42.0+maxPlausibleDelay)
	assert.Empty(t, bStates, "b must stay connected throughout")
	assert.Equal(t, StateConnected, b.State(ctx))
}

func TestMalformedInboundDropped(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx, SetupParams{RoomID: "r1", UserID: "alice", Username: "Alice"}))

	var delivered sync.Map
	require.NoError(t, s.RegisterObserver(ctx, Observer{
		ID:     "player",
		OnSync: func(msg Message) { delivered.Store(msg.Kind, msg) },
	}))

	sub := ft.topicSub("watch-party:r1", 0)
	sub.handlers.OnBroadcast(SyncEvent, []byte(`{"garbage":`))
	sub.handlers.OnBroadcast(SyncEvent, []byte(`{"type":"warp","senderId":"x"}`))

	payload, err := EncodeMessage(&Message{Kind: KindPause, SenderID: "bob", OriginTimestamp: unixSeconds(time.Now())})
	require.NoError(t, err)
	sub.handlers.OnBroadcast(SyncEvent, payload)

	require.Eventually(t, func() bool {
		_, ok := delivered.Load(KindPause)
		return ok
	}, time.Second, time.Millisecond, "the session must keep delivering after malformed payloads")
}
