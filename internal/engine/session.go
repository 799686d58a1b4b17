package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamparty/watchsync/internal/realtime"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSetupFailed     = errors.New("setup failed")
	ErrBroadcastFailed = errors.New("broadcast failed")
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultFlushDelay        = 200 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
	reconnectTimeout         = 15 * time.Second
)

type SessionConfig struct {
	// ReconnectDelay is the fixed delay before an auto-reconnect attempt.
	// Zero means 2s.
	ReconnectDelay time.Duration
	// FlushDelay is how long cleanup waits after untracking presence before
	// leaving the topic, so the outgoing untrack frame can reach the wire.
	// Zero means 200ms.
	FlushDelay time.Duration
	// HeartbeatInterval is the period of outbound heartbeat sync messages
	// while connected. Zero means 15s; negative disables heartbeats.
	HeartbeatInterval time.Duration
}

func (c *SessionConfig) withDefaults() SessionConfig {
	out := *c
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = defaultReconnectDelay
	}
	if out.FlushDelay == 0 {
		out.FlushDelay = defaultFlushDelay
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = defaultHeartbeatInterval
	}
	return out
}

type SetupParams struct {
	RoomID                string
	UserID                string
	Username              string
	IsHost                bool
	IsPremium             bool
	SubscriptionExpiresAt string
}

// ChannelSession is one room's sync session: it joins the room topic,
// tracks own presence, and fans inbound events out to registered observers.
// All mutable state is owned by a single command loop goroutine; callers
// interact only through methods that queue onto that loop.
type ChannelSession struct {
	id        string
	transport realtime.Transport
	logger    *slog.Logger
	cfg       SessionConfig

	estimator  *LatencyEstimator
	supervisor *ConnectionSupervisor
	mux        *ObserverMux
	router     *Router

	cmds chan func()
	done chan struct{}
	once sync.Once

	now func() time.Time

	// loop-owned state
	topic    string
	sub      realtime.Subscription
	params   SetupParams
	setupKey string
}

func NewChannelSession(transport realtime.Transport, cfg SessionConfig, logger *slog.Logger) *ChannelSession {
	estimator := NewLatencyEstimator()
	cfg = cfg.withDefaults()

	s := &ChannelSession{
		id:         uuid.NewString(),
		transport:  transport,
		logger:     logger,
		cfg:        cfg,
		estimator:  estimator,
		supervisor: NewConnectionSupervisor(cfg.ReconnectDelay, logger),
		mux:        NewObserverMux(logger),
		router:     NewRouter(estimator, logger),
		cmds:       make(chan func(), 256),
		done:       make(chan struct{}),
		now:        time.Now,
	}

	transport.OnStateChange(s.id, func(connected bool) {
		s.enqueue(func() { s.handleTransportState(connected) })
	})

	go s.run()

	return s
}

func (s *ChannelSession) run() {
	var heartbeat <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-heartbeat:
			s.sendHeartbeat()
		case <-s.done:
			return
		}
	}
}

// Close stops the command loop. The session cannot be reused afterwards;
// callers normally go through Cleanup first.
func (s *ChannelSession) Close() {
	s.once.Do(func() {
		s.transport.RemoveStateChange(s.id)
		s.supervisor.CancelReconnect()
		close(s.done)
	})
}

// do runs fn on the command loop and waits for its result.
func (s *ChannelSession) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)

	select {
	case s.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues fn without waiting. Used by transport callbacks.
func (s *ChannelSession) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Setup joins the room topic and tracks this user's presence. It suspends
// until the transport handshake completes or fails; a failed handshake is
// the only fatal error a session surfaces. A duplicate call for the same
// room and user while already connected re-emits the connected state
// instead of performing a second join, so callers waiting on a state
// callback never stall.
func (s *ChannelSession) Setup(ctx context.Context, params SetupParams) error {
	return s.do(ctx, func() error {
		key := setupKey(params.RoomID, params.UserID)

		if s.supervisor.State() == StateConnected && s.setupKey == key {
			s.logger.InfoContext(ctx, "setup absorbed, already connected",
				"room_id", params.RoomID, "user_id", params.UserID)
			s.mux.EmitState(StateConnected)
			return nil
		}

		s.params = params
		s.setupKey = key
		s.supervisor.SetIntentional(false)
		s.router.Bind(params.UserID, s.mux.EmitSync, s.mux.EmitPresence)
		s.transition(StateConnecting)

		if err := s.join(ctx); err != nil {
			s.transition(StateFailed)
			return fmt.Errorf("%w for room %s: %w", ErrSetupFailed, params.RoomID, err)
		}

		s.transition(StateConnected)
		return nil
	})
}

// join connects the transport if needed, subscribes to the room topic with
// handlers registered before the join request goes out, and tracks initial
// presence.
func (s *ChannelSession) join(ctx context.Context) error {
	if !s.transport.Connected() {
		if err := s.transport.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect transport: %w", err)
		}
	}

	topic := WatchPartyTopic(s.params.RoomID)
	sub, err := s.transport.Join(ctx, topic, s.params.UserID, realtime.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			s.enqueue(func() { s.router.HandleBroadcast(event, payload) })
		},
		OnPresence: func(joins, leaves []realtime.PresenceEntry) {
			s.enqueue(func() { s.router.HandlePresence(joins, leaves) })
		},
	})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", topic, err)
	}

	if err := sub.Track(ctx, s.presenceMeta()); err != nil {
		sub.Leave(ctx)
		return fmt.Errorf("failed to track presence on %s: %w", topic, err)
	}

	s.sub = sub
	s.topic = topic
	return nil
}

func (s *ChannelSession) presenceMeta() realtime.PresenceMeta {
	status := "guest"
	if s.params.IsHost {
		status = "host"
	}

	return realtime.PresenceMeta{
		Username:              s.params.Username,
		Status:                status,
		LastSeen:              s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		IsPremium:             s.params.IsPremium,
		SubscriptionExpiresAt: s.params.SubscriptionExpiresAt,
		RoomID:                s.params.RoomID,
	}
}

// SendSyncMessage serializes and broadcasts a sync message, fire-and-forget.
// When the session is not connected the message is dropped with a log line
// rather than queued: a stale queued seek is worse than a dropped one.
func (s *ChannelSession) SendSyncMessage(ctx context.Context, msg Message) error {
	return s.do(ctx, func() error {
		if s.supervisor.State() != StateConnected || s.sub == nil {
			s.logger.InfoContext(ctx, "dropping sync message, session not connected",
				"kind", msg.Kind, "state", s.supervisor.State())
			return nil
		}

		if msg.SenderID == "" {
			msg.SenderID = s.params.UserID
		}
		if msg.OriginTimestamp == 0 {
			msg.OriginTimestamp = unixSeconds(s.now())
		}

		data, err := EncodeMessage(&msg)
		if err != nil {
			return err
		}

		if err := s.sub.Broadcast(ctx, SyncEvent, data); err != nil {
			return fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
		}
		return nil
	})
}

func (s *ChannelSession) sendHeartbeat() {
	if s.supervisor.State() != StateConnected || s.sub == nil {
		return
	}

	msg := Message{
		Kind:            KindHeartbeat,
		SenderID:        s.params.UserID,
		OriginTimestamp: unixSeconds(s.now()),
	}
	data, err := EncodeMessage(&msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.sub.Broadcast(ctx, SyncEvent, data); err != nil {
		s.logger.Debug("heartbeat broadcast failed", "error", err)
	}
}

// Cleanup tears the session down. With leaveChannel the topic is left; with
// disconnectClient the shared socket is closed as well. Either teardown is
// refused while any observer is still registered, covering the hand-off
// where one surface cleans up while another still listens on the same
// shared transport. Presence is untracked first with a short flush delay so
// the leaving frame reaches the wire before the subscription goes away.
// Repeated calls are no-ops.
func (s *ChannelSession) Cleanup(ctx context.Context, leaveChannel, disconnectClient bool) error {
	return s.do(ctx, func() error {
		if (leaveChannel || disconnectClient) && s.mux.Count() > 0 {
			s.logger.InfoContext(ctx, "cleanup deferred, observers still attached",
				"refs", s.mux.Count(), "topic", s.topic)
			return nil
		}

		s.supervisor.SetIntentional(true)

		if s.sub != nil {
			if err := s.sub.Untrack(ctx); err != nil {
				s.logger.Debug("failed to untrack presence", "topic", s.topic, "error", err)
			}
			time.Sleep(s.cfg.FlushDelay)

			if leaveChannel {
				if err := s.sub.Leave(ctx); err != nil {
					s.logger.Debug("failed to leave topic", "topic", s.topic, "error", err)
				}
				s.sub = nil
				s.topic = ""
				s.setupKey = ""
			}
		}

		s.transition(StateDisconnected)

		if disconnectClient {
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("failed to close transport", "error", err)
			}
		}
		return nil
	})
}

// RegisterObserver attaches an internal consumer to this session. The same
// id replaces the previous registration without changing the refcount.
func (s *ChannelSession) RegisterObserver(ctx context.Context, obs Observer) error {
	return s.do(ctx, func() error {
		s.mux.Register(obs)
		return nil
	})
}

func (s *ChannelSession) UnregisterObserver(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		s.mux.Unregister(id)
		return nil
	})
}

// OnExternalEvent routes a topic-scoped broadcast event other than sync
// messages to the given listener.
func (s *ChannelSession) OnExternalEvent(ctx context.Context, event string, fn func(payload []byte)) error {
	return s.do(ctx, func() error {
		s.router.HandleExternal(event, fn)
		return nil
	})
}

// State reports the current channel state.
func (s *ChannelSession) State(ctx context.Context) ChannelState {
	state := StateDisconnected
	_ = s.do(ctx, func() error {
		state = s.supervisor.State()
		return nil
	})
	return state
}

// Estimate reports the current latency estimate in seconds.
func (s *ChannelSession) Estimate(ctx context.Context) float64 {
	var est float64
	_ = s.do(ctx, func() error {
		est = s.estimator.Estimate()
		return nil
	})
	return est
}

func (s *ChannelSession) handleTransportState(connected bool) {
	if connected {
		return
	}
	if s.supervisor.Intentional() {
		return
	}

	state := s.supervisor.State()
	if state != StateConnected && state != StateConnecting {
		return
	}

	s.sub = nil
	s.transition(StateDisconnected)
	s.scheduleReconnect()
}

func (s *ChannelSession) scheduleReconnect() {
	scheduled := s.supervisor.ScheduleReconnect(func() {
		s.enqueue(s.reconnect)
	})
	if scheduled {
		s.logger.Info("reconnect scheduled", "topic", WatchPartyTopic(s.params.RoomID),
			"delay", s.cfg.ReconnectDelay)
	}
}

// reconnect runs on the command loop when the timer fires. The state is
// re-checked here, not just at schedule time: an intentional disconnect or
// another reconnect path may have won the race while the timer was pending.
func (s *ChannelSession) reconnect() {
	if s.supervisor.Intentional() || s.supervisor.State() == StateConnected {
		s.logger.Debug("skipping stale reconnect", "state", s.supervisor.State())
		return
	}
	if s.setupKey == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()

	s.transition(StateConnecting)
	if err := s.join(ctx); err != nil {
		s.logger.Warn("reconnect attempt failed", "room_id", s.params.RoomID, "error", err)
		s.transition(StateFailed)
		s.scheduleReconnect()
		return
	}

	s.logger.Info("reconnected", "topic", s.topic)
	s.transition(StateConnected)
}

func (s *ChannelSession) transition(to ChannelState) {
	if s.supervisor.Transition(to) {
		s.mux.EmitState(to)
	}
}

func setupKey(roomID, userID string) string {
	return strings.ToLower(roomID) + "|" + strings.ToLower(userID)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
