package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("socket is not connected")
	ErrJoinRejected = errors.New("join rejected by server")
)

const defaultJoinTimeout = 10 * time.Second

type SocketConfig struct {
	// URL of the relay websocket endpoint, e.g. ws://host/api/v1/ws.
	URL string
	// JoinTimeout bounds the wait for a join ack. Zero means 10s.
	JoinTimeout time.Duration
}

// Socket is a websocket Transport. One Socket carries any number of topic
// subscriptions; it may be shared by several sessions.
type Socket struct {
	cfg    SocketConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	subs      map[string]*socketSub            // ref -> sub
	byTopic   map[string]map[string]*socketSub // topic -> ref -> sub
	acks      map[string]chan error            // join ref -> ack
	listeners map[string]func(connected bool)

	writeMu sync.Mutex
}

func NewSocket(cfg SocketConfig, logger *slog.Logger) *Socket {
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}

	return &Socket{
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[string]*socketSub),
		byTopic:   make(map[string]map[string]*socketSub),
		acks:      make(map[string]chan error),
		listeners: make(map[string]func(connected bool)),
	}
}

func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.closing = false
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readPump(conn)

	s.logger.InfoContext(ctx, "socket connected", "url", s.cfg.URL)
	s.notify(true)

	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		s.notify(false)
	}

	return nil
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) OnStateChange(id string, fn func(connected bool)) {
	s.mu.Lock()
	s.listeners[id] = fn
	s.mu.Unlock()
}

func (s *Socket) RemoveStateChange(id string) {
	s.mu.Lock()
	delete(s.listeners, id)
	s.mu.Unlock()
}

func (s *Socket) Join(ctx context.Context, topic, key string, handlers Handlers) (Subscription, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}

	sub := &socketSub{
		socket:   s,
		topic:    topic,
		key:      key,
		ref:      uuid.NewString(),
		handlers: handlers,
	}

	ack := make(chan error, 1)

	// The subscription is routable before the join frame is written, so no
	// event arriving after the ack can slip past the handlers.
	s.mu.Lock()
	s.subs[sub.ref] = sub
	if s.byTopic[topic] == nil {
		s.byTopic[topic] = make(map[string]*socketSub)
	}
	s.byTopic[topic][sub.ref] = sub
	s.acks[sub.ref] = ack
	s.mu.Unlock()

	if err := s.writeFrame(&Frame{Type: FrameJoin, Topic: topic, Ref: sub.ref, Key: key}); err != nil {
		s.dropSub(sub)
		return nil, err
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	select {
	case err := <-ack:
		if err != nil {
			s.dropSub(sub)
			return nil, err
		}
	case <-joinCtx.Done():
		s.dropSub(sub)
		return nil, fmt.Errorf("join %q timed out: %w", topic, joinCtx.Err())
	}

	return sub, nil
}

func (s *Socket) writeFrame(f *Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (s *Socket) dropSub(sub *socketSub) {
	s.mu.Lock()
	delete(s.subs, sub.ref)
	delete(s.acks, sub.ref)
	if refs, ok := s.byTopic[sub.topic]; ok {
		delete(refs, sub.ref)
		if len(refs) == 0 {
			delete(s.byTopic, sub.topic)
		}
	}
	s.mu.Unlock()
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}

		s.dispatch(&f)
	}

	s.mu.Lock()
	if s.conn != conn {
		// superseded by a newer connection
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	closing := s.closing
	s.mu.Unlock()

	if wasConnected && !closing {
		s.logger.Warn("socket read loop exited", "url", s.cfg.URL)
	}
	if wasConnected {
		s.notify(false)
	}
}

func (s *Socket) dispatch(f *Frame) {
	switch f.Type {
	case FrameJoined, FrameLeft:
		s.mu.Lock()
		ack := s.acks[f.Ref]
		delete(s.acks, f.Ref)
		s.mu.Unlock()
		if ack != nil {
			ack <- nil
		}

	case FrameError:
		var p ErrorPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil && p.Message != "" {
			s.logger.Warn("server error frame", "topic", f.Topic, "code", p.Code, "message", p.Message)
		}
		s.mu.Lock()
		ack := s.acks[f.Ref]
		delete(s.acks, f.Ref)
		s.mu.Unlock()
		if ack != nil {
			ack <- fmt.Errorf("%w: %s", ErrJoinRejected, p.Message)
		}

	case FrameBroadcast:
		for _, sub := range s.topicSubs(f.Topic) {
			if sub.handlers.OnBroadcast != nil {
				sub.handlers.OnBroadcast(f.Event, f.Payload)
			}
		}

	case FramePresenceState:
		var state PresenceState
		if err := json.Unmarshal(f.Payload, &state); err != nil {
			s.logger.Warn("dropping malformed presence state", "topic", f.Topic, "error", err)
			return
		}
		for _, sub := range s.topicSubs(f.Topic) {
			if sub.handlers.OnPresence != nil {
				sub.handlers.OnPresence(state.Entries, nil)
			}
		}

	case FramePresenceDiff:
		var diff PresenceDiff
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			s.logger.Warn("dropping malformed presence diff", "topic", f.Topic, "error", err)
			return
		}
		for _, sub := range s.topicSubs(f.Topic) {
			if sub.handlers.OnPresence != nil {
				sub.handlers.OnPresence(diff.Joins, diff.Leaves)
			}
		}

	case FrameHeartbeat:
		if err := s.writeFrame(&Frame{Type: FrameHeartbeat, Ref: f.Ref}); err != nil {
			s.logger.Debug("failed to answer heartbeat", "error", err)
		}

	default:
		s.logger.Debug("ignoring unknown frame type", "type", f.Type, "topic", f.Topic)
	}
}

func (s *Socket) topicSubs(topic string) []*socketSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*socketSub, 0, len(s.byTopic[topic]))
	for _, sub := range s.byTopic[topic] {
		subs = append(subs, sub)
	}
	return subs
}

func (s *Socket) notify(connected bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

type socketSub struct {
	socket   *Socket
	topic    string
	key      string
	ref      string
	handlers Handlers
}

func (s *socketSub) Topic() string { return s.topic }

func (s *socketSub) Ref() string { return s.ref }

func (s *socketSub) Broadcast(_ context.Context, event string, payload []byte) error {
	return s.socket.writeFrame(&Frame{
		Type:    FrameBroadcast,
		Topic:   s.topic,
		Ref:     s.ref,
		Event:   event,
		Payload: payload,
	})
}

func (s *socketSub) Track(_ context.Context, meta PresenceMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal presence meta: %w", err)
	}

	return s.socket.writeFrame(&Frame{
		Type:    FrameTrack,
		Topic:   s.topic,
		Ref:     s.ref,
		Key:     s.key,
		Payload: payload,
	})
}

func (s *socketSub) Untrack(_ context.Context) error {
	return s.socket.writeFrame(&Frame{
		Type:  FrameUntrack,
		Topic: s.topic,
		Ref:   s.ref,
		Key:   s.key,
	})
}

func (s *socketSub) Leave(_ context.Context) error {
	err := s.socket.writeFrame(&Frame{Type: FrameLeave, Topic: s.topic, Ref: s.ref})
	s.socket.dropSub(s)
	return err
}
