package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/engine"
	"github.com/streamparty/watchsync/internal/realtime"
	"github.com/streamparty/watchsync/internal/relay/repository"
)

type JoinTopicParams struct {
	Conn  *websocket.Conn
	Topic string
	Ref   string
	Key   string
}

type JoinTopicResponse struct {
	PresenceState []realtime.PresenceEntry
}

// JoinTopic subscribes a socket to a topic. The first joiner of a
// watch-party topic implicitly creates the room and becomes its host.
func (s service) JoinTopic(ctx context.Context, params *JoinTopicParams) (JoinTopicResponse, error) {
	if err := s.subsRepo.Add(repository.Subscription{
		Conn:  params.Conn,
		Topic: params.Topic,
		Ref:   params.Ref,
		Key:   params.Key,
	}); err != nil {
		return JoinTopicResponse{}, fmt.Errorf("failed to add subscription: %w", err)
	}

	if roomID, ok := engine.RoomIDFromTopic(params.Topic); ok {
		if err := s.ensureRoom(ctx, roomID, params.Key); err != nil {
			s.subsRepo.RemoveByRef(params.Ref)
			return JoinTopicResponse{}, err
		}
	}

	state, err := s.presenceEntries(ctx, params.Topic)
	if err != nil {
		return JoinTopicResponse{}, err
	}

	s.logger.InfoContext(ctx, "topic joined", "topic", params.Topic, "ref", params.Ref, "key", params.Key)
	return JoinTopicResponse{PresenceState: state}, nil
}

func (s service) ensureRoom(ctx context.Context, roomID, userID string) error {
	now := time.Now().Unix()

	room, err := s.topicRepo.GetRoom(ctx, roomID)
	switch {
	case errors.Is(err, repository.ErrRoomNotFound):
		if err := s.topicRepo.SetRoom(ctx, &repository.SetRoomParams{
			RoomID:    roomID,
			HostID:    userID,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		room = repository.Room{HostID: userID, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("failed to get room: %w", err)
	}

	if err := s.topicRepo.AddParticipant(ctx, &repository.AddParticipantParams{
		RoomID:   roomID,
		UserID:   userID,
		IsHost:   userID == room.HostID,
		JoinedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

type LeaveTopicParams struct {
	Topic string
	Ref   string
}

type LeaveTopicResponse struct {
	Conns []*websocket.Conn
	Diff  *realtime.PresenceDiff
}

// LeaveTopic drops a subscription, untracks any presence it held, and tears
// the room down when the last participant of a watch-party topic is gone.
// Conns and Diff describe the presence_diff fanout owed to the remaining
// subscribers.
func (s service) LeaveTopic(ctx context.Context, params *LeaveTopicParams) (LeaveTopicResponse, error) {
	sub, err := s.subsRepo.RemoveByRef(params.Ref)
	if err != nil {
		return LeaveTopicResponse{}, fmt.Errorf("%w: %s", ErrUnknownRef, params.Ref)
	}

	return s.dropSubscription(ctx, sub)
}

func (s service) dropSubscription(ctx context.Context, sub repository.Subscription) (LeaveTopicResponse, error) {
	resp := LeaveTopicResponse{}

	if err := s.topicRepo.RemovePresence(ctx, &repository.RemovePresenceParams{
		Topic: sub.Topic,
		Ref:   sub.Ref,
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to remove presence", "topic", sub.Topic, "ref", sub.Ref, "error", err)
	} else {
		resp.Diff = &realtime.PresenceDiff{
			Leaves: []realtime.PresenceEntry{{Key: sub.Key, Ref: sub.Ref}},
		}
	}

	if roomID, ok := engine.RoomIDFromTopic(sub.Topic); ok {
		if err := s.topicRepo.RemoveParticipant(ctx, &repository.RemoveParticipantParams{
			RoomID: roomID,
			UserID: sub.Key,
		}); err != nil && !errors.Is(err, repository.ErrParticipantNotFound) {
			s.logger.WarnContext(ctx, "failed to remove participant", "room_id", roomID, "error", err)
		}

		count, err := s.topicRepo.GetParticipantCount(ctx, roomID)
		if err == nil && count == 0 {
			if err := s.topicRepo.RemoveRoom(ctx, roomID); err != nil {
				s.logger.WarnContext(ctx, "failed to remove room", "room_id", roomID, "error", err)
			} else {
				s.logger.InfoContext(ctx, "room removed", "room_id", roomID)
			}
		}
	}

	resp.Conns = s.topicConns(sub.Topic)
	s.logger.InfoContext(ctx, "topic left", "topic", sub.Topic, "ref", sub.Ref)
	return resp, nil
}

type BroadcastParams struct {
	Topic   string
	Ref     string
	Event   string
	Payload json.RawMessage
}

type BroadcastResponse struct {
	Conns []*websocket.Conn
}

// Broadcast resolves the fanout set for one inbound broadcast frame. The
// sender's own socket is included: delivery is a best-effort bus, and
// senders filter their own messages client-side.
func (s service) Broadcast(ctx context.Context, params *BroadcastParams) (BroadcastResponse, error) {
	if _, err := s.subsRepo.GetByRef(params.Ref); err != nil {
		return BroadcastResponse{}, fmt.Errorf("%w: %s", ErrUnknownRef, params.Ref)
	}

	return BroadcastResponse{Conns: s.topicConns(params.Topic)}, nil
}

type DisconnectNotification struct {
	Topic string
	Conns []*websocket.Conn
	Diff  *realtime.PresenceDiff
}

// Disconnect sweeps every subscription of a dropped socket, as if each had
// left its topic explicitly.
func (s service) Disconnect(ctx context.Context, conn *websocket.Conn) []DisconnectNotification {
	subs := s.subsRepo.RemoveByConn(conn)

	notifications := make([]DisconnectNotification, 0, len(subs))
	for _, sub := range subs {
		resp, err := s.dropSubscription(ctx, sub)
		if err != nil {
			continue
		}
		notifications = append(notifications, DisconnectNotification{
			Topic: sub.Topic,
			Conns: resp.Conns,
			Diff:  resp.Diff,
		})
	}

	return notifications
}
