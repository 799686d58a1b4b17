package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/engine"
	"github.com/streamparty/watchsync/internal/realtime"
	"github.com/streamparty/watchsync/internal/relay/repository"
)

type TrackPresenceParams struct {
	Topic string
	Ref   string
	Key   string
	Meta  json.RawMessage
}

type TrackPresenceResponse struct {
	Conns []*websocket.Conn
	Diff  realtime.PresenceDiff
}

// TrackPresence records or refreshes a ref's presence metadata and resolves
// the diff fanout. On a watch-party topic the participant record is
// refreshed too, since the tracked metadata is where the username lives.
func (s service) TrackPresence(ctx context.Context, params *TrackPresenceParams) (TrackPresenceResponse, error) {
	if _, err := s.subsRepo.GetByRef(params.Ref); err != nil {
		return TrackPresenceResponse{}, fmt.Errorf("%w: %s", ErrUnknownRef, params.Ref)
	}

	if err := s.topicRepo.SetPresence(ctx, &repository.SetPresenceParams{
		Topic: params.Topic,
		Ref:   params.Ref,
		Key:   params.Key,
		Meta:  params.Meta,
	}); err != nil {
		return TrackPresenceResponse{}, fmt.Errorf("failed to set presence: %w", err)
	}

	var meta realtime.PresenceMeta
	if err := json.Unmarshal(params.Meta, &meta); err != nil {
		s.logger.WarnContext(ctx, "tracked presence meta does not parse", "topic", params.Topic, "error", err)
	}

	if roomID, ok := engine.RoomIDFromTopic(params.Topic); ok && meta.Username != "" {
		room, err := s.topicRepo.GetRoom(ctx, roomID)
		if err == nil {
			if err := s.topicRepo.AddParticipant(ctx, &repository.AddParticipantParams{
				RoomID:   roomID,
				UserID:   params.Key,
				Username: meta.Username,
				IsHost:   params.Key == room.HostID,
				JoinedAt: time.Now().Unix(),
			}); err != nil {
				s.logger.WarnContext(ctx, "failed to refresh participant", "room_id", roomID, "error", err)
			}
		}
	}

	return TrackPresenceResponse{
		Conns: s.topicConns(params.Topic),
		Diff: realtime.PresenceDiff{
			Joins: []realtime.PresenceEntry{{Key: params.Key, Ref: params.Ref, Meta: meta}},
		},
	}, nil
}

type UntrackPresenceParams struct {
	Topic string
	Ref   string
	Key   string
}

type UntrackPresenceResponse struct {
	Conns []*websocket.Conn
	Diff  realtime.PresenceDiff
}

func (s service) UntrackPresence(ctx context.Context, params *UntrackPresenceParams) (UntrackPresenceResponse, error) {
	if _, err := s.subsRepo.GetByRef(params.Ref); err != nil {
		return UntrackPresenceResponse{}, fmt.Errorf("%w: %s", ErrUnknownRef, params.Ref)
	}

	if err := s.topicRepo.RemovePresence(ctx, &repository.RemovePresenceParams{
		Topic: params.Topic,
		Ref:   params.Ref,
	}); err != nil {
		return UntrackPresenceResponse{}, fmt.Errorf("failed to remove presence: %w", err)
	}

	return UntrackPresenceResponse{
		Conns: s.topicConns(params.Topic),
		Diff: realtime.PresenceDiff{
			Leaves: []realtime.PresenceEntry{{Key: params.Key, Ref: params.Ref}},
		},
	}, nil
}

// presenceEntries loads the full tracked state of a topic for the
// presence_state frame a fresh joiner receives.
func (s service) presenceEntries(ctx context.Context, topic string) ([]realtime.PresenceEntry, error) {
	records, err := s.topicRepo.GetPresence(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	entries := make([]realtime.PresenceEntry, 0, len(records))
	for _, record := range records {
		entry := realtime.PresenceEntry{Key: record.Key, Ref: record.Ref}
		if err := json.Unmarshal(record.Meta, &entry.Meta); err != nil {
			s.logger.WarnContext(ctx, "skipping unparseable presence meta", "topic", topic, "ref", record.Ref)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
