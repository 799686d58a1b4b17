package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/streamparty/watchsync/internal/relay/repository"
)

type RoomState struct {
	RoomID           string `json:"room_id"`
	HostID           string `json:"host_id"`
	CreatedAt        int64  `json:"created_at"`
	ParticipantCount int    `json:"participant_count"`
}

type RoomParticipant struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsHost   bool   `json:"is_host"`
	JoinedAt int64  `json:"joined_at"`
}

// GetRoomState serves the room-state collaborator contract clients use to
// validate joinability of presence-advertised rooms.
func (s service) GetRoomState(ctx context.Context, roomID string) (RoomState, error) {
	room, err := s.topicRepo.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return RoomState{}, ErrRoomNotFound
		}
		return RoomState{}, fmt.Errorf("failed to get room: %w", err)
	}

	count, err := s.topicRepo.GetParticipantCount(ctx, roomID)
	if err != nil {
		return RoomState{}, fmt.Errorf("failed to count participants: %w", err)
	}

	return RoomState{
		RoomID:           roomID,
		HostID:           room.HostID,
		CreatedAt:        room.CreatedAt,
		ParticipantCount: count,
	}, nil
}

func (s service) GetRoomParticipants(ctx context.Context, roomID string) ([]RoomParticipant, error) {
	if _, err := s.topicRepo.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	participants, err := s.topicRepo.GetParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	out := make([]RoomParticipant, 0, len(participants))
	for _, p := range participants {
		out = append(out, RoomParticipant{
			UserID:   p.UserID,
			Username: p.Username,
			IsHost:   p.IsHost,
			JoinedAt: p.JoinedAt,
		})
	}
	return out, nil
}
