package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/streamparty/watchsync/internal/relay/repository"
)

func (r repo) getRoomKey(roomID string) string {
	return "room:" + roomID
}

func (r repo) getParticipantListKey(roomID string) string {
	return "room:" + roomID + ":participants"
}

func (r repo) getParticipantKey(roomID, userID string) string {
	return "participant:" + roomID + ":" + userID
}

func (r repo) SetRoom(ctx context.Context, params *repository.SetRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	roomKey := r.getRoomKey(params.RoomID)
	pipe.HSet(ctx, roomKey,
		"host_id", params.HostID,
		"created_at", params.CreatedAt,
	)
	pipe.Expire(ctx, roomKey, r.exp)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}
	return nil
}

func (r repo) GetRoom(ctx context.Context, roomID string) (repository.Room, error) {
	res, err := r.rc.HGetAll(ctx, r.getRoomKey(roomID)).Result()
	if err != nil {
		return repository.Room{}, err
	}
	if len(res) == 0 {
		return repository.Room{}, repository.ErrRoomNotFound
	}

	createdAt, _ := strconv.ParseInt(res["created_at"], 10, 64)
	return repository.Room{
		HostID:    res["host_id"],
		CreatedAt: createdAt,
	}, nil
}

func (r repo) RemoveRoom(ctx context.Context, roomID string) error {
	r.logger.DebugContext(ctx, "called", "room_id", roomID)
	pipe := r.rc.TxPipeline()

	pipe.Del(ctx, r.getRoomKey(roomID))
	pipe.Del(ctx, r.getParticipantListKey(roomID))

	return r.executePipe(ctx, pipe)
}

func (r repo) AddParticipant(ctx context.Context, params *repository.AddParticipantParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	participantKey := r.getParticipantKey(params.RoomID, params.UserID)
	pipe.HSet(ctx, participantKey,
		"user_id", params.UserID,
		"username", params.Username,
		"is_host", params.IsHost,
		"joined_at", params.JoinedAt,
	)
	pipe.Expire(ctx, participantKey, r.exp)

	listKey := r.getParticipantListKey(params.RoomID)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(params.JoinedAt), Member: params.UserID})
	pipe.Expire(ctx, listKey, r.exp)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}
	return nil
}

func (r repo) RemoveParticipant(ctx context.Context, params *repository.RemoveParticipantParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)

	res, err := r.rc.ZRem(ctx, r.getParticipantListKey(params.RoomID), params.UserID).Result()
	if err != nil {
		return err
	}
	if res == 0 {
		return repository.ErrParticipantNotFound
	}

	return r.rc.Del(ctx, r.getParticipantKey(params.RoomID, params.UserID)).Err()
}

func (r repo) GetParticipants(ctx context.Context, roomID string) ([]repository.Participant, error) {
	userIDs, err := r.rc.ZRange(ctx, r.getParticipantListKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	participants := make([]repository.Participant, 0, len(userIDs))
	for _, userID := range userIDs {
		res, err := r.rc.HGetAll(ctx, r.getParticipantKey(roomID, userID)).Result()
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			// participant hash expired ahead of the list entry
			continue
		}

		isHost, _ := strconv.ParseBool(res["is_host"])
		joinedAt, _ := strconv.ParseInt(res["joined_at"], 10, 64)
		participants = append(participants, repository.Participant{
			UserID:   res["user_id"],
			Username: res["username"],
			IsHost:   isHost,
			JoinedAt: joinedAt,
		})
	}

	return participants, nil
}

func (r repo) GetParticipantCount(ctx context.Context, roomID string) (int, error) {
	count, err := r.rc.ZCard(ctx, r.getParticipantListKey(roomID)).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
