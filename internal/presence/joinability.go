package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamparty/watchsync/internal/roomstate"
)

type iRoomStateClient interface {
	GetRoomState(ctx context.Context, roomID string) (*roomstate.Room, error)
	GetRoomParticipants(ctx context.Context, roomID string) ([]roomstate.Participant, error)
}

// JoinabilityValidator checks, out of band, whether the rooms advertised in
// cached activities still have a live host. A negative result only
// downgrades the isJoinable flag; the rest of the record stays intact and
// nothing is ever raised to the caller.
type JoinabilityValidator struct {
	rooms  iRoomStateClient
	agg    *Aggregator
	logger *slog.Logger
}

func NewJoinabilityValidator(rooms iRoomStateClient, agg *Aggregator, logger *slog.Logger) *JoinabilityValidator {
	return &JoinabilityValidator{
		rooms:  rooms,
		agg:    agg,
		logger: logger,
	}
}

// Validate re-checks one user's advertised room.
func (v *JoinabilityValidator) Validate(ctx context.Context, userID string) {
	activity := v.agg.Activity(userID)
	if activity == nil || activity.Watching == nil || activity.Watching.RoomID == "" {
		return
	}

	v.agg.SetJoinable(userID, v.roomIsJoinable(ctx, activity.Watching.RoomID))
}

// Run re-validates every online user's advertised room on the given
// interval until the context is cancelled.
func (v *JoinabilityValidator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range v.agg.Online() {
				v.Validate(ctx, userID)
			}
		}
	}
}

// roomIsJoinable reports whether the room exists and still has a host among
// its participants. Lookup errors leave the flag optimistic: a flaky
// backend must not flip every friend's room to ghost state.
func (v *JoinabilityValidator) roomIsJoinable(ctx context.Context, roomID string) bool {
	room, err := v.rooms.GetRoomState(ctx, roomID)
	if err != nil {
		v.logger.Debug("room state lookup failed", "room_id", roomID, "error", err)
		return true
	}
	if room == nil {
		return false
	}

	participants, err := v.rooms.GetRoomParticipants(ctx, roomID)
	if err != nil {
		v.logger.Debug("participants lookup failed", "room_id", roomID, "error", err)
		return true
	}

	for _, p := range participants {
		if p.IsHost && p.UserID == room.HostID {
			return true
		}
	}
	return false
}
