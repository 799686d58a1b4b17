package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/realtime"
	"github.com/streamparty/watchsync/internal/relay/service"
	"github.com/streamparty/watchsync/pkg/validator"
)

type iRelayService interface {
	JoinTopic(context.Context, *service.JoinTopicParams) (service.JoinTopicResponse, error)
	LeaveTopic(context.Context, *service.LeaveTopicParams) (service.LeaveTopicResponse, error)
	Broadcast(context.Context, *service.BroadcastParams) (service.BroadcastResponse, error)
	TrackPresence(context.Context, *service.TrackPresenceParams) (service.TrackPresenceResponse, error)
	UntrackPresence(context.Context, *service.UntrackPresenceParams) (service.UntrackPresenceResponse, error)
	Disconnect(context.Context, *websocket.Conn) []service.DisconnectNotification
	GetRoomState(context.Context, string) (service.RoomState, error)
	GetRoomParticipants(context.Context, string) ([]service.RoomParticipant, error)
}

type controller struct {
	relayService iRelayService
	upgrader     websocket.Upgrader
	validate     *validator.Validator
	logger       *slog.Logger

	// per-conn write locks: fanout writes race the reply writes of the
	// conn's own read loop
	writeLocks sync.Map // *websocket.Conn -> *sync.Mutex
}

func NewController(relayService iRelayService, logger *slog.Logger) *controller {
	return &controller{
		relayService: relayService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.NewValidator(),
		logger:   logger,
	}
}

func (c *controller) writeFrame(conn *websocket.Conn, f *realtime.Frame) error {
	muAny, _ := c.writeLocks.LoadOrStore(conn, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)

	mu.Lock()
	defer mu.Unlock()
	return conn.WriteJSON(f)
}

func (c *controller) fanout(ctx context.Context, conns []*websocket.Conn, f *realtime.Frame) {
	for _, conn := range conns {
		if err := c.writeFrame(conn, f); err != nil {
			c.logger.DebugContext(ctx, "fanout write failed", "topic", f.Topic, "error", err)
		}
	}
}
