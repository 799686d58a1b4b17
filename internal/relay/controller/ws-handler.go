package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/realtime"
	"github.com/streamparty/watchsync/internal/relay/service"
	"github.com/streamparty/watchsync/pkg/ctxlogger"
)

type joinInput struct {
	Topic string `json:"topic" validate:"required,min=1,max=128"`
	Ref   string `json:"ref" validate:"required,min=1,max=64"`
	Key   string `json:"key" validate:"required,min=1,max=64"`
}

func (c *controller) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("conn_id", uuid.NewString()))

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to upgrade connection", "error", err)
		return
	}

	c.logger.InfoContext(ctx, "socket connected", "remote_addr", conn.RemoteAddr().String())
	c.readFrames(ctx, conn)
}

func (c *controller) readFrames(ctx context.Context, conn *websocket.Conn) {
	defer c.closeConn(ctx, conn)

	for {
		var f realtime.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.logger.InfoContext(ctx, "socket read loop exited", "error", err)
			return
		}

		c.handleFrame(ctx, conn, &f)
	}
}

func (c *controller) handleFrame(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	switch f.Type {
	case realtime.FrameJoin:
		c.handleJoin(ctx, conn, f)
	case realtime.FrameLeave:
		c.handleLeave(ctx, conn, f)
	case realtime.FrameBroadcast:
		c.handleBroadcast(ctx, conn, f)
	case realtime.FrameTrack:
		c.handleTrack(ctx, conn, f)
	case realtime.FrameUntrack:
		c.handleUntrack(ctx, conn, f)
	case realtime.FrameHeartbeat:
		if err := c.writeFrame(conn, &realtime.Frame{Type: realtime.FrameHeartbeat, Ref: f.Ref}); err != nil {
			c.logger.DebugContext(ctx, "failed to answer heartbeat", "error", err)
		}
	default:
		c.writeError(ctx, conn, f, "UNKNOWN_FRAME", "unknown frame type "+f.Type)
	}
}

func (c *controller) handleJoin(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	input := joinInput{Topic: f.Topic, Ref: f.Ref, Key: f.Key}
	if validationErrors, ok := c.validate.Validate(&input); !ok {
		c.logger.WarnContext(ctx, "rejecting join", "errors", validationErrors)
		c.writeError(ctx, conn, f, "VALIDATION", "invalid join frame")
		return
	}

	resp, err := c.relayService.JoinTopic(ctx, &service.JoinTopicParams{
		Conn:  conn,
		Topic: f.Topic,
		Ref:   f.Ref,
		Key:   f.Key,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to join topic", "topic", f.Topic, "error", err)
		c.writeError(ctx, conn, f, "JOIN_FAILED", err.Error())
		return
	}

	if err := c.writeFrame(conn, &realtime.Frame{Type: realtime.FrameJoined, Topic: f.Topic, Ref: f.Ref}); err != nil {
		c.logger.WarnContext(ctx, "failed to ack join", "topic", f.Topic, "error", err)
		return
	}

	statePayload, err := json.Marshal(realtime.PresenceState{Entries: resp.PresenceState})
	if err != nil {
		return
	}
	if err := c.writeFrame(conn, &realtime.Frame{
		Type:    realtime.FramePresenceState,
		Topic:   f.Topic,
		Payload: statePayload,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to send presence state", "topic", f.Topic, "error", err)
	}
}

func (c *controller) handleLeave(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	resp, err := c.relayService.LeaveTopic(ctx, &service.LeaveTopicParams{Topic: f.Topic, Ref: f.Ref})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to leave topic", "topic", f.Topic, "error", err)
		c.writeError(ctx, conn, f, "LEAVE_FAILED", err.Error())
		return
	}

	if err := c.writeFrame(conn, &realtime.Frame{Type: realtime.FrameLeft, Topic: f.Topic, Ref: f.Ref}); err != nil {
		c.logger.DebugContext(ctx, "failed to ack leave", "topic", f.Topic, "error", err)
	}

	c.fanoutDiff(ctx, f.Topic, resp.Conns, resp.Diff)
}

func (c *controller) handleBroadcast(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	resp, err := c.relayService.Broadcast(ctx, &service.BroadcastParams{
		Topic:   f.Topic,
		Ref:     f.Ref,
		Event:   f.Event,
		Payload: f.Payload,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to broadcast", "topic", f.Topic, "error", err)
		c.writeError(ctx, conn, f, "BROADCAST_FAILED", err.Error())
		return
	}

	c.fanout(ctx, resp.Conns, &realtime.Frame{
		Type:    realtime.FrameBroadcast,
		Topic:   f.Topic,
		Event:   f.Event,
		Payload: f.Payload,
	})
}

func (c *controller) handleTrack(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	resp, err := c.relayService.TrackPresence(ctx, &service.TrackPresenceParams{
		Topic: f.Topic,
		Ref:   f.Ref,
		Key:   f.Key,
		Meta:  f.Payload,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to track presence", "topic", f.Topic, "error", err)
		c.writeError(ctx, conn, f, "TRACK_FAILED", err.Error())
		return
	}

	c.fanoutDiff(ctx, f.Topic, resp.Conns, &resp.Diff)
}

func (c *controller) handleUntrack(ctx context.Context, conn *websocket.Conn, f *realtime.Frame) {
	resp, err := c.relayService.UntrackPresence(ctx, &service.UntrackPresenceParams{
		Topic: f.Topic,
		Ref:   f.Ref,
		Key:   f.Key,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to untrack presence", "topic", f.Topic, "error", err)
		c.writeError(ctx, conn, f, "UNTRACK_FAILED", err.Error())
		return
	}

	c.fanoutDiff(ctx, f.Topic, resp.Conns, &resp.Diff)
}

func (c *controller) fanoutDiff(ctx context.Context, topic string, conns []*websocket.Conn, diff *realtime.PresenceDiff) {
	if diff == nil || len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(diff)
	if err != nil {
		return
	}

	c.fanout(ctx, conns, &realtime.Frame{
		Type:    realtime.FramePresenceDiff,
		Topic:   topic,
		Payload: payload,
	})
}

func (c *controller) writeError(ctx context.Context, conn *websocket.Conn, f *realtime.Frame, code, message string) {
	payload, err := json.Marshal(realtime.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}

	if err := c.writeFrame(conn, &realtime.Frame{
		Type:    realtime.FrameError,
		Topic:   f.Topic,
		Ref:     f.Ref,
		Payload: payload,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to write error frame", "error", err)
	}
}

func (c *controller) closeConn(ctx context.Context, conn *websocket.Conn) {
	notifications := c.relayService.Disconnect(ctx, conn)
	for _, n := range notifications {
		c.fanoutDiff(ctx, n.Topic, n.Conns, n.Diff)
	}

	c.writeLocks.Delete(conn)
	conn.Close()
	c.logger.InfoContext(ctx, "socket disconnected")
}
