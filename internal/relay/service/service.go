package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/streamparty/watchsync/internal/relay/repository"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrUnknownRef   = errors.New("unknown subscription ref")
)

type iTopicRepo interface {
	SetRoom(context.Context, *repository.SetRoomParams) error
	GetRoom(context.Context, string) (repository.Room, error)
	RemoveRoom(context.Context, string) error
	AddParticipant(context.Context, *repository.AddParticipantParams) error
	RemoveParticipant(context.Context, *repository.RemoveParticipantParams) error
	GetParticipants(context.Context, string) ([]repository.Participant, error)
	GetParticipantCount(context.Context, string) (int, error)
	SetPresence(context.Context, *repository.SetPresenceParams) error
	RemovePresence(context.Context, *repository.RemovePresenceParams) error
	GetPresence(context.Context, string) ([]repository.PresenceRecord, error)
}

type iSubsRepo interface {
	Add(repository.Subscription) error
	GetByRef(string) (repository.Subscription, error)
	GetByTopic(string) []repository.Subscription
	RemoveByRef(string) (repository.Subscription, error)
	RemoveByConn(*websocket.Conn) []repository.Subscription
}

type service struct {
	topicRepo iTopicRepo
	subsRepo  iSubsRepo
	logger    *slog.Logger
}

func NewService(topicRepo iTopicRepo, subsRepo iSubsRepo, logger *slog.Logger) *service {
	return &service{
		topicRepo: topicRepo,
		subsRepo:  subsRepo,
		logger:    logger,
	}
}

func (s service) topicConns(topic string) []*websocket.Conn {
	subs := s.subsRepo.GetByTopic(topic)
	conns := make([]*websocket.Conn, 0, len(subs))
	seen := make(map[*websocket.Conn]struct{}, len(subs))
	for _, sub := range subs {
		if _, ok := seen[sub.Conn]; ok {
			continue
		}
		seen[sub.Conn] = struct{}{}
		conns = append(conns, sub.Conn)
	}
	return conns
}
