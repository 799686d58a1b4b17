package engine

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/streamparty/watchsync/internal/realtime"
)

// Topic naming is a stable contract surface shared with every connected
// client version.
const (
	watchPartyPrefix    = "watch-party:"
	GlobalPresenceTopic = "global-presence"
	AdminAlertsTopic    = "admin:alerts"
)

func WatchPartyTopic(roomID string) string {
	return watchPartyPrefix + roomID
}

func RoomIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, watchPartyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, watchPartyPrefix), true
}

// Manager hands out one ChannelSession per room over a shared transport.
// The first caller that needs a room creates its session; sessions for
// different rooms are fully independent and never coordinate.
type Manager struct {
	transport realtime.Transport
	cfg       SessionConfig
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*ChannelSession
}

func NewManager(transport realtime.Transport, cfg SessionConfig, logger *slog.Logger) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*ChannelSession),
	}
}

// Session returns the session for the given room, creating it on first use.
// Room ids are case-insensitive here, matching setup deduplication.
func (m *Manager) Session(roomID string) *ChannelSession {
	key := strings.ToLower(roomID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	s := NewChannelSession(m.transport, m.cfg, m.logger)
	m.sessions[key] = s
	return s
}

// Drop forgets and closes the session for a room. Callers are expected to
// have run Cleanup first.
func (m *Manager) Drop(roomID string) {
	key := strings.ToLower(roomID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}
