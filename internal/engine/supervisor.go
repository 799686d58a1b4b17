package engine

import (
	"log/slog"
	"sync"
	"time"
)

// ChannelState is the per-topic connection state surfaced to observers.
// Transitions are driven only by transport connectivity events and explicit
// setup/cleanup calls.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateFailed       ChannelState = "failed"
)

// ConnectionSupervisor owns the connection state machine for one session and
// drives auto-reconnect. State mutations happen only on the session's
// command loop; the timer is the one piece touched from outside it.
type ConnectionSupervisor struct {
	logger *slog.Logger
	delay  time.Duration

	state       ChannelState
	intentional bool

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewConnectionSupervisor(delay time.Duration, logger *slog.Logger) *ConnectionSupervisor {
	return &ConnectionSupervisor{
		logger: logger,
		delay:  delay,
		state:  StateDisconnected,
	}
}

func (s *ConnectionSupervisor) State() ChannelState {
	return s.state
}

// Transition moves to the given state if the edge is legal and reports
// whether the state changed. Failed is reachable from anywhere.
func (s *ConnectionSupervisor) Transition(to ChannelState) bool {
	if s.state == to {
		return false
	}

	legal := to == StateFailed
	switch s.state {
	case StateDisconnected:
		legal = legal || to == StateConnecting
	case StateConnecting:
		legal = legal || to == StateConnected || to == StateDisconnected
	case StateConnected:
		legal = legal || to == StateDisconnected
	case StateFailed:
		legal = legal || to == StateConnecting || to == StateDisconnected
	}

	if !legal {
		s.logger.Warn("refusing illegal state transition", "from", s.state, "to", to)
		return false
	}

	s.state = to
	return true
}

// SetIntentional marks whether the session is being torn down on purpose.
// While set, no reconnect is scheduled and a pending one is cancelled.
func (s *ConnectionSupervisor) SetIntentional(v bool) {
	s.intentional = v
	if v {
		s.CancelReconnect()
	}
}

func (s *ConnectionSupervisor) Intentional() bool {
	return s.intentional
}

// ScheduleReconnect arms a single reconnect attempt after the fixed delay.
// At most one timer is outstanding at a time; fire must re-check the session
// state itself, since an intentional disconnect or another reconnect may
// have superseded the timer between scheduling and firing.
func (s *ConnectionSupervisor) ScheduleReconnect(fire func()) bool {
	if s.intentional {
		return false
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		return false
	}

	s.timer = time.AfterFunc(s.delay, func() {
		s.timerMu.Lock()
		s.timer = nil
		s.timerMu.Unlock()
		fire()
	})
	return true
}

// CancelReconnect stops a pending reconnect timer, if any.
func (s *ConnectionSupervisor) CancelReconnect() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ReconnectPending reports whether a reconnect timer is armed.
func (s *ConnectionSupervisor) ReconnectPending() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.timer != nil
}
